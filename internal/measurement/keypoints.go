// Package measurement turns skeletal keypoints and a calibration scale into
// physical body measurements and normalized trait scores.
package measurement

// MinConfidence is the lowest keypoint confidence treated as a usable detection.
const MinConfidence = 0.1

// Keypoint is a single anatomical landmark in image pixel coordinates.
type Keypoint struct {
	Name       string  `json:"name,omitempty"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Valid reports whether the keypoint was detected confidently enough to measure from.
func (k *Keypoint) Valid() bool {
	return k != nil && k.Confidence >= MinConfidence
}

// Names is the ordered cattle skeleton produced by the pose collaborator.
var Names = []string{
	"muzzle",
	"left_eye",
	"right_eye",
	"neck",
	"front_left_hoof",
	"front_right_hoof",
	"rear_left_hoof",
	"rear_right_hoof",
	"backbone",
	"tail_root",
	"back_center",
	"tail_tip",
}

var nameIndex = func() map[string]int {
	idx := make(map[string]int, len(Names))
	for i, name := range Names {
		idx[name] = i
	}
	return idx
}()

// Lookup returns the keypoint for name from an ordered skeleton, or nil when the
// list is too short to contain it.
func Lookup(keypoints []Keypoint, name string) *Keypoint {
	i, ok := nameIndex[name]
	if !ok || i >= len(keypoints) {
		return nil
	}
	kp := keypoints[i]
	return &kp
}

// Label fills in missing names from the skeleton order.
func Label(keypoints []Keypoint) []Keypoint {
	out := make([]Keypoint, len(keypoints))
	for i, kp := range keypoints {
		if kp.Name == "" && i < len(Names) {
			kp.Name = Names[i]
		}
		out[i] = kp
	}
	return out
}

// AverageConfidence is the mean confidence of the detected (non-zero) keypoints.
func AverageConfidence(keypoints []Keypoint) float64 {
	var sum float64
	var n int
	for _, kp := range keypoints {
		if kp.Confidence > 0 {
			sum += kp.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return Round(sum/float64(n), 3)
}
