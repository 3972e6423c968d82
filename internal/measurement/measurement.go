package measurement

import "math"

// Normalization bounds for each trait.
const (
	heightLowCM  = 100.0
	heightHighCM = 150.0

	lengthLowCM  = 120.0
	lengthHighCM = 180.0

	rumpTargetDeg    = 25.0
	rumpToleranceDeg = 10.0

	rearLegTargetDeg    = 155.0
	rearLegToleranceDeg = 20.0
)

// Output precision in decimal places.
const (
	measurementPrecision = 2
	traitPrecision       = 4
)

// Measurements holds physical quantities in centimetres and degrees. A nil
// field means its prerequisites were unavailable.
type Measurements struct {
	WithersHeightCM    *float64 `json:"withers_height_cm"`
	BodyLengthCM       *float64 `json:"body_length_cm"`
	RumpAngleDeg       *float64 `json:"rump_angle_deg"`
	RearLegSetAngleDeg *float64 `json:"rear_leg_set_angle_deg"`
}

// TraitScores holds normalized [0,1] values, one per scorable trait.
type TraitScores struct {
	Height     *float64 `json:"height"`
	BodyLength *float64 `json:"body_length"`
	Rump       *float64 `json:"rump"`
	RearLeg    *float64 `json:"rear_leg"`
}

// Compute derives every measurement and trait score that the keypoints and
// scale allow. Each pair is computed independently.
func Compute(keypoints []Keypoint, scale *float64) (Measurements, TraitScores) {
	var m Measurements
	var t TraitScores
	if len(keypoints) == 0 {
		return m, t
	}

	cmPerPx, hasScale := positive(scale)

	neck := Lookup(keypoints, "neck")
	frontLeft := Lookup(keypoints, "front_left_hoof")
	frontRight := Lookup(keypoints, "front_right_hoof")
	backbone := Lookup(keypoints, "backbone")
	tailRoot := Lookup(keypoints, "tail_root")
	backCenter := Lookup(keypoints, "back_center")
	rearLeft := Lookup(keypoints, "rear_left_hoof")

	if hasScale && neck.Valid() {
		if hoof := mostConfident(frontLeft, frontRight); hoof != nil {
			height := math.Abs(neck.Y-hoof.Y) * cmPerPx
			m.WithersHeightCM = ptr(Round(height, measurementPrecision))
			t.Height = ptr(Round(NormLinear(height, heightLowCM, heightHighCM), traitPrecision))
		}
	}

	if hasScale && neck.Valid() && backbone.Valid() {
		length := distance(*neck, *backbone) * cmPerPx
		m.BodyLengthCM = ptr(Round(length, measurementPrecision))
		t.BodyLength = ptr(Round(NormLinear(length, lengthLowCM, lengthHighCM), traitPrecision))
	}

	if backbone.Valid() && backCenter.Valid() && tailRoot.Valid() {
		if angle, ok := Angle(*backbone, *backCenter, *tailRoot); ok {
			m.RumpAngleDeg = ptr(Round(angle, measurementPrecision))
			t.Rump = ptr(Round(NormAngle(angle, rumpTargetDeg, rumpToleranceDeg), traitPrecision))
		}
	}

	if backbone.Valid() && rearLeft.Valid() && tailRoot.Valid() {
		hock := Midpoint(*backbone, *rearLeft)
		if angle, ok := Angle(*backbone, hock, *tailRoot); ok {
			m.RearLegSetAngleDeg = ptr(Round(angle, measurementPrecision))
			t.RearLeg = ptr(Round(NormAngle(angle, rearLegTargetDeg, rearLegToleranceDeg), traitPrecision))
		}
	}

	return m, t
}

// Angle returns the angle in degrees at vertex b between rays b->a and b->c.
// It is undefined when either ray has zero length.
func Angle(a, b, c Keypoint) (float64, bool) {
	abx, aby := a.X-b.X, a.Y-b.Y
	cbx, cby := c.X-b.X, c.Y-b.Y
	abLen := math.Hypot(abx, aby)
	cbLen := math.Hypot(cbx, cby)
	if abLen == 0 || cbLen == 0 {
		return 0, false
	}
	cos := (abx*cbx + aby*cby) / (abLen * cbLen)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi, true
}

// Midpoint is a synthetic keypoint halfway between a and b, only as confident
// as the weaker of the two.
func Midpoint(a, b Keypoint) Keypoint {
	return Keypoint{
		X:          (a.X + b.X) / 2,
		Y:          (a.Y + b.Y) / 2,
		Confidence: math.Min(a.Confidence, b.Confidence),
	}
}

// NormLinear maps v from [low, high] onto [0, 1], saturating outside the range.
func NormLinear(v, low, high float64) float64 {
	if v <= low {
		return 0
	}
	if v >= high {
		return 1
	}
	return (v - low) / (high - low)
}

// NormAngle scores v by its distance from target, reaching 0 at tolerance.
func NormAngle(v, target, tolerance float64) float64 {
	return math.Max(0, 1-math.Abs(v-target)/tolerance)
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func distance(a, b Keypoint) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func mostConfident(candidates ...*Keypoint) *Keypoint {
	var best *Keypoint
	for _, kp := range candidates {
		if !kp.Valid() {
			continue
		}
		if best == nil || kp.Confidence > best.Confidence {
			best = kp
		}
	}
	return best
}

func positive(v *float64) (float64, bool) {
	if v == nil || *v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

func ptr(v float64) *float64 {
	return &v
}
