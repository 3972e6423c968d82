// Package animal holds the per-animal record and the rules that decide which
// uploaded view governs the animal's official score.
package animal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/example/atc-api/internal/imageprocessor"
	"github.com/example/atc-api/internal/measurement"
)

// ViewType is the camera angle of an upload.
type ViewType string

const (
	ViewFront ViewType = "front"
	ViewSide  ViewType = "side"
	ViewRear  ViewType = "rear"
)

// GoverningView is the only view type whose results become the animal's score.
const GoverningView = ViewSide

// ErrUnknownViewType is returned by ParseViewType for anything outside front/side/rear.
var ErrUnknownViewType = errors.New("unknown view type")

// ErrInvalidAnimalID is returned by ValidateID.
var ErrInvalidAnimalID = errors.New("invalid animal id")

var animalIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ParseViewType converts user input into a ViewType.
func ParseViewType(s string) (ViewType, error) {
	switch v := ViewType(strings.ToLower(strings.TrimSpace(s))); v {
	case ViewFront, ViewSide, ViewRear:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownViewType, s)
	}
}

// Governs reports whether views of this type drive the animal's score.
func (v ViewType) Governs() bool {
	return v == GoverningView
}

// ValidateID rejects identifiers that cannot safely name a directory.
func ValidateID(id string) error {
	if !animalIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidAnimalID, id)
	}
	return nil
}

// View is one processed upload. Views are never modified after being appended.
type View struct {
	Type                ViewType                   `json:"viewType"`
	Filename            string                     `json:"filename"`
	UploadedAt          time.Time                  `json:"uploaded_at"`
	Confidence          float64                    `json:"confidence"`
	ScaleFactor         *float64                   `json:"cm_per_px"`
	Marker              *imageprocessor.MarkerSize `json:"marker_size_px"`
	CalibrationDetected bool                       `json:"calibration_detected"`
	Keypoints           []measurement.Keypoint     `json:"keypoints"`
	Measurements        measurement.Measurements   `json:"measurements"`
	TraitScores         measurement.TraitScores    `json:"trait_scores"`
	Score               *float64                   `json:"score"`
	Verdict             string                     `json:"verdict"`
	DebugImagePath      *string                    `json:"debug_image_path,omitempty"`
}

// Record is everything known about one animal.
type Record struct {
	AnimalID     string                   `json:"animalID"`
	Breed        string                   `json:"breed"`
	Weight       float64                  `json:"weight"`
	FarmerID     *string                  `json:"farmerID,omitempty"`
	Views        []View                   `json:"views"`
	Measurements measurement.Measurements `json:"measurements"`
	Score        float64                  `json:"score"`
	Verdict      string                   `json:"verdict"`
	Timestamp    time.Time                `json:"timestamp"`
}

// Details are the descriptive fields a caller may set on a record.
type Details struct {
	Breed    string
	Weight   float64
	FarmerID *string
}

// Clone returns a deep enough copy that appending views or changing scalar
// fields does not affect r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Views = append([]View(nil), r.Views...)
	if r.FarmerID != nil {
		id := *r.FarmerID
		out.FarmerID = &id
	}
	return &out
}
