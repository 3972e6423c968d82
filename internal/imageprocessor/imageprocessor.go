package imageprocessor

import (
	"context"

	"github.com/example/atc-api/internal/measurement"
)

// MarkerSize describes the calibration marker's pixel footprint.
type MarkerSize struct {
	WidthPx   float64 `json:"width_px"`
	HeightPx  float64 `json:"height_px"`
	AvgSidePx float64 `json:"avg_side_px"`
}

// Calibration is the outcome of marker detection. ScaleFactor is set iff Found.
type Calibration struct {
	Found       bool
	ScaleFactor *float64 // centimetres per pixel
	Marker      *MarkerSize
}

// NotDetected is the calibration used when the marker is missing or the
// calibrator could not be reached.
func NotDetected() *Calibration {
	return &Calibration{}
}

// Calibrator finds the scale marker in an image.
type Calibrator interface {
	Calibrate(ctx context.Context, animalID string, image []byte) (*Calibration, error)
}

// PoseEstimator returns the ordered cattle skeleton for an image.
type PoseEstimator interface {
	EstimatePose(ctx context.Context, animalID string, image []byte) ([]measurement.Keypoint, error)
}
