package animal

import (
	"time"

	"github.com/example/atc-api/internal/imageprocessor"
	"github.com/example/atc-api/internal/measurement"
	"github.com/example/atc-api/internal/scoring"
)

// NewView builds the stored view for one upload. Only the governing view type
// is measured and scored; the others keep their calibration for reference.
func NewView(vt ViewType, filename string, at time.Time, calib *imageprocessor.Calibration, keypoints []measurement.Keypoint) View {
	if calib == nil {
		calib = imageprocessor.NotDetected()
	}
	v := View{
		Type:                vt,
		Filename:            filename,
		UploadedAt:          at.UTC(),
		Marker:              calib.Marker,
		CalibrationDetected: calib.Found,
		Keypoints:           []measurement.Keypoint{},
	}
	if calib.Found {
		v.ScaleFactor = calib.ScaleFactor
	}

	switch vt {
	case ViewSide:
		v.Keypoints = measurement.Label(keypoints)
		v.Confidence = measurement.AverageConfidence(keypoints)
		v.Measurements, v.TraitScores = measurement.Compute(keypoints, v.ScaleFactor)
		v.Score = scoring.FinalScore(v.TraitScores)
		v.Verdict = scoring.Verdict(v.Score)
	case ViewFront, ViewRear:
		v.Verdict = scoring.VerdictNotApplicable
	}
	return v
}
