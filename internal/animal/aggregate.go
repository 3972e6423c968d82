package animal

import (
	"time"

	"github.com/example/atc-api/internal/measurement"
	"github.com/example/atc-api/internal/scoring"
)

// Governing returns the most recently appended view of the governing type.
func Governing(views []View) (View, bool) {
	for i := len(views) - 1; i >= 0; i-- {
		if views[i].Type.Governs() {
			return views[i], true
		}
	}
	return View{}, false
}

// Recompute derives the record's score, verdict and measurements from its
// governing view alone. A governing view without a score or without a detected
// calibration marker zeroes the score, even if an older one was good.
func Recompute(r *Record) {
	gov, ok := Governing(r.Views)
	if !ok {
		r.Measurements = measurement.Measurements{}
		r.Score = 0
		r.Verdict = scoring.VerdictPoor
		return
	}

	r.Measurements = gov.Measurements
	if gov.Score != nil && gov.CalibrationDetected {
		r.Score = *gov.Score
		r.Verdict = scoring.Verdict(gov.Score)
		return
	}
	r.Score = 0
	r.Verdict = scoring.VerdictPoor
}

// Reconcile appends v to prev (nil for a new animal) and recomputes the
// authoritative values. prev is not modified.
func Reconcile(prev *Record, animalID string, d Details, v View, now time.Time) *Record {
	rec := prev.Clone()
	if rec == nil {
		rec = &Record{AnimalID: animalID}
	}
	rec.Breed = d.Breed
	rec.Weight = d.Weight
	if d.FarmerID != nil {
		rec.FarmerID = d.FarmerID
	}
	rec.Views = append(rec.Views, v)
	rec.Timestamp = now.UTC()
	Recompute(rec)
	return rec
}

// ApplyDetails overwrites the descriptive fields and recomputes the score
// without touching the views.
func ApplyDetails(r *Record, d Details, now time.Time) {
	r.Breed = d.Breed
	r.Weight = d.Weight
	if d.FarmerID != nil && *d.FarmerID != "" {
		id := *d.FarmerID
		r.FarmerID = &id
	}
	r.Timestamp = now.UTC()
	Recompute(r)
}
