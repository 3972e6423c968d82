// Package scoring combines trait scores into a 0-10 conformation score and a
// classification verdict.
package scoring

import "github.com/example/atc-api/internal/measurement"

// Verdicts ordered from worst to best.
const (
	VerdictPoor          = "Poor"
	VerdictGood          = "G"
	VerdictGoodPlus      = "GP"
	VerdictVeryGood      = "VG"
	VerdictExcellent     = "EX"
	VerdictNotApplicable = "N/A"
)

// Weight pairs a trait with its share of the final score.
type Weight struct {
	Trait  string
	Weight float64
	value  func(measurement.TraitScores) *float64
}

// Weights sums to 1.0.
var Weights = []Weight{
	{Trait: "height", Weight: 0.30, value: func(t measurement.TraitScores) *float64 { return t.Height }},
	{Trait: "body_length", Weight: 0.30, value: func(t measurement.TraitScores) *float64 { return t.BodyLength }},
	{Trait: "rump", Weight: 0.20, value: func(t measurement.TraitScores) *float64 { return t.Rump }},
	{Trait: "rear_leg", Weight: 0.20, value: func(t measurement.TraitScores) *float64 { return t.RearLeg }},
}

// FinalScore is the weighted mean of the present trait scores scaled to 10,
// renormalized over the weights of the traits that have a value. It is nil
// when no trait has a value.
func FinalScore(traits measurement.TraitScores) *float64 {
	var weighted, total float64
	for _, w := range Weights {
		v := w.value(traits)
		if v == nil {
			continue
		}
		weighted += *v * w.Weight
		total += w.Weight
	}
	if total == 0 {
		return nil
	}
	score := measurement.Round(10*weighted/total, 2)
	return &score
}

// Verdict classifies a score. Lower bounds are inclusive.
func Verdict(score *float64) string {
	if score == nil {
		return VerdictPoor
	}
	switch s := *score; {
	case s >= 9:
		return VerdictExcellent
	case s >= 8:
		return VerdictVeryGood
	case s >= 7:
		return VerdictGoodPlus
	case s >= 6:
		return VerdictGood
	default:
		return VerdictPoor
	}
}
