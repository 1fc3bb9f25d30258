package codify

import (
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
)

// DecisionEngine maps a confidence to a decision using per-vehicle-type
// threshold bands.
type DecisionEngine struct {
	cfg config.DecisionConfig
}

// NewDecisionEngine creates a decision engine.
func NewDecisionEngine(cfg config.DecisionConfig) *DecisionEngine {
	return &DecisionEngine{cfg: cfg}
}

// Decide applies the band of vehicleType, or the default band when the type
// has none configured.
func (d *DecisionEngine) Decide(confidence float64, vehicleType string) Decision {
	band := d.cfg.BandFor(vehicleType)
	switch {
	case confidence >= band.High:
		return DecisionAutoAccept
	case confidence >= band.Low:
		return DecisionNeedsReview
	default:
		return DecisionNoMatch
	}
}
