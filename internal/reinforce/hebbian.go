// Package reinforce maintains the learned edge graph: Hebbian weight
// updates on outcomes, EMA success tracking, memory quality feedback and
// periodic exponential decay toward the weight floor.
package reinforce

import (
	"math"
	"time"

	"mycel/internal/types"
)

// Config holds the learning rates. Exploration-flagged routes use half the
// negative rate so curiosity is not punished.
type Config struct {
	AlphaPos    float64 `yaml:"alpha_pos"`    // strengthening rate
	AlphaNeg    float64 `yaml:"alpha_neg"`    // weakening rate
	ThetaPos    float64 `yaml:"theta_pos"`    // success threshold
	DecayLambda float64 `yaml:"decay_lambda"` // per-day exponential decay
	EMAFactor   float64 `yaml:"ema_factor"`   // agent avg_success smoothing
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AlphaPos:    0.08,
		AlphaNeg:    0.04,
		ThetaPos:    0.6,
		DecayLambda: 0.02,
		EMAFactor:   0.1,
	}
}

// UpdateWeight applies one Hebbian update for an effective outcome score.
// Success saturates toward w_max in proportion to remaining headroom;
// failure weakens in proportion to the current weight. The result is
// clamped to [w_min, w_max].
func UpdateWeight(w, effective float64, explored bool, cfg Config) float64 {
	var delta float64
	if effective >= cfg.ThetaPos {
		delta = cfg.AlphaPos * effective * (1 - w)
	} else {
		alphaNeg := cfg.AlphaNeg
		if explored {
			alphaNeg /= 2
		}
		delta = -alphaNeg * (1 - effective) * w
	}
	return types.Clamp(w+delta, types.WeightMin, types.WeightMax)
}

// UpdateQuality applies the same rule to memory quality at half the rates,
// bounded to [0,1].
func UpdateQuality(q, effective float64, cfg Config) float64 {
	var delta float64
	if effective >= cfg.ThetaPos {
		delta = (cfg.AlphaPos / 2) * effective * (1 - q)
	} else {
		delta = -(cfg.AlphaNeg / 2) * (1 - effective) * q
	}
	return types.Clamp(q+delta, 0, 1)
}

// Decay relaxes a weight toward the floor after dt of inactivity:
// w_min + (w - w_min) * exp(-lambda * days). Decay never raises a weight.
func Decay(w float64, dt time.Duration, cfg Config) float64 {
	if dt <= 0 {
		return w
	}
	days := dt.Hours() / 24
	decayed := types.WeightMin + (w-types.WeightMin)*math.Exp(-cfg.DecayLambda*days)
	return types.Clamp(decayed, types.WeightMin, types.WeightMax)
}

// EMA folds a new sample into the running average with the configured
// smoothing factor.
func EMA(old, sample, factor float64) float64 {
	return old + factor*(sample-old)
}
