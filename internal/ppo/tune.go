package ppo

import (
	"errors"
	"fmt"
)

// Tune adjusts hyper-parameters of a running agent. Nil fields are left
// untouched.
type Tune struct {
	LearningRate *float64 `json:"learning_rate,omitempty"`
	EntropyCoef  *float64 `json:"entropy_coef,omitempty"`
	ClipEpsilon  *float64 `json:"clip_epsilon,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Validate ensures the payload respects schema invariants.
func (t Tune) Validate() error {
	if t.LearningRate == nil && t.EntropyCoef == nil && t.ClipEpsilon == nil {
		return errors.New("tune payload requires at least one tunable field")
	}
	if t.LearningRate != nil {
		if *t.LearningRate <= 0 || *t.LearningRate > 1 {
			return errors.New("learning_rate must be in (0,1]")
		}
	}
	if t.EntropyCoef != nil {
		if *t.EntropyCoef < 0 || *t.EntropyCoef > 0.1 {
			return errors.New("entropy_coef must be within [0,0.1]")
		}
	}
	if t.ClipEpsilon != nil {
		if *t.ClipEpsilon < 0.05 || *t.ClipEpsilon > 0.3 {
			return errors.New("clip_epsilon must be within [0.05,0.3]")
		}
	}
	return nil
}

// ApplyTune validates t and applies it between update cycles. The learning
// rate targets the policy optimizer; the critic keeps its own rate.
func (a *Agent) ApplyTune(t Tune) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tune: %w", err)
	}
	if t.LearningRate != nil {
		a.cfg.PolicyLR = *t.LearningRate
		a.piOpt.LR = *t.LearningRate
	}
	if t.EntropyCoef != nil {
		a.cfg.EntropyCoef = *t.EntropyCoef
	}
	if t.ClipEpsilon != nil {
		a.cfg.ClipRatio = *t.ClipEpsilon
	}
	return nil
}
