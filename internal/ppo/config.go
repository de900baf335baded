package ppo

import "fmt"

// Config holds the agent shape and PPO hyper-parameters.
type Config struct {
	ObsDim int `mapstructure:"obs_dim"`
	ActDim int `mapstructure:"act_dim"`
	Hidden int `mapstructure:"hidden"`

	Gamma     float64 `mapstructure:"gamma"`
	Lambda    float64 `mapstructure:"lambda"`
	ClipRatio float64 `mapstructure:"clip_ratio"`

	PolicyLR float64 `mapstructure:"pi_lr"`
	ValueLR  float64 `mapstructure:"vf_lr"`

	EntropyCoef float64 `mapstructure:"entropy_coef"`
	ValueCoef   float64 `mapstructure:"value_coef"`

	UpdateEpochs  int `mapstructure:"update_epochs"`
	MinibatchSize int `mapstructure:"minibatch_size"`

	InitLogStd float64 `mapstructure:"init_log_std"`
	// MaxGradNorm bounds the global gradient norm of each optimizer step;
	// zero or negative disables clipping.
	MaxGradNorm float64 `mapstructure:"max_grad_norm"`

	Seed int64 `mapstructure:"seed"`
}

// DefaultConfig returns the hyper-parameters the learner ships with. The
// observation and action widths are left for the caller.
func DefaultConfig() Config {
	return Config{
		Hidden:        64,
		Gamma:         0.99,
		Lambda:        0.95,
		ClipRatio:     0.2,
		PolicyLR:      3e-4,
		ValueLR:       1e-3,
		EntropyCoef:   0,
		ValueCoef:     0.5,
		UpdateEpochs:  10,
		MinibatchSize: 64,
		InitLogStd:    -0.5,
		MaxGradNorm:   0.5,
		Seed:          1,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.ObsDim <= 0 {
		return fmt.Errorf("obs_dim must be positive")
	}
	if c.ActDim <= 0 {
		return fmt.Errorf("act_dim must be positive")
	}
	if c.Hidden <= 0 {
		return fmt.Errorf("hidden must be positive")
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be within [0,1]")
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("lambda must be within [0,1]")
	}
	if c.ClipRatio <= 0 || c.ClipRatio >= 1 {
		return fmt.Errorf("clip_ratio must be in (0,1)")
	}
	if c.PolicyLR <= 0 || c.ValueLR <= 0 {
		return fmt.Errorf("learning rates must be positive")
	}
	if c.EntropyCoef < 0 {
		return fmt.Errorf("entropy_coef must be non-negative")
	}
	if c.ValueCoef <= 0 {
		return fmt.Errorf("value_coef must be positive")
	}
	if c.UpdateEpochs <= 0 {
		return fmt.Errorf("update_epochs must be positive")
	}
	if c.MinibatchSize <= 0 {
		return fmt.Errorf("minibatch_size must be positive")
	}
	return nil
}
