// Package config holds the learner and inference-server configuration.
package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/ppo"
	"github.com/cartridge/learner/internal/trainer"
)

// Config holds all learner configuration
type Config struct {
	PPO     ppo.Config      `mapstructure:"ppo"`
	Trainer trainer.Config  `mapstructure:"trainer"`
	Env     env.AllocConfig `mapstructure:"env"`

	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	NATS       NATSConfig       `mapstructure:"nats"`

	// Evaluation after training
	EvalEpisodes int `mapstructure:"eval_episodes"`

	// Output
	PlotDir  string `mapstructure:"plot_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// CheckpointConfig selects where snapshots are written, in order of
// precedence: PostgresDSN, SQLitePath, Dir. With none set checkpoints stay
// in memory.
type CheckpointConfig struct {
	Dir         string `mapstructure:"dir"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// NATSConfig holds NATS configuration. An empty URL disables events.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	trainerCfg := trainer.DefaultConfig()
	trainerCfg.RunID = "ppo-alloc"
	return &Config{
		PPO:     ppo.DefaultConfig(),
		Trainer: trainerCfg,
		Env:     env.DefaultAllocConfig(),
		Checkpoint: CheckpointConfig{
			Dir: "checkpoints",
		},
		NATS: NATSConfig{
			Subject: "learner",
		},
		EvalEpisodes: 20,
		PlotDir:      "plots",
		LogLevel:     "info",
	}
}

// Normalize derives the fields that follow from others: the agent's widths
// come from the environment, and a negative drift coefficient turns drift
// off.
func (c *Config) Normalize() {
	if c.Env.ARRho != nil && *c.Env.ARRho < 0 {
		c.Env.ARRho = nil
	}
	c.PPO.ObsDim = c.Env.Requests + 1
	c.PPO.ActDim = c.Env.Requests
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Trainer.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := c.Env.Validate(); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if err := c.PPO.Validate(); err != nil {
		return fmt.Errorf("ppo: %w", err)
	}
	if err := c.Trainer.Validate(); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("nats subject is required when a nats url is set")
	}
	if c.EvalEpisodes < 0 {
		return fmt.Errorf("eval_episodes must be non-negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}
