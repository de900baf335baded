package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Collector records learner metrics as structured log lines.
type Collector struct {
	logger zerolog.Logger
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// Track PPO update cycles
func (c *Collector) UpdateCompleted(runID string, update, samples int, policyLoss, valueLoss, entropy float64, duration time.Duration) {
	c.logger.Info().
		Str("metric", "update_completed").
		Str("run_id", runID).
		Int("update", update).
		Int("samples", samples).
		Float64("policy_loss", policyLoss).
		Float64("value_loss", valueLoss).
		Float64("entropy", entropy).
		Dur("duration", duration).
		Msg("Update metric")
}

// Track failed update cycles
func (c *Collector) UpdateFailed(runID string, update int, err error) {
	c.logger.Warn().
		Str("metric", "update_failed").
		Str("run_id", runID).
		Int("update", update).
		Err(err).
		Msg("Update failure metric")
}

// Track finished episodes
func (c *Collector) EpisodeCompleted(runID string, episode, steps int, reward, avgReward float64) {
	c.logger.Info().
		Str("metric", "episode_completed").
		Str("run_id", runID).
		Int("episode", episode).
		Int("steps", steps).
		Float64("reward", reward).
		Float64("avg_reward", avgReward).
		Msg("Episode metric")
}

// Track checkpoint writes
func (c *Collector) CheckpointSaved(runID string, episode, bytes int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "checkpoint_saved").
		Str("run_id", runID).
		Int("episode", episode).
		Int("bytes", bytes).
		Dur("duration", duration).
		Msg("Checkpoint metric")
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}
