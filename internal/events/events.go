// Package events fans training progress out to downstream consumers.
package events

import "context"

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishUpdate(ctx context.Context, payload UpdateEvent) error
	PublishEpisode(ctx context.Context, payload EpisodeEvent) error
}

// UpdateEvent is emitted after every PPO update cycle, successful or not.
type UpdateEvent struct {
	RunID        string  `json:"run_id"`
	Update       int     `json:"update"`
	Episode      int     `json:"episode"`
	GlobalStep   int     `json:"global_step"`
	Samples      int     `json:"samples"`
	PolicyLoss   float64 `json:"policy_loss"`
	ValueLoss    float64 `json:"value_loss"`
	Entropy      float64 `json:"entropy"`
	ClipFraction float64 `json:"clip_fraction"`
	LastError    string  `json:"last_error,omitempty"`
}

// EpisodeEvent summarises a finished episode.
type EpisodeEvent struct {
	RunID      string  `json:"run_id"`
	Episode    int     `json:"episode"`
	Reward     float64 `json:"reward"`
	AvgReward  float64 `json:"avg_reward"`
	Steps      int     `json:"steps"`
	GlobalStep int     `json:"global_step"`
	Checkpoint string  `json:"checkpoint,omitempty"`
}

// NoopPublisher drops every event; useful for tests and offline runs.
type NoopPublisher struct{}

// PublishUpdate satisfies Publisher.
func (NoopPublisher) PublishUpdate(context.Context, UpdateEvent) error { return nil }

// PublishEpisode satisfies Publisher.
func (NoopPublisher) PublishEpisode(context.Context, EpisodeEvent) error { return nil }
