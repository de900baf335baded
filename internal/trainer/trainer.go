// Package trainer drives an agent through an environment: it collects
// episodes, triggers PPO updates, tracks rewards and persists checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"github.com/cartridge/learner/internal/buffer"
	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/ppo"
)

const tracerName = "github.com/cartridge/learner/internal/trainer"

// ErrRunExists is returned by Run when the store already holds checkpoints
// of the run beyond StartEpisode; training would collide with them.
var ErrRunExists = errors.New("run already has later checkpoints")

// Agent is what the trainer needs from a learner. *ppo.Agent implements it.
type Agent interface {
	Act(state []float64) (action []float64, logProb, value float64, err error)
	Remember(t buffer.Transition)
	Update(bootstrap []float64) (ppo.Stats, error)
	Discard()
	Snapshot() checkpoint.Snapshot
}

// Tunable is implemented by agents whose hyper-parameters can change
// between update cycles. *ppo.Agent implements it.
type Tunable interface {
	ApplyTune(t ppo.Tune) error
}

// Config holds the training schedule.
type Config struct {
	RunID              string `mapstructure:"run_id"`
	MaxEpisodes        int    `mapstructure:"max_episodes"`
	MaxStepsPerEpisode int    `mapstructure:"max_steps_per_episode"`
	UpdateEvery        int    `mapstructure:"update_every"`
	PrintEvery         int    `mapstructure:"print_every"`
	// SaveEvery writes a checkpoint every N episodes; zero disables saving.
	SaveEvery    int `mapstructure:"save_every"`
	RewardWindow int `mapstructure:"reward_window"`
	// ContinueOnUpdateError skips a failed update cycle instead of
	// aborting the run.
	ContinueOnUpdateError bool `mapstructure:"continue_on_update_error"`
	// StartEpisode is the number of episodes a resumed run already has
	// behind it. Episodes are numbered from StartEpisode+1 so checkpoints
	// never collide with earlier ones.
	StartEpisode int `mapstructure:"start_episode"`
}

// DefaultConfig returns the usual training schedule.
func DefaultConfig() Config {
	return Config{
		MaxEpisodes:        500,
		MaxStepsPerEpisode: 256,
		UpdateEvery:        256,
		PrintEvery:         10,
		SaveEvery:          100,
		RewardWindow:       100,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxEpisodes <= 0 {
		return fmt.Errorf("max_episodes must be positive")
	}
	if c.MaxStepsPerEpisode <= 0 {
		return fmt.Errorf("max_steps_per_episode must be positive")
	}
	if c.UpdateEvery <= 0 {
		return fmt.Errorf("update_every must be positive")
	}
	if c.SaveEvery < 0 {
		return fmt.Errorf("save_every must be non-negative")
	}
	if c.RewardWindow <= 0 {
		return fmt.Errorf("reward_window must be positive")
	}
	if c.StartEpisode < 0 {
		return fmt.Errorf("start_episode must be non-negative")
	}
	return nil
}

// History holds the curves of a run: one reward per episode and one loss
// triple per successful update.
type History struct {
	EpisodeRewards []float64
	PolicyLosses   []float64
	ValueLosses    []float64
	Entropies      []float64
}

// Trainer runs the collect/update loop. It is single-threaded: Run must not
// be called concurrently.
type Trainer struct {
	cfg       Config
	env       env.Environment
	agent     Agent
	store     checkpoint.Store
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    zerolog.Logger
	tracer    trace.Tracer
	tunes     <-chan ppo.Tune

	history    History
	window     []float64
	globalStep int
	updates    int
}

// New creates a trainer. A nil store disables checkpoints; a nil publisher
// or collector disables events or metrics.
func New(cfg Config, e env.Environment, agent Agent, store checkpoint.Store, publisher events.Publisher, collector *metrics.Collector, logger zerolog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid trainer config: %w", err)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Trainer{
		cfg:       cfg,
		env:       e,
		agent:     agent,
		store:     store,
		publisher: publisher,
		metrics:   collector,
		logger:    logger.With().Str("run_id", cfg.RunID).Logger(),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// SetTunes makes the trainer apply payloads received on tunes before each
// update cycle. The agent must implement Tunable.
func (t *Trainer) SetTunes(tunes <-chan ppo.Tune) error {
	if _, ok := t.agent.(Tunable); !ok {
		return fmt.Errorf("agent %T does not accept tune payloads", t.agent)
	}
	t.tunes = tunes
	return nil
}

// History returns the curves collected so far.
func (t *Trainer) History() History { return t.history }

// Run trains for cfg.MaxEpisodes episodes, numbered after cfg.StartEpisode.
// Cancellation is honoured between steps; buffered transitions of the
// interrupted collection phase are discarded.
func (t *Trainer) Run(ctx context.Context) (History, error) {
	if err := t.checkStore(ctx); err != nil {
		return t.history, err
	}

	t.logger.Info().
		Int("start_episode", t.cfg.StartEpisode).
		Int("max_episodes", t.cfg.MaxEpisodes).
		Int("update_every", t.cfg.UpdateEvery).
		Msg("Training started")

	last := t.cfg.StartEpisode + t.cfg.MaxEpisodes
	for ep := t.cfg.StartEpisode + 1; ep <= last; ep++ {
		reward, steps, err := t.runEpisode(ctx, ep)
		if err != nil {
			return t.history, err
		}
		if err := t.finishEpisode(ctx, ep, reward, steps); err != nil {
			return t.history, err
		}
	}

	t.logger.Info().
		Int("global_step", t.globalStep).
		Int("updates", t.updates).
		Msg("Training finished")
	return t.history, nil
}

func (t *Trainer) checkStore(ctx context.Context) error {
	if t.store == nil || t.cfg.SaveEvery == 0 {
		return nil
	}
	rec, err := t.store.Latest(ctx, t.cfg.RunID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect checkpoints: %w", err)
	}
	if rec.Episode > t.cfg.StartEpisode {
		return fmt.Errorf("%w: %q is at episode %d, training would start after episode %d; resume the run or pick a new run id",
			ErrRunExists, t.cfg.RunID, rec.Episode, t.cfg.StartEpisode)
	}
	return nil
}

func (t *Trainer) runEpisode(ctx context.Context, ep int) (float64, int, error) {
	state := t.env.Reset()
	var episodeReward float64
	steps := 0

	for {
		select {
		case <-ctx.Done():
			t.agent.Discard()
			return 0, 0, ctx.Err()
		default:
		}

		action, logProb, value, err := t.agent.Act(state)
		if err != nil {
			t.agent.Discard()
			return 0, 0, fmt.Errorf("episode %d: failed to select action: %w", ep, err)
		}
		res, err := t.env.Step(action)
		if err != nil {
			t.agent.Discard()
			return 0, 0, fmt.Errorf("episode %d: failed to step environment: %w", ep, err)
		}

		t.agent.Remember(buffer.Transition{
			State:   state,
			Action:  action,
			LogProb: logProb,
			Value:   value,
			Reward:  res.Reward,
			Done:    res.Done,
		})
		episodeReward += res.Reward
		steps++
		t.globalStep++
		state = res.Next

		if steps <= 2 {
			t.logger.Debug().
				Int("episode", ep).
				Int("step", steps-1).
				Floats64("action", action).
				Interface("info", res.Info).
				Float64("reward", res.Reward).
				Msg("Step")
		}

		last := res.Done || steps >= t.cfg.MaxStepsPerEpisode
		if last || steps%t.cfg.UpdateEvery == 0 {
			if err := t.update(ctx, ep, state); err != nil {
				return 0, 0, err
			}
		}
		if last {
			return episodeReward, steps, nil
		}
	}
}

// update runs one PPO cycle, bootstrapping from the state after the last
// recorded transition.
func (t *Trainer) update(ctx context.Context, ep int, next []float64) error {
	t.updates++
	ctx, span := t.tracer.Start(ctx, "trainer.Update", trace.WithAttributes(
		attribute.String("run_id", t.cfg.RunID),
		attribute.Int("update", t.updates),
		attribute.Int("episode", ep),
	))
	defer span.End()

	t.applyTunes()
	start := time.Now()
	stats, err := t.agent.Update(next)

	event := events.UpdateEvent{
		RunID:      t.cfg.RunID,
		Update:     t.updates,
		Episode:    ep,
		GlobalStep: t.globalStep,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		event.LastError = err.Error()
		t.publish(t.publisher.PublishUpdate(ctx, event))
		if t.metrics != nil {
			t.metrics.UpdateFailed(t.cfg.RunID, t.updates, err)
		}
		if t.cfg.ContinueOnUpdateError && errors.Is(err, ppo.ErrNonFinite) {
			t.logger.Warn().Err(err).Int("update", t.updates).Msg("Skipping failed update")
			return nil
		}
		return fmt.Errorf("update %d: %w", t.updates, err)
	}

	span.SetAttributes(
		attribute.Int("samples", stats.Samples),
		attribute.Float64("policy_loss", stats.PolicyLoss),
		attribute.Float64("value_loss", stats.ValueLoss),
	)
	t.history.PolicyLosses = append(t.history.PolicyLosses, stats.PolicyLoss)
	t.history.ValueLosses = append(t.history.ValueLosses, stats.ValueLoss)
	t.history.Entropies = append(t.history.Entropies, stats.Entropy)

	event.Samples = stats.Samples
	event.PolicyLoss = stats.PolicyLoss
	event.ValueLoss = stats.ValueLoss
	event.Entropy = stats.Entropy
	event.ClipFraction = stats.ClipFraction
	t.publish(t.publisher.PublishUpdate(ctx, event))
	if t.metrics != nil {
		t.metrics.UpdateCompleted(t.cfg.RunID, t.updates, stats.Samples, stats.PolicyLoss, stats.ValueLoss, stats.Entropy, time.Since(start))
	}
	return nil
}

// applyTunes drains pending tune payloads without blocking. Invalid
// payloads are logged and skipped.
func (t *Trainer) applyTunes() {
	if t.tunes == nil {
		return
	}
	tunable := t.agent.(Tunable)
	for {
		select {
		case tune := <-t.tunes:
			if err := tunable.ApplyTune(tune); err != nil {
				t.logger.Warn().Err(err).Int("update", t.updates).Msg("Rejected tune payload")
				continue
			}
			t.logger.Info().
				Int("update", t.updates).
				Str("notes", tune.Notes).
				Msg("Applied tune payload")
		default:
			return
		}
	}
}

func (t *Trainer) finishEpisode(ctx context.Context, ep int, reward float64, steps int) error {
	t.history.EpisodeRewards = append(t.history.EpisodeRewards, reward)
	t.window = append(t.window, reward)
	if len(t.window) > t.cfg.RewardWindow {
		t.window = t.window[1:]
	}
	avg := floats.Sum(t.window) / float64(len(t.window))

	if t.metrics != nil {
		t.metrics.EpisodeCompleted(t.cfg.RunID, ep, steps, reward, avg)
	}
	if t.cfg.PrintEvery > 0 && ep%t.cfg.PrintEvery == 0 {
		t.logger.Info().
			Int("episode", ep).
			Float64("reward", reward).
			Float64("avg_reward", avg).
			Int("window", len(t.window)).
			Int("steps", steps).
			Int("global_step", t.globalStep).
			Msg("Episode finished")
	}

	event := events.EpisodeEvent{
		RunID:      t.cfg.RunID,
		Episode:    ep,
		Reward:     reward,
		AvgReward:  avg,
		Steps:      steps,
		GlobalStep: t.globalStep,
	}
	if t.store != nil && t.cfg.SaveEvery > 0 && ep%t.cfg.SaveEvery == 0 {
		id, err := t.save(ctx, ep)
		if err != nil {
			return err
		}
		event.Checkpoint = id
	}
	t.publish(t.publisher.PublishEpisode(ctx, event))
	return nil
}

func (t *Trainer) save(ctx context.Context, ep int) (string, error) {
	ctx, span := t.tracer.Start(ctx, "trainer.SaveCheckpoint", trace.WithAttributes(
		attribute.String("run_id", t.cfg.RunID),
		attribute.Int("episode", ep),
	))
	defer span.End()

	start := time.Now()
	rec := checkpoint.NewRecord(t.cfg.RunID, ep, t.agent.Snapshot())
	span.SetAttributes(attribute.Int("bytes", len(rec.Blob)))
	if err := t.store.Save(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return "", fmt.Errorf("episode %d: failed to save checkpoint: %w", ep, err)
	}
	if t.metrics != nil {
		t.metrics.CheckpointSaved(t.cfg.RunID, ep, len(rec.Blob), time.Since(start))
	}
	t.logger.Info().Int("episode", ep).Str("checkpoint_id", rec.ID).Msg("Saved checkpoint")
	return rec.ID, nil
}

// publish logs event delivery failures; they never stop training.
func (t *Trainer) publish(err error) {
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to publish event")
	}
}
