package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cartridge/learner/internal/buffer"
	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/policy"
	"github.com/cartridge/learner/internal/ppo"
)

// countdownEnv pays 1 per step and ends after horizon steps.
type countdownEnv struct {
	horizon int
	t       int
}

func (e *countdownEnv) Reset() []float64 {
	e.t = 0
	return []float64{0}
}

func (e *countdownEnv) Step(action []float64) (env.StepResult, error) {
	e.t++
	return env.StepResult{Next: []float64{float64(e.t)}, Reward: 1, Done: e.t >= e.horizon}, nil
}

func (e *countdownEnv) ActionDim() int { return 1 }

type mockAgent struct {
	mock.Mock
}

func (m *mockAgent) Act(state []float64) ([]float64, float64, float64, error) {
	args := m.Called(state)
	return args.Get(0).([]float64), args.Get(1).(float64), args.Get(2).(float64), args.Error(3)
}

func (m *mockAgent) Remember(t buffer.Transition) { m.Called(t) }

func (m *mockAgent) Update(bootstrap []float64) (ppo.Stats, error) {
	args := m.Called(bootstrap)
	return args.Get(0).(ppo.Stats), args.Error(1)
}

func (m *mockAgent) Discard() { m.Called() }

func (m *mockAgent) Snapshot() checkpoint.Snapshot {
	return m.Called().Get(0).(checkpoint.Snapshot)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishUpdate(ctx context.Context, e events.UpdateEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockPublisher) PublishEpisode(ctx context.Context, e events.EpisodeEvent) error {
	return m.Called(ctx, e).Error(0)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RunID = "run-test"
	cfg.MaxEpisodes = 4
	cfg.MaxStepsPerEpisode = 10
	cfg.UpdateEvery = 2
	cfg.SaveEvery = 2
	cfg.RewardWindow = 3
	return cfg
}

func newAgentMock() *mockAgent {
	agent := &mockAgent{}
	agent.On("Act", mock.Anything).Return([]float64{0.5}, -0.1, 0.2, nil)
	agent.On("Remember", mock.Anything).Return()
	agent.On("Snapshot").Return(checkpoint.Snapshot{ObsDim: 1, ActDim: 1, Hidden: 4})
	return agent
}

func TestRun_UpdateTriggersAndCheckpoints(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{PolicyLoss: 0.1, ValueLoss: 2, Entropy: 1.4, Samples: 2}, nil)

	publisher := &mockPublisher{}
	publisher.On("PublishUpdate", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishEpisode", mock.Anything, mock.MatchedBy(func(e events.EpisodeEvent) bool {
		return e.Episode%2 == 1 && e.Checkpoint == ""
	})).Return(nil)
	publisher.On("PublishEpisode", mock.Anything, mock.MatchedBy(func(e events.EpisodeEvent) bool {
		return e.Episode%2 == 0 && e.Checkpoint != ""
	})).Return(nil)

	store := checkpoint.NewMemoryStore()
	logger := zerolog.New(io.Discard)
	tr, err := New(testConfig(), &countdownEnv{horizon: 3}, agent, store, publisher, metrics.NewCollector(logger), logger)
	require.NoError(t, err)

	history, err := tr.Run(context.Background())
	require.NoError(t, err)

	// Horizon 3 with UpdateEvery 2: one update at step 2, one at the terminal step.
	agent.AssertNumberOfCalls(t, "Update", 8)
	agent.AssertNumberOfCalls(t, "Remember", 12)
	agent.AssertCalled(t, "Update", []float64{2})
	agent.AssertCalled(t, "Update", []float64{3})
	publisher.AssertNumberOfCalls(t, "PublishEpisode", 4)
	publisher.AssertNumberOfCalls(t, "PublishUpdate", 8)

	assert.Equal(t, []float64{3, 3, 3, 3}, history.EpisodeRewards)
	assert.Len(t, history.PolicyLosses, 8)
	assert.Len(t, history.ValueLosses, 8)

	rec, err := store.Latest(context.Background(), "run-test")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Episode)
	_, err = store.Load(context.Background(), "run-test", 2)
	assert.NoError(t, err)
}

func TestRun_MaxStepsTruncatesEpisode(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, nil)

	cfg := testConfig()
	cfg.MaxEpisodes = 1
	cfg.MaxStepsPerEpisode = 5
	cfg.UpdateEvery = 100
	tr, err := New(cfg, &countdownEnv{horizon: 50}, agent, nil, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	history, err := tr.Run(context.Background())
	require.NoError(t, err)
	agent.AssertNumberOfCalls(t, "Update", 1)
	agent.AssertCalled(t, "Update", []float64{5})
	assert.Equal(t, []float64{5}, history.EpisodeRewards)
}

func TestRun_UpdateErrorAborts(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, fmt.Errorf("epoch 0 policy step: %w", ppo.ErrNonFinite))

	publisher := &mockPublisher{}
	publisher.On("PublishUpdate", mock.Anything, mock.MatchedBy(func(e events.UpdateEvent) bool {
		return e.LastError != ""
	})).Return(nil)

	tr, err := New(testConfig(), &countdownEnv{horizon: 3}, agent, nil, publisher, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, ppo.ErrNonFinite)
	agent.AssertNumberOfCalls(t, "Update", 1)
	publisher.AssertExpectations(t)
}

func TestRun_ContinueOnUpdateError(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, ppo.ErrNonFinite)

	cfg := testConfig()
	cfg.ContinueOnUpdateError = true
	tr, err := New(cfg, &countdownEnv{horizon: 3}, agent, nil, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	history, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, history.EpisodeRewards, 4)
	assert.Empty(t, history.PolicyLosses)
}

func TestRun_CancelledDiscardsBuffer(t *testing.T) {
	agent := newAgentMock()
	agent.On("Discard").Return()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := New(testConfig(), &countdownEnv{horizon: 3}, agent, nil, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	_, err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	agent.AssertCalled(t, "Discard")
	agent.AssertNotCalled(t, "Update", mock.Anything)
}

func TestRun_RefusesToOverwriteLaterCheckpoints(t *testing.T) {
	agent := newAgentMock()

	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), checkpoint.NewRecord("run-test", 2, checkpoint.Snapshot{})))

	tr, err := New(testConfig(), &countdownEnv{horizon: 3}, agent, store, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunExists)
	agent.AssertNotCalled(t, "Act", mock.Anything)

	// Resuming from that episode is fine.
	agent = newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, nil)
	cfg := testConfig()
	cfg.StartEpisode = 2
	tr, err = New(cfg, &countdownEnv{horizon: 3}, agent, store, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	rec, err := store.Latest(context.Background(), "run-test")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Episode)
}

func TestRun_CheckpointConflictFails(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, nil)

	store := &conflictStore{MemoryStore: checkpoint.NewMemoryStore()}
	tr, err := New(testConfig(), &countdownEnv{horizon: 3}, agent, store, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, checkpoint.ErrConflict)
}

// conflictStore rejects every save, as a concurrent writer of the same run would.
type conflictStore struct {
	*checkpoint.MemoryStore
}

func (conflictStore) Save(context.Context, checkpoint.Record) error { return checkpoint.ErrConflict }

func TestRun_PublishFailureDoesNotStopTraining(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, nil)
	publisher := &mockPublisher{}
	publisher.On("PublishUpdate", mock.Anything, mock.Anything).Return(errors.New("nats down"))
	publisher.On("PublishEpisode", mock.Anything, mock.Anything).Return(errors.New("nats down"))

	cfg := testConfig()
	cfg.SaveEvery = 0
	tr, err := New(cfg, &countdownEnv{horizon: 3}, agent, nil, publisher, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.NoError(t, err)
}

func TestRun_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, nil).Once()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, ppo.ErrNonFinite)

	cfg := testConfig()
	cfg.MaxEpisodes = 2
	cfg.ContinueOnUpdateError = true
	tr, err := New(cfg, &countdownEnv{horizon: 3}, agent, checkpoint.NewMemoryStore(), nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	counts := map[string]int{}
	failed := 0
	for _, span := range recorder.Ended() {
		counts[span.Name()]++
		if span.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 4, counts["trainer.Update"])
	assert.Equal(t, 1, counts["trainer.SaveCheckpoint"])
	assert.Equal(t, 3, failed)
}

func newAllocAgentConfig(t *testing.T, e *env.Alloc) ppo.Config {
	t.Helper()
	actDim, err := env.ActionDim(e)
	require.NoError(t, err)
	cfg := ppo.DefaultConfig()
	cfg.ObsDim = e.ObservationDim()
	cfg.ActDim = actDim
	cfg.Hidden = 8
	cfg.UpdateEpochs = 1
	cfg.MinibatchSize = 4
	return cfg
}

func newSmallAlloc(t *testing.T) *env.Alloc {
	t.Helper()
	envCfg := env.DefaultAllocConfig()
	envCfg.Requests = 2
	envCfg.Horizon = 4
	e, err := env.NewAlloc(envCfg)
	require.NoError(t, err)
	return e
}

func TestRun_ResumeContinuesEpisodeNumbering(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	e := newSmallAlloc(t)
	agentCfg := newAllocAgentConfig(t, e)

	cfg := testConfig()
	cfg.MaxEpisodes = 2
	cfg.UpdateEvery = 4
	cfg.SaveEvery = 1

	first, err := ppo.New(agentCfg)
	require.NoError(t, err)
	tr, err := New(cfg, e, first, store, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(ctx)
	require.NoError(t, err)

	resumed, episode, err := ppo.Resume(ctx, store, cfg.RunID, agentCfg)
	require.NoError(t, err)
	require.Equal(t, 2, episode)
	assert.Equal(t, first.Snapshot(), resumed.Snapshot())

	cfg.StartEpisode = episode
	tr, err = New(cfg, e, resumed, store, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	history, err := tr.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, history.EpisodeRewards, 2)

	rec, err := store.Latest(ctx, cfg.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Episode)
	for _, ep := range []int{1, 2, 3} {
		_, err := store.Load(ctx, cfg.RunID, ep)
		assert.NoError(t, err, "episode %d", ep)
	}
}

func TestRun_StartEpisodeNumbersEvents(t *testing.T) {
	agent := newAgentMock()
	agent.On("Update", mock.Anything).Return(ppo.Stats{}, nil)

	var episodes []int
	publisher := &mockPublisher{}
	publisher.On("PublishUpdate", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishEpisode", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		episodes = append(episodes, args.Get(1).(events.EpisodeEvent).Episode)
	})

	cfg := testConfig()
	cfg.MaxEpisodes = 3
	cfg.StartEpisode = 5
	cfg.SaveEvery = 0
	tr, err := New(cfg, &countdownEnv{horizon: 2}, agent, nil, publisher, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7, 8}, episodes)
}

func TestRun_AppliesTunesBeforeUpdates(t *testing.T) {
	e := newSmallAlloc(t)
	agent, err := ppo.New(newAllocAgentConfig(t, e))
	require.NoError(t, err)

	lr, clip, badEntropy := 1e-3, 0.1, 0.5
	tunes := make(chan ppo.Tune, 4)
	tunes <- ppo.Tune{LearningRate: &lr}
	tunes <- ppo.Tune{EntropyCoef: &badEntropy}
	tunes <- ppo.Tune{ClipEpsilon: &clip, Notes: "tighten"}

	cfg := testConfig()
	cfg.MaxEpisodes = 1
	cfg.UpdateEvery = 4
	cfg.SaveEvery = 0
	tr, err := New(cfg, e, agent, nil, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, tr.SetTunes(tunes))

	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tunes)
	assert.Equal(t, lr, agent.Config().PolicyLR)
	assert.Equal(t, clip, agent.Config().ClipRatio)
	assert.Zero(t, agent.Config().EntropyCoef)
}

func TestSetTunes_RequiresTunableAgent(t *testing.T) {
	tr, err := New(testConfig(), &countdownEnv{horizon: 2}, newAgentMock(), nil, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)
	assert.Error(t, tr.SetTunes(make(chan ppo.Tune)))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.UpdateEvery = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StartEpisode = -1
	assert.Error(t, cfg.Validate())
}

func TestRun_TrainsRealAgentOnAlloc(t *testing.T) {
	envCfg := env.DefaultAllocConfig()
	envCfg.Requests = 3
	envCfg.Horizon = 8
	e, err := env.NewAlloc(envCfg)
	require.NoError(t, err)

	actDim, err := env.ActionDim(e)
	require.NoError(t, err)
	agentCfg := ppo.DefaultConfig()
	agentCfg.ObsDim = e.ObservationDim()
	agentCfg.ActDim = actDim
	agentCfg.Hidden = 16
	agentCfg.UpdateEpochs = 2
	agentCfg.MinibatchSize = 4
	agent, err := ppo.New(agentCfg)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxEpisodes = 3
	cfg.UpdateEvery = 8
	cfg.SaveEvery = 3
	store := checkpoint.NewMemoryStore()
	tr, err := New(cfg, e, agent, store, nil, nil, zerolog.New(io.Discard))
	require.NoError(t, err)

	history, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, history.EpisodeRewards, 3)
	assert.Len(t, history.PolicyLosses, 3)
	assert.Equal(t, 0, agent.Buffered())

	rec, err := store.Latest(context.Background(), "run-test")
	require.NoError(t, err)
	snap, err := rec.Snapshot()
	require.NoError(t, err)
	restored, err := ppo.FromSnapshot(snap, agentCfg)
	require.NoError(t, err)
	assert.Equal(t, agent.Snapshot(), restored.Snapshot())

	mean, err := Evaluate(context.Background(), e, restored.Policy(), 2, 8)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(mean))
}

func TestEvaluate_UniformBaseline(t *testing.T) {
	p, err := policy.NewUniform(1, 3)
	require.NoError(t, err)

	mean, err := Evaluate(context.Background(), &countdownEnv{horizon: 4}, p, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 4.0, mean)

	mean, err = Evaluate(context.Background(), &countdownEnv{horizon: 40}, p, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, mean)

	_, err = Evaluate(context.Background(), &countdownEnv{horizon: 4}, p, 0, 10)
	assert.Error(t, err)
}
