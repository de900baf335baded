package ppo

import (
	"context"
	"errors"
	"fmt"

	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/nn"
)

// ErrShapeMismatch is returned when a snapshot does not fit the agent.
var ErrShapeMismatch = errors.New("snapshot shape does not match agent")

// Snapshot captures the agent shape and every actor and critic parameter.
// Optimizer moments are not included.
func (a *Agent) Snapshot() checkpoint.Snapshot {
	snap := checkpoint.Snapshot{
		ObsDim: a.cfg.ObsDim,
		ActDim: a.cfg.ActDim,
		Hidden: a.cfg.Hidden,
	}
	for _, p := range a.params() {
		rows, cols := p.Value.Dims()
		snap.Tensors = append(snap.Tensors, checkpoint.Tensor{
			Name: p.Name,
			Rows: rows,
			Cols: cols,
			Data: append([]float64(nil), p.Data()...),
		})
	}
	return snap
}

// Restore loads parameter values from snap. Nothing is modified unless
// every tensor is present and has the expected shape.
func (a *Agent) Restore(snap checkpoint.Snapshot) error {
	if snap.ObsDim != a.cfg.ObsDim || snap.ActDim != a.cfg.ActDim || snap.Hidden != a.cfg.Hidden {
		return fmt.Errorf("%w: snapshot obs=%d act=%d hidden=%d, agent obs=%d act=%d hidden=%d",
			ErrShapeMismatch, snap.ObsDim, snap.ActDim, snap.Hidden, a.cfg.ObsDim, a.cfg.ActDim, a.cfg.Hidden)
	}

	params := a.params()
	tensors := make([]checkpoint.Tensor, len(params))
	for i, p := range params {
		t, ok := snap.Tensor(p.Name)
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrShapeMismatch, p.Name)
		}
		rows, cols := p.Value.Dims()
		if t.Rows != rows || t.Cols != cols || len(t.Data) != rows*cols {
			return fmt.Errorf("%w: tensor %q is %dx%d, want %dx%d", ErrShapeMismatch, p.Name, t.Rows, t.Cols, rows, cols)
		}
		tensors[i] = t
	}
	for i, p := range params {
		copy(p.Data(), tensors[i].Data)
	}
	return nil
}

// FromSnapshot builds an agent shaped like snap, using cfg for everything
// else, and loads the snapshot into it.
func FromSnapshot(snap checkpoint.Snapshot, cfg Config) (*Agent, error) {
	cfg.ObsDim, cfg.ActDim, cfg.Hidden = snap.ObsDim, snap.ActDim, snap.Hidden
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Restore(snap); err != nil {
		return nil, err
	}
	return a, nil
}

// Resume rebuilds an agent from the latest checkpoint of runID and returns
// it with the episode that checkpoint was taken at. The hidden width comes
// from the checkpoint; the observation and action widths must match cfg,
// which describes the environment. Without a checkpoint a fresh agent is
// returned at episode zero.
func Resume(ctx context.Context, store checkpoint.Store, runID string, cfg Config) (*Agent, int, error) {
	rec, err := store.Latest(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		a, err := New(cfg)
		if err != nil {
			return nil, 0, err
		}
		return a, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}

	snap, err := rec.Snapshot()
	if err != nil {
		return nil, 0, fmt.Errorf("checkpoint %s: %w", rec.ID, err)
	}
	if snap.ObsDim != cfg.ObsDim || snap.ActDim != cfg.ActDim {
		return nil, 0, fmt.Errorf("%w: checkpoint %s has obs=%d act=%d, environment needs obs=%d act=%d",
			ErrShapeMismatch, rec.ID, snap.ObsDim, snap.ActDim, cfg.ObsDim, cfg.ActDim)
	}
	a, err := FromSnapshot(snap, cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to restore checkpoint %s: %w", rec.ID, err)
	}
	return a, rec.Episode, nil
}

// ParamCount returns the number of trainable scalars in the actor and critic.
func (a *Agent) ParamCount() int { return nn.Count(a.params()) }

func (a *Agent) params() []*nn.Param {
	return append(append([]*nn.Param(nil), a.policy.Params()...), a.value.Params()...)
}
