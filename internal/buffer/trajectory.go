// Package buffer stores the on-policy transitions collected between two
// PPO updates.
package buffer

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmpty is returned when a batch is requested from an empty buffer.
	ErrEmpty = errors.New("trajectory buffer is empty")
	// ErrRagged indicates transitions with inconsistent state or action widths.
	ErrRagged = errors.New("trajectory buffer holds transitions of different widths")
)

// Transition is a single environment step as seen by the learner.
type Transition struct {
	State   []float64
	Action  []float64 // in [0,1]^d
	LogProb float64   // log-density of Action under the policy that produced it
	Value   float64   // critic estimate at collection time
	Reward  float64
	Done    bool
}

// Batch is the batch-first view of every stored transition, in collection order.
type Batch struct {
	States   *mat.Dense // T×obs
	Actions  *mat.Dense // T×act
	LogProbs []float64
	Values   []float64
	Rewards  []float64
	Dones    []bool
}

// Len returns the number of transitions in the batch.
func (b *Batch) Len() int { return len(b.Rewards) }

// Trajectory is an append-only, ordered transition store. Append order is
// the temporal order GAE walks backwards over, so it is never reordered.
//
// A Trajectory is owned by a single agent and is not safe for concurrent use.
type Trajectory struct {
	states   [][]float64
	actions  [][]float64
	logProbs []float64
	values   []float64
	rewards  []float64
	dones    []bool
}

// New creates an empty trajectory with room for capacity transitions.
func New(capacity int) *Trajectory {
	if capacity < 0 {
		capacity = 0
	}
	return &Trajectory{
		states:   make([][]float64, 0, capacity),
		actions:  make([][]float64, 0, capacity),
		logProbs: make([]float64, 0, capacity),
		values:   make([]float64, 0, capacity),
		rewards:  make([]float64, 0, capacity),
		dones:    make([]bool, 0, capacity),
	}
}

// Append stores a copy of t. Later changes to the caller's slices do not
// affect the stored record.
func (b *Trajectory) Append(t Transition) {
	b.states = append(b.states, append([]float64(nil), t.State...))
	b.actions = append(b.actions, append([]float64(nil), t.Action...))
	b.logProbs = append(b.logProbs, t.LogProb)
	b.values = append(b.values, t.Value)
	b.rewards = append(b.rewards, t.Reward)
	b.dones = append(b.dones, t.Done)
}

// Len returns the number of stored transitions.
func (b *Trajectory) Len() int { return len(b.rewards) }

// LastState returns the most recently stored state.
func (b *Trajectory) LastState() ([]float64, bool) {
	if len(b.states) == 0 {
		return nil, false
	}
	return b.states[len(b.states)-1], true
}

// ExtractAll stacks every stored transition into a Batch without removing
// them from the buffer.
func (b *Trajectory) ExtractAll() (*Batch, error) {
	n := b.Len()
	if n == 0 {
		return nil, ErrEmpty
	}
	obsDim, actDim := len(b.states[0]), len(b.actions[0])
	if obsDim == 0 || actDim == 0 {
		return nil, fmt.Errorf("%w: zero-width state or action", ErrRagged)
	}

	states := mat.NewDense(n, obsDim, nil)
	actions := mat.NewDense(n, actDim, nil)
	for i := 0; i < n; i++ {
		if len(b.states[i]) != obsDim || len(b.actions[i]) != actDim {
			return nil, fmt.Errorf("%w: transition %d has state %d/action %d, want %d/%d",
				ErrRagged, i, len(b.states[i]), len(b.actions[i]), obsDim, actDim)
		}
		states.SetRow(i, b.states[i])
		actions.SetRow(i, b.actions[i])
	}

	return &Batch{
		States:   states,
		Actions:  actions,
		LogProbs: append([]float64(nil), b.logProbs...),
		Values:   append([]float64(nil), b.values...),
		Rewards:  append([]float64(nil), b.rewards...),
		Dones:    append([]bool(nil), b.dones...),
	}, nil
}

// Clear drops every stored transition.
func (b *Trajectory) Clear() {
	b.states = b.states[:0]
	b.actions = b.actions[:0]
	b.logProbs = b.logProbs[:0]
	b.values = b.values[:0]
	b.rewards = b.rewards[:0]
	b.dones = b.dones[:0]
}
