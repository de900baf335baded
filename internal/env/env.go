// Package env defines the environment contract the trainer drives and a
// small allocation environment to train against.
package env

import (
	"errors"
	"fmt"
)

// ErrNoActionDim is returned when an environment does not expose a usable
// action dimensionality.
var ErrNoActionDim = errors.New("environment does not expose an action dimension")

// StepResult is the outcome of one environment step. Info is diagnostic
// context the learner never inspects.
type StepResult struct {
	Next   []float64
	Reward float64
	Done   bool
	Info   map[string]any
}

// Environment is a reset/step decision simulator with actions in [0,1]^d.
type Environment interface {
	Reset() []float64
	Step(action []float64) (StepResult, error)
}

// ActionSpace is implemented by environments that know their action width.
type ActionSpace interface {
	ActionDim() int
}

// ActionDim discovers the action width of e.
func ActionDim(e Environment) (int, error) {
	space, ok := e.(ActionSpace)
	if !ok {
		return 0, fmt.Errorf("%w: %T does not implement ActionDim", ErrNoActionDim, e)
	}
	if d := space.ActionDim(); d > 0 {
		return d, nil
	}
	return 0, fmt.Errorf("%w: %T reports %d", ErrNoActionDim, e, space.ActionDim())
}
