// Package policy provides action selection strategies for the learner
package policy

// Policy interface for action selection
type Policy interface {
	// SelectAction chooses an allocation in [0,1]^d for the observation
	SelectAction(observation []float64) ([]float64, error)
}
