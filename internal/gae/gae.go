// Package gae computes Generalized Advantage Estimates and the bootstrapped
// returns used as value targets.
package gae

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Compute runs the backward GAE recursion over one contiguous trajectory.
//
// values must hold len(rewards)+1 entries; the last one is the bootstrap
// value of the state following the final transition. A done flag at t stops
// both the bootstrap term and the trace from leaking across the episode
// boundary.
func Compute(rewards, values []float64, dones []bool, gamma, lambda float64) (advantages, returns []float64, err error) {
	n := len(rewards)
	if len(dones) != n {
		return nil, nil, fmt.Errorf("gae: %d rewards but %d done flags", n, len(dones))
	}
	if len(values) != n+1 {
		return nil, nil, fmt.Errorf("gae: need %d values (T+1), got %d", n+1, len(values))
	}

	advantages = make([]float64, n)
	returns = make([]float64, n)
	var running float64
	for t := n - 1; t >= 0; t-- {
		mask := 1.0
		if dones[t] {
			mask = 0
		}
		delta := rewards[t] + gamma*values[t+1]*mask - values[t]
		running = delta + gamma*lambda*mask*running
		advantages[t] = running
	}
	for t := range advantages {
		returns[t] = advantages[t] + values[t]
	}
	return advantages, returns, nil
}

// Normalize rescales x in place to zero mean and unit sample standard
// deviation, dividing by (std + eps). A single element has std 0.
func Normalize(x []float64, eps float64) {
	if len(x) == 0 {
		return
	}
	var mean, std float64
	if len(x) == 1 {
		mean = x[0]
	} else {
		mean, std = stat.MeanStdDev(x, nil)
	}
	if math.IsNaN(std) {
		std = 0
	}
	for i := range x {
		x[i] = (x[i] - mean) / (std + eps)
	}
}
