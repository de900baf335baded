// Package inference answers stateless width-allocation queries for a single
// request on a candidate path.
package inference

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidRequest marks a request that cannot be allocated for.
var ErrInvalidRequest = errors.New("invalid request")

// Request describes one source-destination demand and the path it would use.
type Request struct {
	SD                 map[string]any `json:"sd"`
	Demand             int            `json:"demand"`
	Path               []int          `json:"path"`
	PathWidthCandidate int            `json:"path_width_candidate"`
	PerEdgeFreeLinks   []int          `json:"per_edge_free_links"`
	SrcRemaining       int            `json:"src_remaining_qubits"`
	DstRemaining       int            `json:"dst_remaining_qubits"`
	Priority           int            `json:"priority,omitempty"`
	WaitTime           int            `json:"wait_time,omitempty"`
	GlobalLoad         float64        `json:"global_load,omitempty"`
	RecentSuccessRate  float64        `json:"recent_success_rate,omitempty"`
}

// Validate ensures the request respects schema invariants.
func (r Request) Validate() error {
	if r.Demand < 0 {
		return fmt.Errorf("%w: demand must be non-negative", ErrInvalidRequest)
	}
	if r.PathWidthCandidate < 0 {
		return fmt.Errorf("%w: path_width_candidate must be non-negative", ErrInvalidRequest)
	}
	for i, free := range r.PerEdgeFreeLinks {
		if free < 0 {
			return fmt.Errorf("%w: per_edge_free_links[%d] is negative", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Response carries the granted width.
type Response struct {
	W int `json:"w"`
}

// Feature indices into the vector returned by Featurize.
const (
	FeatDemand = iota
	FeatWidthCandidate
	FeatPathLen
	FeatMinEdgeFree
	FeatMeanEdgeFree
	FeatSrcRemaining
	FeatDstRemaining
	FeatPriority
	FeatWaitTime
	FeatGlobalLoad
	FeatRecentSuccess

	NumFeatures
)

// Featurize flattens a request into a fixed-width feature vector. Edge
// statistics are zero for a request without edges.
func Featurize(r Request) []float64 {
	x := make([]float64, NumFeatures)
	x[FeatDemand] = float64(r.Demand)
	x[FeatWidthCandidate] = float64(r.PathWidthCandidate)
	x[FeatPathLen] = float64(len(r.Path))
	if n := len(r.PerEdgeFreeLinks); n > 0 {
		free := make([]float64, n)
		for i, v := range r.PerEdgeFreeLinks {
			free[i] = float64(v)
		}
		x[FeatMinEdgeFree] = floats.Min(free)
		x[FeatMeanEdgeFree] = floats.Sum(free) / float64(n)
	}
	x[FeatSrcRemaining] = float64(r.SrcRemaining)
	x[FeatDstRemaining] = float64(r.DstRemaining)
	x[FeatPriority] = float64(r.Priority)
	x[FeatWaitTime] = float64(r.WaitTime)
	x[FeatGlobalLoad] = r.GlobalLoad
	x[FeatRecentSuccess] = r.RecentSuccessRate
	return x
}

// Allocator decides the width granted to a request.
type Allocator interface {
	Allocate(ctx context.Context, req Request) (int, error)
}

// RuleAllocator grants min(demand, candidate width, tightest edge), never
// less than zero.
type RuleAllocator struct{}

// Allocate implements Allocator.
func (RuleAllocator) Allocate(_ context.Context, req Request) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	x := Featurize(req)
	w := min(int(x[FeatDemand]), int(x[FeatWidthCandidate]), int(x[FeatMinEdgeFree]))
	return max(0, w), nil
}
