package env

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// AllocConfig parameterises Alloc.
type AllocConfig struct {
	Requests     int     `mapstructure:"requests"`
	CapMax       int     `mapstructure:"cap_max"`
	Horizon      int     `mapstructure:"horizon"`
	Seed         int64   `mapstructure:"seed"`
	UnfairLambda float64 `mapstructure:"unfair_lambda"`
	// ARRho enables AR(1) capacity drift between steps when set.
	ARRho *float64 `mapstructure:"ar_rho"`
	// VaryPerStep redraws capacities uniformly every step. Ignored when
	// ARRho is set.
	VaryPerStep bool `mapstructure:"vary_per_step"`
}

// DefaultAllocConfig mirrors the setup the learner is usually trained on.
func DefaultAllocConfig() AllocConfig {
	rho := 0.9
	return AllocConfig{
		Requests:     8,
		CapMax:       5,
		Horizon:      64,
		Seed:         42,
		UnfairLambda: 0.2,
		ARRho:        &rho,
	}
}

// Validate checks if the configuration is valid
func (c AllocConfig) Validate() error {
	if c.Requests <= 0 {
		return fmt.Errorf("requests must be positive")
	}
	if c.CapMax <= 0 {
		return fmt.Errorf("cap_max must be positive")
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be positive")
	}
	if c.UnfairLambda < 0 {
		return fmt.Errorf("unfair_lambda must be non-negative")
	}
	if c.ARRho != nil && (*c.ARRho < 0 || *c.ARRho > 1) {
		return fmt.Errorf("ar_rho must be within [0,1]")
	}
	return nil
}

// Alloc splits integer capacity among n competing requests. An action
// a in [0,1]^n grants floor(a_i·cap_i) units to request i, and the reward
// trades utilisation against the spread of the granted shares:
//
//	reward = Σalloc/Σcap − λ·std(alloc/Σalloc)
//
// Observations are the capacities scaled by CapMax followed by the total
// capacity scaled by n·CapMax.
type Alloc struct {
	cfg  AllocConfig
	rng  *rand.Rand
	t    int
	caps []int
}

// NewAlloc creates the environment and draws the first capacities.
func NewAlloc(cfg AllocConfig) (*Alloc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alloc env config: %w", err)
	}
	e := &Alloc{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		caps: make([]int, cfg.Requests),
	}
	e.drawCaps()
	return e, nil
}

// ActionDim implements ActionSpace.
func (e *Alloc) ActionDim() int { return e.cfg.Requests }

// ObservationDim is the width of every observation.
func (e *Alloc) ObservationDim() int { return e.cfg.Requests + 1 }

// Reset starts a new episode with fresh capacities.
func (e *Alloc) Reset() []float64 {
	e.t = 0
	e.drawCaps()
	return e.observe()
}

// Step applies one allocation.
func (e *Alloc) Step(action []float64) (StepResult, error) {
	if len(action) != e.cfg.Requests {
		return StepResult{}, fmt.Errorf("action has %d entries, want %d", len(action), e.cfg.Requests)
	}

	alloc := make([]int, len(action))
	var capSum, allocSum int
	for i, a := range action {
		a = math.Max(0, math.Min(1, a))
		alloc[i] = int(math.Floor(a * float64(e.caps[i])))
		capSum += e.caps[i]
		allocSum += alloc[i]
	}

	var util, unfair float64
	if capSum > 0 {
		util = float64(allocSum) / float64(capSum)
	}
	if allocSum > 0 {
		shares := make([]float64, len(alloc))
		for i, v := range alloc {
			shares[i] = float64(v) / float64(allocSum)
		}
		unfair = stat.PopStdDev(shares, nil)
	}
	reward := util - e.cfg.UnfairLambda*unfair

	e.t++
	done := e.t >= e.cfg.Horizon
	if !done {
		e.evolveCaps()
	}

	return StepResult{
		Next:   e.observe(),
		Reward: reward,
		Done:   done,
		Info: map[string]any{
			"caps":   append([]int(nil), e.caps...),
			"alloc":  alloc,
			"util":   util,
			"unfair": unfair,
		},
	}, nil
}

func (e *Alloc) drawCaps() {
	for i := range e.caps {
		e.caps[i] = e.rng.Intn(e.cfg.CapMax + 1)
	}
}

// evolveCaps moves capacities toward CapMax/2 with unit Gaussian noise when
// ARRho is set, otherwise optionally redraws them.
func (e *Alloc) evolveCaps() {
	if e.cfg.ARRho == nil {
		if e.cfg.VaryPerStep {
			e.drawCaps()
		}
		return
	}
	rho := *e.cfg.ARRho
	mid := float64(e.cfg.CapMax) / 2
	for i, c := range e.caps {
		next := rho*float64(c) + (1-rho)*mid + e.rng.NormFloat64()
		next = math.Max(0, math.Min(float64(e.cfg.CapMax), math.RoundToEven(next)))
		e.caps[i] = int(next)
	}
}

func (e *Alloc) observe() []float64 {
	obs := make([]float64, e.cfg.Requests+1)
	for i, c := range e.caps {
		obs[i] = float64(c) / float64(e.cfg.CapMax)
	}
	obs[e.cfg.Requests] = floats.Sum(obs[:e.cfg.Requests]) / float64(e.cfg.Requests)
	return obs
}
