package trainer

import (
	"context"
	"fmt"

	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/policy"
)

// Evaluate rolls p out for the given number of episodes without learning
// and returns the mean episode reward.
func Evaluate(ctx context.Context, e env.Environment, p policy.Policy, episodes, maxSteps int) (float64, error) {
	if episodes <= 0 || maxSteps <= 0 {
		return 0, fmt.Errorf("episodes and max steps must be positive")
	}

	var total float64
	for ep := 0; ep < episodes; ep++ {
		state := e.Reset()
		for step := 0; step < maxSteps; step++ {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			action, err := p.SelectAction(state)
			if err != nil {
				return 0, fmt.Errorf("failed to select action: %w", err)
			}
			res, err := e.Step(action)
			if err != nil {
				return 0, fmt.Errorf("failed to step environment: %w", err)
			}
			total += res.Reward
			if res.Done {
				break
			}
			state = res.Next
		}
	}
	return total / float64(episodes), nil
}
