package provider

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/perlica/perlica/internal/config"
)

// ComputeBackoff returns the delay before the given retry attempt (1-based):
// initial_ms * factor^(attempt-1) plus jitter, clamped to max_ms.
func ComputeBackoff(policy config.BackoffConfig, attempt int) time.Duration {
	return computeBackoffWithRand(policy, attempt, rand.Float64())
}

func computeBackoffWithRand(policy config.BackoffConfig, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.InitialMS) * math.Pow(policy.Factor, exp)
	jitter := base * policy.Jitter * random
	total := math.Min(float64(policy.MaxMS), base+jitter)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// sleepBackoff waits out the delay unless the context ends first.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
