package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perlica/perlica/internal/config"
)

func TestComputeBackoffGrowsExponentially(t *testing.T) {
	policy := config.BackoffConfig{InitialMS: 500, MaxMS: 10_000, Factor: 2, Jitter: 0.1}

	assert.Equal(t, 500*time.Millisecond, computeBackoffWithRand(policy, 1, 0))
	assert.Equal(t, 1000*time.Millisecond, computeBackoffWithRand(policy, 2, 0))
	assert.Equal(t, 2000*time.Millisecond, computeBackoffWithRand(policy, 3, 0))
	assert.Equal(t, 4000*time.Millisecond, computeBackoffWithRand(policy, 4, 0))
}

func TestComputeBackoffClampsToMax(t *testing.T) {
	policy := config.BackoffConfig{InitialMS: 500, MaxMS: 3_000, Factor: 2, Jitter: 0.1}
	assert.Equal(t, 3000*time.Millisecond, computeBackoffWithRand(policy, 10, 0))
}

func TestComputeBackoffAppliesJitter(t *testing.T) {
	policy := config.BackoffConfig{InitialMS: 1000, MaxMS: 60_000, Factor: 2, Jitter: 0.5}

	// Full jitter at random=1.0 adds jitter*base on top.
	assert.Equal(t, 1500*time.Millisecond, computeBackoffWithRand(policy, 1, 1.0))
	// No jitter at random=0.
	assert.Equal(t, 1000*time.Millisecond, computeBackoffWithRand(policy, 1, 0))
}

func TestSleepBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepBackoff(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
