package selftest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/tether/internal/logging"
)

func TestPermutationWalk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkipChurn = true

	res, err := Run(logging.NewNop(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Passed, "failures: %v", res.Failures)
	// 5 sizes: every alloc order times every free order.
	assert.Equal(t, 120*120, res.Permutations)
	assert.Empty(t, res.Failures)
}

func TestConcurrentChurn(t *testing.T) {
	cfg := Config{
		PageSize:    4096,
		Pages:       16,
		Workers:     8,
		Ops:         500,
		Seed:        42,
		MaxFailures: 10,
	}
	// Skip the slow permutation walk by running churn directly.
	res := &Result{Passed: true}
	require.NoError(t, runChurn(cfg, res))
	assert.Empty(t, res.Failures)
	assert.Equal(t, 8*500, res.ChurnOps)
}

func TestPermutationsHelper(t *testing.T) {
	perms := permutations(3)
	require.Len(t, perms, 6)
	seen := make(map[string]bool)
	for _, p := range perms {
		require.Len(t, p, 3)
		key := ""
		for _, v := range p {
			key += string(rune('0' + v))
		}
		assert.False(t, seen[key], "duplicate permutation %s", key)
		seen[key] = true
	}
}
