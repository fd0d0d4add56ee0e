package relaypool

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kirky-X/xRelay/relay"
)

func TestWeightedSampleBiasTowardsHighWeight(t *testing.T) {
	// Two relays with a 0.9 / 0.1 weight split; first-draw frequency
	// should approximate the ratio.
	relays := []relay.Relay{
		{Address: "strong", Port: 1, SuccessCount: 9, FailureCount: 0}, // weight 0.9
		{Address: "weak", Port: 2, SuccessCount: 1, FailureCount: 8},   // weight 0.1
	}

	rng := rand.New(rand.NewSource(42))
	strongFirst := 0
	const draws = 10000
	for i := 0; i < draws; i++ {
		sampled := weightedSampleWithoutReplacement(rng, relays, 1)
		require.Len(t, sampled, 1)
		if sampled[0].Address == "strong" {
			strongFirst++
		}
	}

	ratio := float64(strongFirst) / float64(draws)
	assert.InDelta(t, 0.9, ratio, 0.02)
}

func TestWeightedSampleWithoutReplacementDistinct(t *testing.T) {
	relays := []relay.Relay{
		{Address: "a", Port: 1, SuccessCount: 5},
		{Address: "b", Port: 2, SuccessCount: 3},
		{Address: "c", Port: 3, SuccessCount: 1},
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		sampled := weightedSampleWithoutReplacement(rng, relays, 3)
		require.Len(t, sampled, 3)

		seen := make(map[string]struct{})
		for _, r := range sampled {
			_, dup := seen[r.HostPort()]
			assert.False(t, dup, "sample must not repeat %s", r.HostPort())
			seen[r.HostPort()] = struct{}{}
		}
	}
}

func TestWeightedSampleZeroWeightUniformFallback(t *testing.T) {
	// All-fresh pool has zero total weight; sampling must still return
	// the requested count.
	relays := []relay.Relay{
		{Address: "a", Port: 1},
		{Address: "b", Port: 2},
		{Address: "c", Port: 3},
	}

	rng := rand.New(rand.NewSource(3))
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		sampled := weightedSampleWithoutReplacement(rng, relays, 1)
		require.Len(t, sampled, 1)
		counts[sampled[0].Address]++
	}

	// Roughly uniform: each relay drawn about a third of the time.
	for addr, n := range counts {
		assert.InDelta(t, 1000, n, 150, "address %s drawn %d times", addr, n)
	}
}

func TestWeightedSampleMixedZeroAndPositiveWeights(t *testing.T) {
	relays := []relay.Relay{
		{Address: "weighted", Port: 1, SuccessCount: 4},
		{Address: "fresh1", Port: 2},
		{Address: "fresh2", Port: 3},
	}

	rng := rand.New(rand.NewSource(11))
	sampled := weightedSampleWithoutReplacement(rng, relays, 3)
	require.Len(t, sampled, 3)
}

func TestWeightedSampleRequestExceedsPool(t *testing.T) {
	relays := []relay.Relay{
		{Address: "a", Port: 1, SuccessCount: 1},
	}
	rng := rand.New(rand.NewSource(1))
	sampled := weightedSampleWithoutReplacement(rng, relays, 10)
	assert.Len(t, sampled, 1)
}

func TestWeightedSampleEmptyPool(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Nil(t, weightedSampleWithoutReplacement(rng, nil, 3))
}
