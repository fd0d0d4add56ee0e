package relaypool

import (
	"math/rand"

	"github.com/Kirky-X/xRelay/relay"
)

// weightedSampleWithoutReplacement draws up to k relays from the working
// list, each draw proportional to weight over the remaining items. A pool
// with zero total weight (entirely fresh records) falls back to uniform
// selection. Requesting more than the list holds returns a shuffled copy
// of everything.
//
// Both stores share this; the durable variant fetches all rows first,
// which is fine at pool sizes in the tens.
func weightedSampleWithoutReplacement(rng *rand.Rand, relays []relay.Relay, k int) []relay.Relay {
	if k <= 0 || len(relays) == 0 {
		return nil
	}

	working := make([]relay.Relay, len(relays))
	copy(working, relays)

	if k > len(working) {
		k = len(working)
	}

	total := 0.0
	for _, r := range working {
		total += r.Weight()
	}

	if total == 0 {
		rng.Shuffle(len(working), func(i, j int) {
			working[i], working[j] = working[j], working[i]
		})
		return working[:k]
	}

	selected := make([]relay.Relay, 0, k)
	for len(selected) < k {
		u := rng.Float64() * total
		sum := 0.0
		idx := len(working) - 1 // float drift lands on the last item
		for i, r := range working {
			sum += r.Weight()
			if sum > u {
				idx = i
				break
			}
		}

		picked := working[idx]
		selected = append(selected, picked)
		total -= picked.Weight()
		working = append(working[:idx], working[idx+1:]...)

		// Remaining items may all carry zero weight; finish uniformly.
		if total <= 0 && len(selected) < k {
			rng.Shuffle(len(working), func(i, j int) {
				working[i], working[j] = working[j], working[i]
			})
			selected = append(selected, working[:k-len(selected)]...)
			break
		}
	}

	return selected
}
