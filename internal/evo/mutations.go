package evo

import (
	"fmt"
	"math/rand"

	"hwevolve/internal/fixed"
	"hwevolve/internal/genome"
)

// Mutation perturbs each parameter independently with probability Rate by a
// uniform raw delta in [-Magnitude, Magnitude]. Results saturate and are
// then clamped to Limits. A Magnitude below one raw step is treated as one.
type Mutation struct {
	Rate      float64
	Magnitude fixed.Q
	// Taper scales the rate of each child by a uniform draw in [0, 1), so a
	// generation mixes near-copies with heavily mutated children.
	Taper  bool
	Limits genome.Limits
}

func (m Mutation) Validate() error {
	if m.Rate < 0 || m.Rate > 1 {
		return fmt.Errorf("mutation rate must be in [0, 1], got %g", m.Rate)
	}
	if m.Magnitude < 0 {
		return fmt.Errorf("mutation magnitude must be >= 0, got %s", m.Magnitude)
	}
	return nil
}

// Apply mutates params in place and returns how many parameters changed.
// biasMask marks bias slots, see genome.BiasMask.
func (m Mutation) Apply(rng *rand.Rand, params []fixed.Q, biasMask []bool) int {
	rate := m.Rate
	if m.Taper {
		rate *= rng.Float64()
	}
	if rate <= 0 {
		return 0
	}
	mag := int(m.Magnitude)
	if mag < 1 {
		mag = 1
	}
	changed := 0
	for i, p := range params {
		if rng.Float64() >= rate {
			continue
		}
		delta := rng.Intn(2*mag+1) - mag
		bias := i < len(biasMask) && biasMask[i]
		next := m.Limits.Clamp(fixed.Saturate(int64(p)+int64(delta)), bias)
		if next != p {
			changed++
		}
		params[i] = next
	}
	return changed
}
