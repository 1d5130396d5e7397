package evo

import (
	"fmt"
	"math/rand"
	"sort"

	"hwevolve/internal/fixed"
)

// Crossover recombines two equal-length parameter vectors. cuts lists the
// segment boundaries used, or nil when the operator is not segment based.
type Crossover interface {
	Name() string
	Cross(rng *rand.Rand, a, b []fixed.Q) (child []fixed.Q, cuts []int, err error)
}

// KPointCrossover cuts the parameter vector at Points distinct positions and
// alternates parents between cuts, starting with the first parent.
type KPointCrossover struct {
	Points int
}

func (c KPointCrossover) Name() string {
	return fmt.Sprintf("kpoint(%d)", c.Points)
}

func (c KPointCrossover) Cross(rng *rand.Rand, a, b []fixed.Q) ([]fixed.Q, []int, error) {
	if len(a) != len(b) {
		return nil, nil, fmt.Errorf("parent length mismatch: %d vs %d", len(a), len(b))
	}
	if c.Points < 0 || (c.Points > 0 && c.Points >= len(a)) {
		return nil, nil, fmt.Errorf("crossover arity %d invalid for %d params", c.Points, len(a))
	}
	if c.Points == 0 {
		return append([]fixed.Q(nil), a...), nil, nil
	}

	// Cut positions are drawn from 1..len-1 without replacement.
	positions := rng.Perm(len(a) - 1)[:c.Points]
	cuts := make([]int, c.Points)
	for i, p := range positions {
		cuts[i] = p + 1
	}
	sort.Ints(cuts)
	return ApplyCuts(a, b, cuts), cuts, nil
}

// ApplyCuts rebuilds a k-point child from its parents and sorted cut points.
func ApplyCuts(a, b []fixed.Q, cuts []int) []fixed.Q {
	child := make([]fixed.Q, len(a))
	fromB, next := false, 0
	for i := range child {
		for next < len(cuts) && cuts[next] == i {
			fromB = !fromB
			next++
		}
		if fromB {
			child[i] = b[i]
		} else {
			child[i] = a[i]
		}
	}
	return child
}

// UniformCrossover takes each parameter from either parent with equal
// probability.
type UniformCrossover struct{}

func (UniformCrossover) Name() string {
	return "uniform"
}

func (UniformCrossover) Cross(rng *rand.Rand, a, b []fixed.Q) ([]fixed.Q, []int, error) {
	if len(a) != len(b) {
		return nil, nil, fmt.Errorf("parent length mismatch: %d vs %d", len(a), len(b))
	}
	child := make([]fixed.Q, len(a))
	for i := range child {
		if rng.Intn(2) == 0 {
			child[i] = a[i]
		} else {
			child[i] = b[i]
		}
	}
	return child, nil, nil
}
