// Package fitness turns game outcomes into totally ordered fitness values.
package fitness

import (
	"fmt"
	"math"

	"hwevolve/internal/model"
)

const (
	// MinFitness is reserved for genomes whose evaluation failed. Scored
	// outcomes never reach it.
	MinFitness model.Fitness = math.MinInt64
	MaxFitness model.Fitness = math.MaxInt64

	floorFitness = MinFitness + 1
)

// Scorer maps an outcome to a fitness. Implementations must be pure.
type Scorer interface {
	Score(outcome model.Outcome) model.Fitness
}

// Policy is the linear scoring rule. With non-negative weights the score is
// monotonic in points and steps.
//
// Two branches are deliberate exceptions to the linear rule: a timeout
// subtracts TimeoutPenalty, and a failed outcome scores MinFitness.
type Policy struct {
	PointWeight    int64 `json:"point_weight"`
	StepWeight     int64 `json:"step_weight"`
	WinBonus       int64 `json:"win_bonus"`
	TimeoutPenalty int64 `json:"timeout_penalty"`
}

func DefaultPolicy() Policy {
	return Policy{
		PointWeight: 1000,
		StepWeight:  1,
		WinBonus:    10000,
	}
}

func (p Policy) Validate() error {
	if p.PointWeight < 0 || p.StepWeight < 0 || p.WinBonus < 0 || p.TimeoutPenalty < 0 {
		return fmt.Errorf("fitness weights must be >= 0: %+v", p)
	}
	return nil
}

func (p Policy) Score(outcome model.Outcome) model.Fitness {
	if outcome.Cause == model.CauseFailed {
		return MinFitness
	}
	total := satMul(int64(outcome.Score), p.PointWeight)
	total = satAdd(total, satMul(int64(outcome.Steps), p.StepWeight))
	switch outcome.Cause {
	case model.CauseWin:
		total = satAdd(total, p.WinBonus)
	case model.CauseTimeout:
		total = satAdd(total, -p.TimeoutPenalty)
	}
	return clampScored(total)
}

// Aggregate sums per-episode fitness with saturation. A single failed
// episode fails the whole evaluation.
func Aggregate(values ...model.Fitness) model.Fitness {
	if len(values) == 0 {
		return MinFitness
	}
	var total int64
	for _, v := range values {
		if v == MinFitness {
			return MinFitness
		}
		total = satAdd(total, int64(v))
	}
	return clampScored(total)
}

// ScoreEpisodes scores each outcome and aggregates the result.
func ScoreEpisodes(s Scorer, outcomes []model.Outcome) model.Fitness {
	values := make([]model.Fitness, len(outcomes))
	for i, outcome := range outcomes {
		values[i] = s.Score(outcome)
	}
	return Aggregate(values...)
}

func clampScored(v int64) model.Fitness {
	if model.Fitness(v) < floorFitness {
		return floorFitness
	}
	return model.Fitness(v)
}

func satAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && sum >= 0 {
		return math.MinInt64
	}
	return sum
}

func satMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	product := a * b
	overflow := product/b != a ||
		(a == -1 && b == math.MinInt64) ||
		(b == -1 && a == math.MinInt64)
	if !overflow {
		return product
	}
	if (a < 0) != (b < 0) {
		return math.MinInt64
	}
	return math.MaxInt64
}
