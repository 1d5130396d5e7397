package evo

import (
	"fmt"
	"math/rand"
	"sort"

	"hwevolve/internal/model"
)

// ScoredGenome pairs a genome with its evaluation for one generation.
type ScoredGenome struct {
	Genome  model.Genome
	Fitness model.Fitness
	// PriorBestFitness and RefFitness split Fitness by rival group in
	// two-player games.
	PriorBestFitness model.Fitness
	RefFitness       model.Fitness
	Episodes         []model.Outcome
	Failure          *model.EvaluationFailure
}

func (s ScoredGenome) Record() model.FitnessRecord {
	rec := model.FitnessRecord{
		GenomeID:         s.Genome.ID,
		Fitness:          s.Fitness,
		PriorBestFitness: s.PriorBestFitness,
		RefFitness:       s.RefFitness,
		Episodes:         append([]model.Outcome(nil), s.Episodes...),
	}
	if s.Failure != nil {
		rec.Failure = s.Failure.Kind + ": " + s.Failure.Message
	}
	return rec
}

// Fitter reports whether a ranks ahead of b: higher fitness first, then the
// lower genome id.
func Fitter(a, b ScoredGenome) bool {
	if a.Fitness != b.Fitness {
		return a.Fitness > b.Fitness
	}
	return a.Genome.ID < b.Genome.ID
}

// Rank returns a copy of scored ordered best first.
func Rank(scored []ScoredGenome) []ScoredGenome {
	ranked := append([]ScoredGenome(nil), scored...)
	sort.SliceStable(ranked, func(i, j int) bool { return Fitter(ranked[i], ranked[j]) })
	return ranked
}

// EmptyPopulationError reports selection preconditions that cannot be met.
type EmptyPopulationError struct {
	PopulationSize int
	SampleSize     int
}

func (e *EmptyPopulationError) Error() string {
	return fmt.Sprintf("cannot select %d from population of %d", e.SampleSize, e.PopulationSize)
}

// Selector chooses one parent from a scored population.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, pool []ScoredGenome) (ScoredGenome, error)
}

// TournamentSelector samples Size distinct genomes without replacement and
// returns the fittest, breaking ties by lowest genome id.
type TournamentSelector struct {
	Size int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, pool []ScoredGenome) (ScoredGenome, error) {
	if rng == nil {
		return ScoredGenome{}, fmt.Errorf("random source is required")
	}
	n, k := len(pool), s.Size
	if n == 0 || k <= 0 || k > n {
		return ScoredGenome{}, &EmptyPopulationError{PopulationSize: n, SampleSize: k}
	}

	// Partial Fisher-Yates over indices: the first k slots end up holding a
	// uniform sample without replacement.
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var best ScoredGenome
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		idx[i], idx[j] = idx[j], idx[i]
		candidate := pool[idx[i]]
		if i == 0 || Fitter(candidate, best) {
			best = candidate
		}
	}
	return best, nil
}

// EliteSelector picks uniformly from the Count fittest genomes.
type EliteSelector struct {
	Count int
}

func (EliteSelector) Name() string {
	return "elite"
}

func (s EliteSelector) PickParent(rng *rand.Rand, pool []ScoredGenome) (ScoredGenome, error) {
	if rng == nil {
		return ScoredGenome{}, fmt.Errorf("random source is required")
	}
	if len(pool) == 0 || s.Count <= 0 {
		return ScoredGenome{}, &EmptyPopulationError{PopulationSize: len(pool), SampleSize: s.Count}
	}
	count := s.Count
	if count > len(pool) {
		count = len(pool)
	}
	ranked := Rank(pool)
	return ranked[rng.Intn(count)], nil
}
