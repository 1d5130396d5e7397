package evo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"

	"hwevolve/internal/fitness"
	"hwevolve/internal/fixed"
	"hwevolve/internal/game"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/nn"
)

const (
	StopMaxGenerations   = "max_generations"
	StopFitnessThreshold = "fitness_threshold"

	SeedChangeNever         = "never"
	SeedChangePerGeneration = "per_gen"

	FailureTopologyMismatch = "TopologyMismatchError"
	FailureEncoding         = "EncodingError"
	FailurePanic            = "panic"
	FailureEvaluation       = "evaluation"

	DefaultPriorBestInterval = 4
)

type RunResult struct {
	BestByGeneration []model.Fitness
	History          []model.GenerationDiagnostics
	// FinalPopulation is the last evaluated population, ranked best first.
	FinalPopulation []ScoredGenome
	// Best is the fittest genome seen across all generations.
	Best       ScoredGenome
	Lineage    []model.LineageRecord
	StopReason string
	NextID     model.GenomeID
}

// GenerationHook observes each generation after evaluation. ranked is best
// first. Returning an error aborts the run.
type GenerationHook func(diag model.GenerationDiagnostics, ranked []ScoredGenome) error

type MonitorConfig struct {
	Game      game.Game
	Evaluator *nn.Evaluator
	Scorer    fitness.Scorer
	Selector  Selector
	Crossover Crossover
	Mutation  Mutation
	Topology  model.Topology

	PopulationSize int
	EliteCount     int
	CrossoverRate  float64
	MaxGenerations int
	// FitnessThreshold stops the run once the best fitness reaches it.
	FitnessThreshold *model.Fitness
	MaxSteps         int
	SeedsPerEval     int
	SeedChange       string
	Workers          int
	Seed             int64
	// FirstGeneration numbers the initial population when a run continues
	// from a stored snapshot.
	FirstGeneration int
	// NextID is the lowest id handed to new children; ids already present
	// in the initial population are always skipped.
	NextID model.GenomeID

	// PriorBestSize, PriorBestInterval and ReferencesSize only apply to
	// two-player games. Each genome plays every seed against a rolling hall
	// of fame of PriorBestSize past champions, refreshed every
	// PriorBestInterval generations, and against ReferencesSize random
	// genomes fixed for the whole run. With neither, the rival stands still.
	PriorBestSize     int
	PriorBestInterval int
	ReferencesSize    int

	Logger       *log.Logger
	OnGeneration GenerationHook
}

type PopulationMonitor struct {
	cfg      MonitorConfig
	rng      *rand.Rand
	biasMask []bool
	nextID   model.GenomeID

	duel       game.Duel
	priorBest  []model.Genome
	references []model.Genome
	// rivals is rebuilt between generations only; lanes read it.
	rivals []rival
}

type rivalKind int

const (
	rivalNone rivalKind = iota
	rivalPriorBest
	rivalReference
)

type rival struct {
	controller game.Controller
	kind       rivalKind
}

func NewPopulationMonitor(cfg MonitorConfig) (*PopulationMonitor, error) {
	if cfg.Game == nil {
		return nil, fmt.Errorf("game is required")
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	if cfg.Topology.Inputs() != cfg.Game.ObservationSize() || cfg.Topology.Outputs() != cfg.Game.ActionSize() {
		return nil, fmt.Errorf("topology %s does not fit game %s (%d observations, %d actions)",
			cfg.Topology, cfg.Game.Name(), cfg.Game.ObservationSize(), cfg.Game.ActionSize())
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.EliteCount < 0 || cfg.EliteCount > cfg.PopulationSize {
		return nil, fmt.Errorf("elite count must be in [0, population size]")
	}
	if cfg.CrossoverRate < 0 || cfg.CrossoverRate > 1 {
		return nil, fmt.Errorf("crossover rate must be in [0, 1]")
	}
	if cfg.MaxGenerations <= 0 {
		return nil, fmt.Errorf("max generations must be > 0")
	}
	if cfg.FirstGeneration < 0 {
		return nil, fmt.Errorf("first generation must be >= 0")
	}
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be > 0")
	}
	if err := cfg.Mutation.Validate(); err != nil {
		return nil, err
	}
	if cfg.PriorBestSize < 0 || cfg.ReferencesSize < 0 {
		return nil, fmt.Errorf("prior best and reference sizes must be >= 0")
	}
	if ts, ok := cfg.Selector.(TournamentSelector); ok && (ts.Size <= 0 || ts.Size > cfg.PopulationSize) {
		return nil, &EmptyPopulationError{PopulationSize: cfg.PopulationSize, SampleSize: ts.Size}
	}
	switch cfg.SeedChange {
	case "":
		cfg.SeedChange = SeedChangeNever
	case SeedChangeNever, SeedChangePerGeneration:
	default:
		return nil, fmt.Errorf("unsupported seed change mode: %s", cfg.SeedChange)
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = nn.DefaultEvaluator()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = fitness.DefaultPolicy()
	}
	if cfg.Selector == nil {
		cfg.Selector = TournamentSelector{Size: min(3, cfg.PopulationSize)}
	}
	if cfg.Crossover == nil {
		cfg.Crossover = KPointCrossover{Points: 1}
	}
	if cfg.SeedsPerEval <= 0 {
		cfg.SeedsPerEval = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PriorBestInterval <= 0 {
		cfg.PriorBestInterval = DefaultPriorBestInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	duel, _ := cfg.Game.(game.Duel)
	return &PopulationMonitor{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		biasMask: genome.BiasMask(cfg.Topology),
		duel:     duel,
	}, nil
}

// Run builds a monitor from cfg and evolves initial.
func Run(ctx context.Context, cfg MonitorConfig, initial []model.Genome) (RunResult, error) {
	monitor, err := NewPopulationMonitor(cfg)
	if err != nil {
		return RunResult{}, err
	}
	return monitor.Run(ctx, initial)
}

// InitialPopulation draws n random genomes with ids starting at firstID.
func InitialPopulation(rng *rand.Rand, topo model.Topology, n int, limits genome.Limits, firstID model.GenomeID) []model.Genome {
	population := make([]model.Genome, n)
	for i := range population {
		population[i] = genome.Random(rng, firstID+model.GenomeID(i), topo, limits)
	}
	return population
}

// Run evolves initial until a termination condition holds. The initial
// population must hold exactly PopulationSize genomes.
func (m *PopulationMonitor) Run(ctx context.Context, initial []model.Genome) (RunResult, error) {
	if len(initial) != m.cfg.PopulationSize {
		return RunResult{}, fmt.Errorf("initial population mismatch: got=%d want=%d", len(initial), m.cfg.PopulationSize)
	}

	population := make([]model.Genome, len(initial))
	copy(population, initial)
	m.nextID = m.cfg.NextID
	for _, g := range population {
		if g.ID >= m.nextID {
			m.nextID = g.ID + 1
		}
	}

	result := RunResult{
		BestByGeneration: make([]model.Fitness, 0, m.cfg.MaxGenerations),
		History:          make([]model.GenerationDiagnostics, 0, m.cfg.MaxGenerations),
	}
	for _, g := range population {
		result.Lineage = append(result.Lineage, model.LineageRecord{GenomeID: g.ID, Generation: m.cfg.FirstGeneration, Operation: "seed"})
	}
	if m.duel != nil {
		m.priorBest = m.randomOpponents(m.cfg.PriorBestSize)
		m.references = m.randomOpponents(m.cfg.ReferencesSize)
	}
	m.refreshRivals()

	for i := 0; ; i++ {
		gen := m.cfg.FirstGeneration + i
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}

		scored, err := m.evaluatePopulation(ctx, population, gen)
		if err != nil {
			return RunResult{}, err
		}
		ranked := Rank(scored)
		diag := summarizeGeneration(ranked, gen)
		if len(m.references) > 0 {
			diag.MeanRefFitness = meanRefFitness(ranked)
		}
		result.History = append(result.History, diag)
		result.BestByGeneration = append(result.BestByGeneration, ranked[0].Fitness)
		if i == 0 || Fitter(ranked[0], result.Best) {
			result.Best = ranked[0]
		}
		m.logGeneration(diag)
		if m.cfg.OnGeneration != nil {
			if err := m.cfg.OnGeneration(diag, ranked); err != nil {
				return RunResult{}, fmt.Errorf("generation %d hook: %w", gen, err)
			}
		}

		if stop := m.stopReason(ranked[0].Fitness, i); stop != "" {
			result.FinalPopulation = ranked
			result.StopReason = stop
			result.NextID = m.nextID
			return result, nil
		}

		var lineage []model.LineageRecord
		population, lineage, err = m.nextGeneration(ctx, ranked, gen)
		if err != nil {
			return RunResult{}, err
		}
		result.Lineage = append(result.Lineage, lineage...)
		if len(m.priorBest) > 0 && gen%m.cfg.PriorBestInterval == 0 {
			if err := m.rotatePriorBest(ranked); err != nil {
				return RunResult{}, err
			}
		}
	}
}

// randomOpponents draws opponents from the monitor's random stream, so a
// seeded run always faces the same ones.
func (m *PopulationMonitor) randomOpponents(n int) []model.Genome {
	out := make([]model.Genome, n)
	for i := range out {
		out[i] = genome.Random(m.rng, 0, m.cfg.Topology, m.cfg.Mutation.Limits)
	}
	return out
}

// rotatePriorBest pushes a tournament winner of the generation into the hall
// of fame and drops the oldest entry.
func (m *PopulationMonitor) rotatePriorBest(ranked []ScoredGenome) error {
	pick, err := TournamentSelector{Size: min(2, len(ranked))}.PickParent(m.rng, ranked)
	if err != nil {
		return err
	}
	if pick.Failure != nil {
		if ranked[0].Failure != nil {
			return nil
		}
		pick = ranked[0]
	}
	next := append([]model.Genome(nil), m.priorBest[1:]...)
	m.priorBest = append(next, pick.Genome.Clone())
	m.refreshRivals()
	return nil
}

func (m *PopulationMonitor) refreshRivals() {
	rivals := make([]rival, 0, len(m.priorBest)+len(m.references))
	for _, g := range m.priorBest {
		rivals = append(rivals, rival{controller: m.controller(g), kind: rivalPriorBest})
	}
	for _, g := range m.references {
		rivals = append(rivals, rival{controller: m.controller(g), kind: rivalReference})
	}
	if len(rivals) == 0 {
		rivals = append(rivals, rival{kind: rivalNone})
	}
	m.rivals = rivals
}

func (m *PopulationMonitor) controller(g model.Genome) game.Controller {
	return func(obs []fixed.Q) (game.Action, error) {
		out, err := m.cfg.Evaluator.Evaluate(g, obs)
		if err != nil {
			return nil, err
		}
		return game.Action(out), nil
	}
}

func meanRefFitness(ranked []ScoredGenome) float64 {
	total := 0.0
	for _, item := range ranked {
		total += float64(item.RefFitness)
	}
	return total / float64(len(ranked))
}

// stopReason is checked after evaluation; evaluated counts generations
// run by this monitor, not the absolute generation number.
func (m *PopulationMonitor) stopReason(best model.Fitness, evaluated int) string {
	if m.cfg.FitnessThreshold != nil && best >= *m.cfg.FitnessThreshold {
		return StopFitnessThreshold
	}
	if evaluated+1 >= m.cfg.MaxGenerations {
		return StopMaxGenerations
	}
	return ""
}

func (m *PopulationMonitor) logGeneration(diag model.GenerationDiagnostics) {
	m.cfg.Logger.Printf("generation %d: size=%d best=%d (%s) mean=%.2f worst=%d failures=%d",
		diag.Generation, diag.PopulationSize, diag.BestFitness, diag.BestGenomeID,
		diag.MeanFitness, diag.WorstFitness, len(diag.Failures))
	for _, failure := range diag.Failures {
		m.cfg.Logger.Printf("generation %d: genome %s failed (%s): %s", diag.Generation, failure.GenomeID, failure.Kind, failure.Message)
	}
}

func summarizeGeneration(ranked []ScoredGenome, generation int) model.GenerationDiagnostics {
	diag := model.GenerationDiagnostics{Generation: generation, PopulationSize: len(ranked)}
	if len(ranked) == 0 {
		return diag
	}
	total := 0.0
	for _, item := range ranked {
		total += float64(item.Fitness)
		if item.Failure != nil {
			diag.Failures = append(diag.Failures, *item.Failure)
		}
	}
	diag.BestFitness = ranked[0].Fitness
	diag.BestGenomeID = ranked[0].Genome.ID
	diag.WorstFitness = ranked[len(ranked)-1].Fitness
	diag.MeanFitness = total / float64(len(ranked))
	return diag
}

// EvaluationSeeds returns the game seeds every genome of a generation plays.
func EvaluationSeeds(seed int64, count int, seedChange string, generation int) []uint64 {
	base := uint64(seed)
	if seedChange == SeedChangePerGeneration {
		base ^= uint64(generation+1) * 0x9e3779b97f4a7c15
	}
	rng := game.NewRNG(base)
	seeds := make([]uint64, count)
	for i := range seeds {
		seeds[i] = rng.Next()
	}
	return seeds
}

func (m *PopulationMonitor) evaluatePopulation(ctx context.Context, population []model.Genome, generation int) ([]ScoredGenome, error) {
	seeds := EvaluationSeeds(m.cfg.Seed, m.cfg.SeedsPerEval, m.cfg.SeedChange, generation)
	jobs := make(chan int)
	scored := make([]ScoredGenome, len(population))
	aborted := make([]error, len(population))

	workerCount := m.cfg.Workers
	if workerCount > len(population) {
		workerCount = len(population)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				// Each lane owns slot idx of scored and aborted.
				if err := ctx.Err(); err != nil {
					aborted[idx] = err
					continue
				}
				scored[idx], aborted[idx] = m.evaluateGenome(ctx, population[idx], seeds)
			}
		}()
	}
	for i := range population {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range aborted {
		if err != nil {
			return nil, err
		}
	}
	return scored, nil
}

// evaluateGenome plays every seed against every rival. Errors caused by the genome or the game
// become a MinFitness record; only context cancellation is returned.
func (m *PopulationMonitor) evaluateGenome(ctx context.Context, g model.Genome, seeds []uint64) (result ScoredGenome, err error) {
	result.Genome = g
	defer func() {
		if r := recover(); r != nil {
			result = failed(g, FailurePanic, fmt.Sprint(r))
			err = nil
		}
	}()

	if verr := genome.Validate(g, m.cfg.Topology); verr != nil {
		return failed(g, failureKind(verr), verr.Error()), nil
	}
	sim, serr := game.NewSimulator(m.cfg.Game, m.cfg.MaxSteps)
	if serr != nil {
		return failed(g, FailureEvaluation, serr.Error()), nil
	}
	controller := m.controller(g)

	var episodes, priorEpisodes, refEpisodes []model.Outcome
	for _, r := range m.rivals {
		for _, seed := range seeds {
			var outcome model.Outcome
			var rerr error
			if m.duel != nil {
				outcome, rerr = sim.RunDuel(ctx, controller, r.controller, seed)
			} else {
				outcome, rerr = sim.Run(ctx, controller, seed)
			}
			if rerr != nil {
				if ctx.Err() != nil {
					return ScoredGenome{}, ctx.Err()
				}
				return failed(g, failureKind(rerr), rerr.Error()), nil
			}
			episodes = append(episodes, outcome)
			switch r.kind {
			case rivalPriorBest:
				priorEpisodes = append(priorEpisodes, outcome)
			case rivalReference:
				refEpisodes = append(refEpisodes, outcome)
			}
		}
	}
	result.Episodes = episodes
	result.Fitness = fitness.ScoreEpisodes(m.cfg.Scorer, episodes)
	if len(priorEpisodes) > 0 {
		result.PriorBestFitness = fitness.ScoreEpisodes(m.cfg.Scorer, priorEpisodes)
	}
	if len(refEpisodes) > 0 {
		result.RefFitness = fitness.ScoreEpisodes(m.cfg.Scorer, refEpisodes)
	}
	return result, nil
}

func failed(g model.Genome, kind, message string) ScoredGenome {
	return ScoredGenome{
		Genome:  g,
		Fitness: fitness.MinFitness,
		Failure: &model.EvaluationFailure{GenomeID: g.ID, Kind: kind, Message: message},
	}
}

func failureKind(err error) string {
	var mismatch *genome.TopologyMismatchError
	if errors.As(err, &mismatch) {
		return FailureTopologyMismatch
	}
	var encoding *genome.EncodingError
	if errors.As(err, &encoding) {
		return FailureEncoding
	}
	return FailureEvaluation
}

func (m *PopulationMonitor) nextGeneration(ctx context.Context, ranked []ScoredGenome, generation int) ([]model.Genome, []model.LineageRecord, error) {
	next := make([]model.Genome, 0, m.cfg.PopulationSize)
	lineage := make([]model.LineageRecord, 0, m.cfg.PopulationSize)
	nextGeneration := generation + 1

	for i := 0; i < m.cfg.EliteCount; i++ {
		elite := ranked[i].Genome
		next = append(next, elite)
		lineage = append(lineage, model.LineageRecord{
			GenomeID:   elite.ID,
			Parents:    []model.GenomeID{elite.ID},
			Generation: nextGeneration,
			Operation:  "elite",
		})
	}

	for len(next) < m.cfg.PopulationSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		first, err := m.cfg.Selector.PickParent(m.rng, ranked)
		if err != nil {
			return nil, nil, err
		}
		second, err := m.cfg.Selector.PickParent(m.rng, ranked)
		if err != nil {
			return nil, nil, err
		}
		child, record := m.breed(first.Genome, second.Genome)
		record.Generation = nextGeneration
		next = append(next, child)
		lineage = append(lineage, record)
	}
	return next, lineage, nil
}

// breed produces one child. Parents that do not fit the topology are never
// recombined: a single valid parent is cloned, and with none the child is
// drawn fresh.
func (m *PopulationMonitor) breed(a, b model.Genome) (model.Genome, model.LineageRecord) {
	id := m.nextID
	m.nextID++
	record := model.LineageRecord{GenomeID: id, Parents: []model.GenomeID{a.ID, b.ID}}

	aValid := genome.Validate(a, m.cfg.Topology) == nil
	bValid := genome.Validate(b, m.cfg.Topology) == nil

	var params []fixed.Q
	switch {
	case aValid && bValid:
		if m.rng.Float64() < m.cfg.CrossoverRate {
			child, cuts, err := m.cfg.Crossover.Cross(m.rng, a.Params, b.Params)
			if err == nil {
				params = child
				record.CutPoints = cuts
				record.Operation = "crossover:" + m.cfg.Crossover.Name()
				break
			}
			m.cfg.Logger.Printf("crossover of %s and %s failed, cloning: %v", a.ID, b.ID, err)
		}
		params = append([]fixed.Q(nil), a.Params...)
		record.Parents = record.Parents[:1]
		record.Operation = "clone"
	case aValid || bValid:
		parent := a
		if !aValid {
			parent = b
		}
		params = append([]fixed.Q(nil), parent.Params...)
		record.Parents = []model.GenomeID{parent.ID}
		record.Operation = "repair_clone"
	default:
		fresh := genome.Random(m.rng, id, m.cfg.Topology, m.cfg.Mutation.Limits)
		params = fresh.Params
		record.Parents = nil
		record.Operation = "reinit"
	}

	record.Mutations = m.cfg.Mutation.Apply(m.rng, params, m.biasMask)
	return model.Genome{ID: id, Topology: model.NewTopology(m.cfg.Topology.Layers...), Params: params}, record
}
