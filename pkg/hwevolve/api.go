// Package hwevolve is the public entry point: it runs evolution from a
// configuration, persists every generation, and reads runs back.
package hwevolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"hwevolve/internal/config"
	"hwevolve/internal/evo"
	"hwevolve/internal/fitness"
	"hwevolve/internal/fixed"
	"hwevolve/internal/game"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/stats"
	"hwevolve/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "hwevolve.db"
	defaultRunsLimit  = 20
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	// Logger receives per-generation progress. Nil discards it.
	Logger *log.Logger
}

type Client struct {
	store  storage.Store
	logger *log.Logger

	runsDir    string
	exportsDir string

	initOnce sync.Once
	initErr  error
}

type RunRequest struct {
	// Config is used as given; nil means config.Default().
	Config *config.Config
	// RunID names the run; empty draws a random UUID.
	RunID string
	// ContinueFrom seeds the run with the final population stored for that
	// run id instead of a random population.
	ContinueFrom string
	// Progress, when set, observes each generation after it is persisted.
	Progress func(model.GenerationDiagnostics)
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	BestByGeneration []model.Fitness
	FinalBest        model.Fitness
	Best             model.Genome
	BestBuffer       []byte
	StopReason       string
	Generations      int
	Failures         int
	Elapsed          time.Duration
}

type RunsRequest struct {
	Limit int
}

type RunRef struct {
	RunID  string
	Latest bool
}

type BestRequest struct {
	RunRef
	// Generation selects one generation's champion; nil selects the fittest
	// champion of the run.
	Generation *int
}

type HistoryRequest struct {
	RunRef
	Limit int
}

type ExportRequest struct {
	RunRef
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type ReplayRequest struct {
	RunRef
	Seeds []uint64
}

type ReplaySummary struct {
	RunID    string
	GenomeID model.GenomeID
	Episodes []model.Outcome
	Fitness  model.Fitness
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:      store,
		logger:     logger,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

// Games lists the registered game names.
func (c *Client) Games() []string {
	return game.List()
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	cfg := config.Default()
	if req.Config != nil {
		cfg = *req.Config
	}
	monitorCfg, err := cfg.Build()
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	var initial []model.Genome
	if req.ContinueFrom != "" {
		initial, err = c.continuePopulation(ctx, req.ContinueFrom, &monitorCfg)
		if err != nil {
			return RunSummary{}, err
		}
	} else {
		rng := rand.New(rand.NewSource(cfg.Run.Seed + 1))
		initial = evo.InitialPopulation(rng, monitorCfg.Topology, monitorCfg.PopulationSize, monitorCfg.Mutation.Limits, 1)
	}

	monitorCfg.Logger = c.logger
	monitorCfg.OnGeneration = func(diag model.GenerationDiagnostics, ranked []evo.ScoredGenome) error {
		if err := c.persistGeneration(ctx, runID, diag, ranked[0]); err != nil {
			return err
		}
		if req.Progress != nil {
			req.Progress(diag)
		}
		return nil
	}

	started := time.Now()
	result, err := evo.Run(ctx, monitorCfg, initial)
	if err != nil {
		return RunSummary{}, err
	}
	elapsed := time.Since(started)
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	bestBuffer, err := genome.Encode(result.Best.Genome)
	if err != nil {
		return RunSummary{}, fmt.Errorf("encode best genome: %w", err)
	}
	snapshot := c.populationSnapshot(runID, result)
	if err := c.persistRun(ctx, runID, cfg, result, snapshot, createdAt); err != nil {
		return RunSummary{}, err
	}

	failures := 0
	for _, diag := range result.History {
		failures += len(diag.Failures)
	}
	runDir, artifactErr := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		RunID:            runID,
		Config:           cfg,
		BestByGeneration: result.BestByGeneration,
		History:          result.History,
		Lineage:          result.Lineage,
		Best:             result.Best.Genome,
		BestFitness:      result.Best.Fitness,
		StopReason:       result.StopReason,
		Population:       &snapshot,
	})
	// The index entry is still written when artifacts fail so the run can
	// be found and inspected from the store.
	indexErr := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:          runID,
		Game:           cfg.Run.Game,
		Topology:       monitorCfg.Topology.String(),
		PopulationSize: monitorCfg.PopulationSize,
		Generations:    len(result.History),
		Seed:           cfg.Run.Seed,
		Workers:        monitorCfg.Workers,
		FinalBest:      result.Best.Fitness,
		StopReason:     result.StopReason,
		CreatedAtUTC:   createdAt,
	})
	if err := multierr.Append(artifactErr, indexErr); err != nil {
		return RunSummary{}, fmt.Errorf("write run artifacts: %w", err)
	}

	return RunSummary{
		RunID:            runID,
		ArtifactsDir:     filepath.Clean(runDir),
		BestByGeneration: append([]model.Fitness(nil), result.BestByGeneration...),
		FinalBest:        result.Best.Fitness,
		Best:             result.Best.Genome,
		BestBuffer:       bestBuffer,
		StopReason:       result.StopReason,
		Generations:      len(result.History),
		Failures:         failures,
		Elapsed:          elapsed,
	}, nil
}

// continuePopulation loads the final population of runID from the store, or
// from its population.json artifact when the store does not hold the run.
func (c *Client) continuePopulation(ctx context.Context, runID string, monitorCfg *evo.MonitorConfig) ([]model.Genome, error) {
	snapshot, ok, err := c.store.GetPopulation(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		snapshot, ok, err = stats.ReadPopulation(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("population not found for run id: %s", runID)
	}
	if len(snapshot.Genomes) > monitorCfg.PopulationSize {
		return nil, fmt.Errorf("stored population of %s has %d genomes, configuration wants %d",
			runID, len(snapshot.Genomes), monitorCfg.PopulationSize)
	}
	initial := make([]model.Genome, 0, monitorCfg.PopulationSize)
	for i, buf := range snapshot.Genomes {
		g, err := genome.Decode(buf, monitorCfg.Topology)
		if err != nil {
			return nil, fmt.Errorf("stored genome %d of %s: %w", i, runID, err)
		}
		initial = append(initial, g)
	}
	// Slots of genomes that could not be stored are refilled at random.
	rng := rand.New(rand.NewSource(monitorCfg.Seed + 1))
	for len(initial) < monitorCfg.PopulationSize {
		initial = append(initial, genome.Random(rng, snapshot.NextID, monitorCfg.Topology, monitorCfg.Mutation.Limits))
		snapshot.NextID++
	}
	monitorCfg.FirstGeneration = snapshot.Generation + 1
	monitorCfg.NextID = snapshot.NextID
	return initial, nil
}

func (c *Client) persistGeneration(ctx context.Context, runID string, diag model.GenerationDiagnostics, best evo.ScoredGenome) error {
	buf, err := genome.Encode(best.Genome)
	if err != nil {
		return fmt.Errorf("encode champion %s: %w", best.Genome.ID, err)
	}
	if err := c.store.SaveBest(ctx, model.BestRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Generation:      diag.Generation,
		GenomeID:        best.Genome.ID,
		Fitness:         best.Fitness,
		Buffer:          buf,
	}); err != nil {
		return err
	}
	return c.store.SaveGenerationDiagnostics(ctx, runID, diag)
}

func (c *Client) populationSnapshot(runID string, result evo.RunResult) model.PopulationSnapshot {
	snapshot := model.PopulationSnapshot{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		NextID:          result.NextID,
		Genomes:         make([][]byte, 0, len(result.FinalPopulation)),
	}
	if n := len(result.History); n > 0 {
		snapshot.Generation = result.History[n-1].Generation
	}
	for _, scored := range result.FinalPopulation {
		buf, err := genome.Encode(scored.Genome)
		if err != nil {
			c.logger.Printf("run %s: dropping unencodable genome %s: %v", runID, scored.Genome.ID, err)
			continue
		}
		snapshot.Genomes = append(snapshot.Genomes, buf)
	}
	return snapshot
}

func (c *Client) persistRun(ctx context.Context, runID string, cfg config.Config, result evo.RunResult, snapshot model.PopulationSnapshot, createdAt string) error {
	if err := c.store.SavePopulation(ctx, snapshot); err != nil {
		return err
	}
	if err := c.store.SaveLineage(ctx, runID, result.Lineage); err != nil {
		return err
	}
	topo, _ := cfg.Topology()
	return c.store.SaveRun(ctx, model.RunRecord{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Game:            cfg.Run.Game,
		Topology:        topo.String(),
		PopulationSize:  cfg.Population.Size,
		Generations:     len(result.History),
		Seed:            cfg.Run.Seed,
		FinalBest:       result.Best.Fitness,
		StopReason:      result.StopReason,
		CreatedAtUTC:    createdAt,
	})
}

// Runs lists indexed runs, newest first.
func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Limit <= 0 {
		req.Limit = defaultRunsLimit
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// Best returns a champion record. The store is consulted first; runs it does
// not hold fall back to the best.bin artifact, labelled with the generation
// that produced it.
func (c *Client) Best(ctx context.Context, req BestRequest) (model.BestRecord, error) {
	runID, err := c.resolveRunID(req.RunRef)
	if err != nil {
		return model.BestRecord{}, err
	}
	if err := c.Init(ctx); err != nil {
		return model.BestRecord{}, err
	}

	records, err := c.store.ListBest(ctx, runID)
	if err != nil {
		return model.BestRecord{}, err
	}
	if len(records) > 0 {
		if req.Generation == nil {
			return fittestRecord(records), nil
		}
		for _, rec := range records {
			if rec.Generation == *req.Generation {
				return rec, nil
			}
		}
		return model.BestRecord{}, fmt.Errorf("no champion recorded for generation %d of %s", *req.Generation, runID)
	}
	if req.Generation != nil {
		return model.BestRecord{}, fmt.Errorf("per-generation champions not found for run id: %s", runID)
	}

	g, ok, err := stats.ReadBestGenome(c.runsDir, runID)
	if err != nil {
		return model.BestRecord{}, err
	}
	if !ok {
		return model.BestRecord{}, fmt.Errorf("best genome not found for run id: %s", runID)
	}
	buf, err := genome.Encode(g)
	if err != nil {
		return model.BestRecord{}, err
	}
	rec := model.BestRecord{VersionedRecord: storage.Versioned(), RunID: runID, GenomeID: g.ID, Buffer: buf, Generation: -1}
	if diags, ok, err := stats.ReadGenerationDiagnostics(c.runsDir, runID); err == nil && ok && len(diags) > 0 {
		diag := championDiagnostics(diags, g.ID)
		rec.Generation = diag.Generation
		rec.Fitness = diag.BestFitness
	}
	return rec, nil
}

// History returns per-generation diagnostics, from the store when it holds
// the run and from the artifacts otherwise.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.GenerationDiagnostics, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunRef)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	history, ok, err := c.store.GetGenerationDiagnostics(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadGenerationDiagnostics(c.runsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("history not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	return history, nil
}

func (c *Client) Lineage(ctx context.Context, ref RunRef) ([]model.LineageRecord, error) {
	runID, err := c.resolveRunID(ref)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run id: %s", runID)
	}
	return lineage, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(req.RunRef)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	dir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

// Decode parses a genome buffer, taking the topology from its header.
func (c *Client) Decode(buf []byte) (model.Genome, error) {
	return genome.DecodeAny(buf)
}

// Replay plays a run's final champion under the run's own configuration.
// Without explicit seeds it uses the seeds of the run's first generation.
func (c *Client) Replay(ctx context.Context, req ReplayRequest) (ReplaySummary, error) {
	runID, err := c.resolveRunID(req.RunRef)
	if err != nil {
		return ReplaySummary{}, err
	}
	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil {
		return ReplaySummary{}, err
	}
	if !ok {
		return ReplaySummary{}, fmt.Errorf("run config not found for run id: %s", runID)
	}
	monitorCfg, err := cfg.Build()
	if err != nil {
		return ReplaySummary{}, err
	}
	best, err := c.Best(ctx, BestRequest{RunRef: RunRef{RunID: runID}})
	if err != nil {
		return ReplaySummary{}, err
	}
	g, err := genome.Decode(best.Buffer, monitorCfg.Topology)
	if err != nil {
		return ReplaySummary{}, err
	}

	seeds := req.Seeds
	if len(seeds) == 0 {
		seeds = evo.EvaluationSeeds(cfg.Run.Seed, monitorCfg.SeedsPerEval, monitorCfg.SeedChange, 0)
	}
	sim, err := game.NewSimulator(monitorCfg.Game, monitorCfg.MaxSteps)
	if err != nil {
		return ReplaySummary{}, err
	}
	controller := func(obs []fixed.Q) (game.Action, error) {
		out, err := monitorCfg.Evaluator.Evaluate(g, obs)
		return game.Action(out), err
	}
	episodes := make([]model.Outcome, 0, len(seeds))
	for _, seed := range seeds {
		outcome, err := sim.Run(ctx, controller, seed)
		if err != nil {
			return ReplaySummary{}, fmt.Errorf("replay seed %d: %w", seed, err)
		}
		episodes = append(episodes, outcome)
	}
	return ReplaySummary{
		RunID:    runID,
		GenomeID: g.ID,
		Episodes: episodes,
		Fitness:  fitness.ScoreEpisodes(monitorCfg.Scorer, episodes),
	}, nil
}

func (c *Client) resolveRunID(ref RunRef) (string, error) {
	if ref.RunID != "" && ref.Latest {
		return "", errors.New("use either run id or latest")
	}
	if ref.RunID != "" {
		return ref.RunID, nil
	}
	if !ref.Latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

// fittestRecord ranks champions the way a run ranks genomes; on a full tie
// the earliest generation wins.
func fittestRecord(records []model.BestRecord) model.BestRecord {
	best := records[0]
	for _, rec := range records[1:] {
		if rec.Fitness > best.Fitness ||
			(rec.Fitness == best.Fitness && rec.GenomeID < best.GenomeID) ||
			(rec.Fitness == best.Fitness && rec.GenomeID == best.GenomeID && rec.Generation < best.Generation) {
			best = rec
		}
	}
	return best
}

// championDiagnostics finds the first generation where id was champion at
// its peak fitness. Without such a generation the fittest one is returned.
func championDiagnostics(history []model.GenerationDiagnostics, id model.GenomeID) model.GenerationDiagnostics {
	records := make([]model.BestRecord, len(history))
	for i, diag := range history {
		records[i] = model.BestRecord{Generation: diag.Generation, GenomeID: diag.BestGenomeID, Fitness: diag.BestFitness}
	}
	var own []model.BestRecord
	for _, rec := range records {
		if rec.GenomeID == id {
			own = append(own, rec)
		}
	}
	pick := fittestRecord(records)
	if len(own) > 0 {
		pick = fittestRecord(own)
	}
	for _, diag := range history {
		if diag.Generation == pick.Generation {
			return diag
		}
	}
	return history[len(history)-1]
}
