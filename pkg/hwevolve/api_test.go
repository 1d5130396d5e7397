package hwevolve

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hwevolve/internal/config"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/stats"
	"hwevolve/internal/storage"
)

func targetRunConfig() *config.Config {
	cfg := config.Default()
	cfg.Run.Game = "target"
	cfg.Run.MaxGenerations = 3
	cfg.Run.MaxSteps = 20
	cfg.Run.SeedsPerEval = 1
	cfg.Run.Workers = 2
	cfg.Run.Seed = 11
	cfg.Population.Size = 10
	cfg.Network.Topology = "2,2"
	return &cfg
}

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:  "memory",
		RunsDir:    filepath.Join(base, "runs"),
		ExportsDir: filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

func TestClientRunPersistsEveryGeneration(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	var progress []int
	summary, err := client.Run(ctx, RunRequest{
		Config:   targetRunConfig(),
		Progress: func(diag model.GenerationDiagnostics) { progress = append(progress, diag.Generation) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID == "" || summary.Generations != 3 || len(summary.BestByGeneration) != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(progress) != 3 || progress[2] != 2 {
		t.Fatalf("unexpected progress callbacks: %v", progress)
	}

	decoded, err := client.Decode(summary.BestBuffer)
	if err != nil {
		t.Fatalf("decode best buffer: %v", err)
	}
	if decoded.ID != summary.Best.ID || len(decoded.Params) != len(summary.Best.Params) {
		t.Fatalf("decoded best differs: %+v vs %+v", decoded, summary.Best)
	}

	for gen := 0; gen < 3; gen++ {
		g := gen
		rec, err := client.Best(ctx, BestRequest{RunRef: RunRef{RunID: summary.RunID}, Generation: &g})
		if err != nil {
			t.Fatalf("best generation %d: %v", gen, err)
		}
		if rec.Fitness != summary.BestByGeneration[gen] {
			t.Fatalf("generation %d champion fitness=%d want %d", gen, rec.Fitness, summary.BestByGeneration[gen])
		}
		if _, err := genome.Decode(rec.Buffer, model.NewTopology(2, 2)); err != nil {
			t.Fatalf("stored champion does not decode: %v", err)
		}
	}

	history, err := client.History(ctx, HistoryRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].PopulationSize != 10 {
		t.Fatalf("unexpected history: %+v", history)
	}

	lineage, err := client.Lineage(ctx, RunRef{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 10+2*10 {
		t.Fatalf("expected seed plus two bred generations of lineage, got %d", len(lineage))
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].Game != "target" || runs[0].Topology != "2x2" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestClientRunIsReproducible(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	first, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "first"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "second"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !bytes.Equal(first.BestBuffer, second.BestBuffer) {
		t.Fatal("same seed produced different champions")
	}
	for i := range first.BestByGeneration {
		if first.BestByGeneration[i] != second.BestByGeneration[i] {
			t.Fatalf("generation %d best differs: %d vs %d", i, first.BestByGeneration[i], second.BestByGeneration[i])
		}
	}
}

func TestClientContinueFromStoredPopulation(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	first, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "base"})
	if err != nil {
		t.Fatalf("base run: %v", err)
	}
	cont, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "cont", ContinueFrom: "base"})
	if err != nil {
		t.Fatalf("continued run: %v", err)
	}
	history, err := client.History(ctx, HistoryRequest{RunRef: RunRef{RunID: "cont"}})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].Generation != 3 {
		t.Fatalf("continued run should start at generation 3, got %d", history[0].Generation)
	}
	// The continued run starts from the previous final population, elites
	// included, and evaluates with the same seeds.
	if cont.BestByGeneration[0] < first.BestByGeneration[len(first.BestByGeneration)-1] {
		t.Fatalf("continued run regressed: %d < %d", cont.BestByGeneration[0], first.BestByGeneration[2])
	}

	if _, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), ContinueFrom: "missing"}); err == nil {
		t.Fatal("expected error for unknown continuation run")
	}
}

func TestClientRunRejectsInvalidConfig(t *testing.T) {
	client, _ := newTestClient(t)
	cfg := targetRunConfig()
	cfg.Population.Size = 0
	if _, err := client.Run(context.Background(), RunRequest{Config: cfg}); err == nil {
		t.Fatal("expected validation error")
	}
	runs, err := client.Runs(context.Background(), RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("invalid config must not produce a run, got %+v", runs)
	}
}

func TestClientExportAndReplay(t *testing.T) {
	ctx := context.Background()
	client, base := newTestClient(t)

	summary, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "replayed"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	export, err := client.Export(ctx, ExportRequest{RunRef: RunRef{Latest: true}})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.RunID != "replayed" || !strings.HasPrefix(export.Directory, filepath.Join(base, "exports")) {
		t.Fatalf("unexpected export: %+v", export)
	}
	if _, err := os.Stat(filepath.Join(export.Directory, "best.hex")); err != nil {
		t.Fatalf("expected exported hex dump: %v", err)
	}

	replay, err := client.Replay(ctx, ReplayRequest{RunRef: RunRef{RunID: "replayed"}})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay.Episodes) != 1 {
		t.Fatalf("expected one episode per evaluation seed, got %d", len(replay.Episodes))
	}
	last := summary.BestByGeneration[len(summary.BestByGeneration)-1]
	if replay.Fitness != last {
		t.Fatalf("replayed fitness=%d want last champion fitness %d", replay.Fitness, last)
	}
}

func TestClientBestFallsBackToArtifacts(t *testing.T) {
	ctx := context.Background()
	client, base := newTestClient(t)
	summary, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "persisted"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// A second client has an empty memory store but shares the runs dir.
	other, err := New(Options{StoreKind: "memory", RunsDir: filepath.Join(base, "runs")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	rec, err := other.Best(ctx, BestRequest{RunRef: RunRef{RunID: "persisted"}})
	if err != nil {
		t.Fatalf("best from artifacts: %v", err)
	}
	if !bytes.Equal(rec.Buffer, summary.BestBuffer) || rec.Fitness != summary.FinalBest {
		t.Fatalf("unexpected fallback record: %+v", rec)
	}
	history, err := other.History(ctx, HistoryRequest{RunRef: RunRef{RunID: "persisted"}, Limit: 2})
	if err != nil {
		t.Fatalf("history from artifacts: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected limited history, got %d", len(history))
	}
	if _, err := other.Lineage(ctx, RunRef{RunID: "persisted"}); err == nil {
		t.Fatal("lineage lives only in the store")
	}
}

func TestClientContinueFromArtifactsWithoutStore(t *testing.T) {
	ctx := context.Background()
	client, base := newTestClient(t)
	if _, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "base"}); err != nil {
		t.Fatalf("base run: %v", err)
	}

	other, err := New(Options{StoreKind: "memory", RunsDir: filepath.Join(base, "runs")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	cont, err := other.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "cont", ContinueFrom: "base"})
	if err != nil {
		t.Fatalf("continue from artifacts: %v", err)
	}
	history, err := other.History(ctx, HistoryRequest{RunRef: RunRef{RunID: "cont"}})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].Generation != 3 || cont.Generations != 3 {
		t.Fatalf("unexpected continuation: first generation %d, %d generations", history[0].Generation, cont.Generations)
	}

	// Both clients see the same population, so they continue identically.
	same, err := client.Run(ctx, RunRequest{Config: targetRunConfig(), RunID: "cont-store", ContinueFrom: "base"})
	if err != nil {
		t.Fatalf("continue from store: %v", err)
	}
	if !bytes.Equal(same.BestBuffer, cont.BestBuffer) {
		t.Fatal("artifact continuation diverged from store continuation")
	}
}

func TestClientBestPicksFittestChampion(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	if err := client.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	g := genome.Random(rand.New(rand.NewSource(3)), 7, model.NewTopology(2, 2), genome.DefaultLimits())
	buf, err := genome.Encode(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, rec := range []model.BestRecord{
		{Generation: 0, GenomeID: 3, Fitness: 10},
		{Generation: 1, GenomeID: 7, Fitness: 40},
		{Generation: 2, GenomeID: 7, Fitness: 40},
		{Generation: 3, GenomeID: 9, Fitness: 25},
	} {
		rec.VersionedRecord = storage.Versioned()
		rec.RunID = "fluctuating"
		rec.Buffer = buf
		if err := client.store.SaveBest(ctx, rec); err != nil {
			t.Fatalf("save best: %v", err)
		}
	}
	rec, err := client.Best(ctx, BestRequest{RunRef: RunRef{RunID: "fluctuating"}})
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if rec.Generation != 1 || rec.GenomeID != 7 || rec.Fitness != 40 {
		t.Fatalf("expected the first generation of the fittest champion, got %+v", rec)
	}
}

func TestClientBestArtifactFallbackKeepsChampionGeneration(t *testing.T) {
	ctx := context.Background()
	client, base := newTestClient(t)
	g := genome.Random(rand.New(rand.NewSource(5)), 7, model.NewTopology(2, 2), genome.DefaultLimits())
	cfg := targetRunConfig()
	history := []model.GenerationDiagnostics{
		{Generation: 0, PopulationSize: 10, BestFitness: 10, BestGenomeID: 3},
		{Generation: 1, PopulationSize: 10, BestFitness: 40, BestGenomeID: 7},
		{Generation: 2, PopulationSize: 10, BestFitness: 25, BestGenomeID: 9},
	}
	if _, err := stats.WriteRunArtifacts(filepath.Join(base, "runs"), stats.RunArtifacts{
		RunID:            "per-gen",
		Config:           *cfg,
		BestByGeneration: []model.Fitness{10, 40, 25},
		History:          history,
		Best:             g,
		BestFitness:      40,
	}); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	rec, err := client.Best(ctx, BestRequest{RunRef: RunRef{RunID: "per-gen"}})
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if rec.Generation != 1 || rec.GenomeID != 7 || rec.Fitness != 40 {
		t.Fatalf("champion labelled with the wrong generation: %+v", rec)
	}
}

func TestResolveRunID(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.resolveRunID(RunRef{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected error for run id plus latest")
	}
	if _, err := client.resolveRunID(RunRef{}); err == nil {
		t.Fatal("expected error for empty reference")
	}
	if _, err := client.resolveRunID(RunRef{Latest: true}); err == nil {
		t.Fatal("expected error with no runs")
	}
	if id, err := client.resolveRunID(RunRef{RunID: "x"}); err != nil || id != "x" {
		t.Fatalf("unexpected resolution: %q %v", id, err)
	}
}

func TestClientGames(t *testing.T) {
	client, _ := newTestClient(t)
	games := client.Games()
	if len(games) < 2 {
		t.Fatalf("expected built-in games, got %v", games)
	}
}
