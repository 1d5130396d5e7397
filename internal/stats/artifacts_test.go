package stats

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"hwevolve/internal/config"
	"hwevolve/internal/fixed"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/storage"
)

func testArtifacts(runID string) RunArtifacts {
	cfg := config.Default()
	cfg.Run.Game = "target"
	cfg.Network.Topology = "2,2"
	return RunArtifacts{
		RunID:            runID,
		Config:           cfg,
		BestByGeneration: []model.Fitness{100, 250, 250},
		History: []model.GenerationDiagnostics{
			{Generation: 0, PopulationSize: 4, BestFitness: 100, MeanFitness: 40.5, WorstFitness: -3},
			{Generation: 1, PopulationSize: 4, BestFitness: 250, MeanFitness: 90, WorstFitness: 0,
				Failures: []model.EvaluationFailure{{GenomeID: 9, Kind: "panic", Message: "boom"}}},
			{Generation: 2, PopulationSize: 4, BestFitness: 250, MeanFitness: 120, WorstFitness: 10},
		},
		Lineage: []model.LineageRecord{{GenomeID: 1, Operation: "seed"}},
		Best: model.Genome{
			ID:       7,
			Topology: model.NewTopology(2, 1),
			Params:   []fixed.Q{fixed.FromRaw(256), fixed.FromRaw(-128), fixed.FromRaw(64)},
		},
		BestFitness: 250,
		StopReason:  "max_generations",
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runDir, err := WriteRunArtifacts(baseDir, testArtifacts("run-123"))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	files := []string{configFile, historyFile, diagnosticsFile, lineageFile, summaryFile, seriesFile, bestBinFile, bestHexFile}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exported, err := ExportRunArtifacts(baseDir, "run-123", outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exported, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}
}

func TestExportSkipsMissingOptionalFiles(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := testArtifacts("run-nobest")
	artifacts.Best = model.Genome{}
	if _, err := WriteRunArtifacts(baseDir, artifacts); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	exported, err := ExportRunArtifacts(baseDir, "run-nobest", t.TempDir())
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exported, bestBinFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no best.bin in export, got %v", err)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestReadBackRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := testArtifacts("run-read")
	if _, err := WriteRunArtifacts(baseDir, artifacts); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	cfg, ok, err := ReadRunConfig(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Run.Game != "target" || cfg.Network.Topology != "2,2" {
		t.Fatalf("unexpected config: %+v", cfg.Run)
	}

	history, ok, err := ReadFitnessHistory(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read history: ok=%t err=%v", ok, err)
	}
	if len(history) != 3 || history[1] != 250 {
		t.Fatalf("unexpected history: %v", history)
	}

	diags, ok, err := ReadGenerationDiagnostics(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read diagnostics: ok=%t err=%v", ok, err)
	}
	if len(diags) != 3 || len(diags[1].Failures) != 1 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}

	series, ok, err := ReadFitnessSeries(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if len(series) != 3 || series[0] != 100 || series[2] != 250 {
		t.Fatalf("unexpected series: %v", series)
	}

	best, ok, err := ReadBestGenome(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read best: ok=%t err=%v", ok, err)
	}
	if best.ID != 7 || len(best.Params) != 3 || best.Params[1] != fixed.FromRaw(-128) {
		t.Fatalf("unexpected best genome: %+v", best)
	}

	hex, err := os.ReadFile(filepath.Join(baseDir, "run-read", bestHexFile))
	if err != nil {
		t.Fatalf("read hex: %v", err)
	}
	if string(hex) != "0100\nff80\n0040\n" {
		t.Fatalf("unexpected hex dump: %q", hex)
	}
	bin, err := os.ReadFile(filepath.Join(baseDir, "run-read", bestBinFile))
	if err != nil {
		t.Fatalf("read bin: %v", err)
	}
	want, _ := genome.Encode(artifacts.Best)
	if !bytes.Equal(bin, want) {
		t.Fatalf("best.bin differs from codec output")
	}
}

func TestReadMissingRun(t *testing.T) {
	baseDir := t.TempDir()
	if _, ok, err := ReadRunConfig(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing config, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadBestGenome(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing best, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadFitnessSeries(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing series, ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadPopulation(baseDir, "nope"); err != nil || ok {
		t.Fatalf("expected missing population, ok=%t err=%v", ok, err)
	}
}

func TestPopulationSnapshotArtifact(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := testArtifacts("run-pop")
	buf, err := genome.Encode(artifacts.Best)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	snapshot := model.PopulationSnapshot{
		VersionedRecord: storage.Versioned(),
		RunID:           "run-pop",
		Generation:      2,
		NextID:          12,
		Genomes:         [][]byte{buf},
	}
	artifacts.Population = &snapshot
	if _, err := WriteRunArtifacts(baseDir, artifacts); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	got, ok, err := ReadPopulation(baseDir, "run-pop")
	if err != nil || !ok {
		t.Fatalf("read population: ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, snapshot) {
		t.Fatalf("population changed on disk:\n got %+v\nwant %+v", got, snapshot)
	}

	exported, err := ExportRunArtifacts(baseDir, "run-pop", t.TempDir())
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exported, populationFile)); err != nil {
		t.Fatalf("population.json not exported: %v", err)
	}

	stale := snapshot
	stale.SchemaVersion = storage.CurrentSchemaVersion + 1
	data, err := storage.EncodePopulation(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(baseDir, "run-pop", populationFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadPopulation(baseDir, "run-pop"); err == nil {
		t.Fatal("expected version error")
	}
}

func TestReadBestGenomeRejectsCorruptBuffer(t *testing.T) {
	baseDir := t.TempDir()
	runDir := filepath.Join(baseDir, "bad")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, bestBinFile), []byte("GX"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadBestGenome(baseDir, "bad"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRunIndexOrderingAndReplace(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBest: 1},
		{RunID: "b", CreatedAtUTC: "2026-01-03T00:00:00Z", FinalBest: 2},
		{RunID: "c", CreatedAtUTC: "2026-01-03T00:00:00Z", FinalBest: 3},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", entry.RunID, err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalBest: 10}); err != nil {
		t.Fatalf("replace a: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(index))
	}
	if index[0].RunID != "c" || index[1].RunID != "b" || index[2].RunID != "a" {
		t.Fatalf("unexpected order: %+v", index)
	}
	if index[2].FinalBest != 10 {
		t.Fatalf("expected replaced entry, got %+v", index[2])
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestRunIndexTiesStayStableAcrossAppends(t *testing.T) {
	baseDir := t.TempDir()
	stamp := "2026-02-01T00:00:00Z"
	for _, id := range []string{"x", "y", "z"} {
		if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: id, CreatedAtUTC: stamp}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "old", CreatedAtUTC: "2025-01-01T00:00:00Z", FinalBest: model.Fitness(i)}); err != nil {
			t.Fatalf("append old: %v", err)
		}
		index, err := ListRunIndex(baseDir)
		if err != nil {
			t.Fatalf("list index: %v", err)
		}
		got := make([]string, len(index))
		for j, entry := range index {
			got[j] = entry.RunID
		}
		if want := []string{"z", "y", "x", "old"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("append %d: got order %v want %v", i, got, want)
		}
	}

	raw, err := readRunIndex(baseDir)
	if err != nil {
		t.Fatalf("read raw index: %v", err)
	}
	if raw[0].RunID != "x" || raw[3].RunID != "old" {
		t.Fatalf("index file lost append order: %+v", raw)
	}
}

func TestListRunIndexEmpty(t *testing.T) {
	index, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %+v", index)
	}
}
