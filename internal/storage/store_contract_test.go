package storage

import (
	"bytes"
	"context"
	"testing"

	"hwevolve/internal/model"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, ok=%t err=%v", ok, err)
	}

	runs := []model.RunRecord{
		{VersionedRecord: Versioned(), RunID: "run-b", Game: "target", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{VersionedRecord: Versioned(), RunID: "run-a", Game: "coinrun", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{VersionedRecord: Versioned(), RunID: "run-0", Game: "target", CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, run := range runs {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.RunID, err)
		}
	}
	listed, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 3 || listed[0].RunID != "run-0" || listed[1].RunID != "run-a" || listed[2].RunID != "run-b" {
		t.Fatalf("unexpected run order: %+v", listed)
	}

	updated := runs[0]
	updated.FinalBest = 42
	if err := store.SaveRun(ctx, updated); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, ok, err := store.GetRun(ctx, "run-b")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if got.FinalBest != 42 || got.Game != "target" {
		t.Fatalf("unexpected run: %+v", got)
	}

	stale := model.RunRecord{VersionedRecord: model.VersionedRecord{SchemaVersion: 9, CodecVersion: 1}, RunID: "run-stale"}
	if err := store.SaveRun(ctx, stale); err == nil {
		t.Fatal("expected version mismatch for stale run")
	}

	for _, gen := range []int{2, 0, 1} {
		best := model.BestRecord{
			VersionedRecord: Versioned(),
			RunID:           "run-a",
			Generation:      gen,
			GenomeID:        model.GenomeID(10 + gen),
			Fitness:         model.Fitness(100 * gen),
			Buffer:          []byte{'G', 'N', byte(gen)},
		}
		if err := store.SaveBest(ctx, best); err != nil {
			t.Fatalf("save best %d: %v", gen, err)
		}
	}
	replacement := model.BestRecord{VersionedRecord: Versioned(), RunID: "run-a", Generation: 1, GenomeID: 99, Fitness: -5, Buffer: []byte{1}}
	if err := store.SaveBest(ctx, replacement); err != nil {
		t.Fatalf("replace best: %v", err)
	}
	if err := store.SaveBest(ctx, model.BestRecord{VersionedRecord: Versioned(), RunID: "run-a", Generation: 3}); err == nil {
		t.Fatal("expected error for empty buffer")
	}
	best, err := store.ListBest(ctx, "run-a")
	if err != nil {
		t.Fatalf("list best: %v", err)
	}
	if len(best) != 3 {
		t.Fatalf("expected 3 best records, got %d", len(best))
	}
	for i, rec := range best {
		if rec.Generation != i {
			t.Fatalf("best[%d] generation=%d", i, rec.Generation)
		}
	}
	if best[1].GenomeID != 99 || best[1].Fitness != -5 || !bytes.Equal(best[1].Buffer, []byte{1}) {
		t.Fatalf("unexpected replaced best: %+v", best[1])
	}
	if !bytes.Equal(best[2].Buffer, []byte{'G', 'N', 2}) {
		t.Fatalf("unexpected buffer: %v", best[2].Buffer)
	}
	if none, err := store.ListBest(ctx, "run-b"); err != nil || len(none) != 0 {
		t.Fatalf("expected no best records for run-b, got %d err=%v", len(none), err)
	}

	for _, gen := range []int{1, 0} {
		diag := model.GenerationDiagnostics{
			Generation:     gen,
			PopulationSize: 4,
			BestFitness:    model.Fitness(gen * 10),
			BestGenomeID:   model.GenomeID(gen),
		}
		if gen == 1 {
			diag.Failures = []model.EvaluationFailure{{GenomeID: 3, Kind: "panic", Message: "boom"}}
		}
		if err := store.SaveGenerationDiagnostics(ctx, "run-a", diag); err != nil {
			t.Fatalf("save diagnostics %d: %v", gen, err)
		}
	}
	diags, ok, err := store.GetGenerationDiagnostics(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get diagnostics: ok=%t err=%v", ok, err)
	}
	if len(diags) != 2 || diags[0].Generation != 0 || diags[1].Generation != 1 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if len(diags[1].Failures) != 1 || diags[1].Failures[0].Kind != "panic" {
		t.Fatalf("expected failure to persist: %+v", diags[1])
	}
	if _, ok, err := store.GetGenerationDiagnostics(ctx, "run-b"); err != nil || ok {
		t.Fatalf("expected no diagnostics for run-b, ok=%t err=%v", ok, err)
	}

	snapshot := model.PopulationSnapshot{
		VersionedRecord: Versioned(),
		RunID:           "run-a",
		Generation:      2,
		NextID:          40,
		Genomes:         [][]byte{{1, 2}, {3, 4}},
	}
	if err := store.SavePopulation(ctx, snapshot); err != nil {
		t.Fatalf("save population: %v", err)
	}
	snapshot.Genomes[0][0] = 9
	pop, ok, err := store.GetPopulation(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get population: ok=%t err=%v", ok, err)
	}
	if pop.NextID != 40 || pop.Generation != 2 || len(pop.Genomes) != 2 || pop.Genomes[0][0] != 1 {
		t.Fatalf("unexpected population: %+v", pop)
	}

	lineage := []model.LineageRecord{
		{GenomeID: 21, Parents: []model.GenomeID{3, 7}, Generation: 1, Operation: "crossover", CutPoints: []int{4}, Mutations: 2},
		{GenomeID: 3, Generation: 1, Operation: "elite"},
	}
	if err := store.SaveLineage(ctx, "run-a", lineage); err != nil {
		t.Fatalf("save lineage: %v", err)
	}
	gotLineage, ok, err := store.GetLineage(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get lineage: ok=%t err=%v", ok, err)
	}
	if len(gotLineage) != 2 || gotLineage[0].CutPoints[0] != 4 || gotLineage[0].Parents[1] != 7 {
		t.Fatalf("unexpected lineage: %+v", gotLineage)
	}
	if _, ok, err := store.GetLineage(ctx, "run-b"); err != nil || ok {
		t.Fatalf("expected no lineage for run-b, ok=%t err=%v", ok, err)
	}
}
