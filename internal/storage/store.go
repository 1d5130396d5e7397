package storage

import (
	"context"

	"hwevolve/internal/model"
)

// Store persists run artifacts. Every method is keyed by run id; a missing
// record is reported through the bool result rather than an error.
type Store interface {
	Init(ctx context.Context) error

	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)

	// SaveBest stores the champion of one generation, replacing any
	// previous champion recorded for the same generation.
	SaveBest(ctx context.Context, best model.BestRecord) error
	ListBest(ctx context.Context, runID string) ([]model.BestRecord, error)

	SaveGenerationDiagnostics(ctx context.Context, runID string, diagnostics model.GenerationDiagnostics) error
	GetGenerationDiagnostics(ctx context.Context, runID string) ([]model.GenerationDiagnostics, bool, error)

	SavePopulation(ctx context.Context, snapshot model.PopulationSnapshot) error
	GetPopulation(ctx context.Context, runID string) (model.PopulationSnapshot, bool, error)

	SaveLineage(ctx context.Context, runID string, lineage []model.LineageRecord) error
	GetLineage(ctx context.Context, runID string) ([]model.LineageRecord, bool, error)
}
