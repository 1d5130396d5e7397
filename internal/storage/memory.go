package storage

import (
	"context"
	"sort"
	"sync"

	"hwevolve/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]model.RunRecord
	best        map[string]map[int]model.BestRecord
	diagnostics map[string][]model.GenerationDiagnostics
	populations map[string]model.PopulationSnapshot
	lineage     map[string][]model.LineageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runs != nil {
		return nil
	}
	s.runs = make(map[string]model.RunRecord)
	s.best = make(map[string]map[int]model.BestRecord)
	s.diagnostics = make(map[string][]model.GenerationDiagnostics)
	s.populations = make(map[string]model.PopulationSnapshot)
	s.lineage = make(map[string][]model.LineageRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	if err := checkVersion(run.VersionedRecord); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runs == nil {
		return errNotInitialized
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveBest(_ context.Context, best model.BestRecord) error {
	if err := checkBest(best); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.best == nil {
		return errNotInitialized
	}
	byGen, ok := s.best[best.RunID]
	if !ok {
		byGen = make(map[int]model.BestRecord)
		s.best[best.RunID] = byGen
	}
	best.Buffer = append([]byte(nil), best.Buffer...)
	byGen[best.Generation] = best
	return nil
}

func (s *MemoryStore) ListBest(_ context.Context, runID string) ([]model.BestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byGen := s.best[runID]
	out := make([]model.BestRecord, 0, len(byGen))
	for _, best := range byGen {
		best.Buffer = append([]byte(nil), best.Buffer...)
		out = append(out, best)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (s *MemoryStore) SaveGenerationDiagnostics(_ context.Context, runID string, diagnostics model.GenerationDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.diagnostics == nil {
		return errNotInitialized
	}
	existing := s.diagnostics[runID]
	for i := range existing {
		if existing[i].Generation == diagnostics.Generation {
			existing[i] = diagnostics
			return nil
		}
	}
	existing = append(existing, diagnostics)
	sort.Slice(existing, func(i, j int) bool { return existing[i].Generation < existing[j].Generation })
	s.diagnostics[runID] = existing
	return nil
}

func (s *MemoryStore) GetGenerationDiagnostics(_ context.Context, runID string) ([]model.GenerationDiagnostics, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagnostics, ok := s.diagnostics[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.GenerationDiagnostics, len(diagnostics))
	copy(copied, diagnostics)
	return copied, true, nil
}

func (s *MemoryStore) SavePopulation(_ context.Context, snapshot model.PopulationSnapshot) error {
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.populations == nil {
		return errNotInitialized
	}
	s.populations[snapshot.RunID] = copySnapshot(snapshot)
	return nil
}

func (s *MemoryStore) GetPopulation(_ context.Context, runID string) (model.PopulationSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.populations[runID]
	if !ok {
		return model.PopulationSnapshot{}, false, nil
	}
	return copySnapshot(snapshot), true, nil
}

func (s *MemoryStore) SaveLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lineage == nil {
		return errNotInitialized
	}
	s.lineage[runID] = append([]model.LineageRecord(nil), lineage...)
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, ok := s.lineage[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.LineageRecord(nil), lineage...), true, nil
}

func copySnapshot(snapshot model.PopulationSnapshot) model.PopulationSnapshot {
	genomes := make([][]byte, len(snapshot.Genomes))
	for i, buf := range snapshot.Genomes {
		genomes[i] = append([]byte(nil), buf...)
	}
	snapshot.Genomes = genomes
	return snapshot
}

// sortRuns orders runs oldest first, breaking ties by run id.
func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].RunID < runs[j].RunID
	})
}
