package stats

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"hwevolve/internal/config"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/storage"
)

const (
	runIndexFile = "run_index.json"

	configFile      = "config.json"
	historyFile     = "fitness_history.json"
	diagnosticsFile = "generation_diagnostics.json"
	lineageFile     = "lineage.json"
	summaryFile     = "summary.json"
	seriesFile      = "fitness_series.csv"
	bestBinFile     = "best.bin"
	bestHexFile     = "best.hex"
	populationFile  = "population.json"
)

// RunArtifacts is everything written under <base>/<run id>.
type RunArtifacts struct {
	RunID            string
	Config           config.Config
	BestByGeneration []model.Fitness
	History          []model.GenerationDiagnostics
	Lineage          []model.LineageRecord
	Best             model.Genome
	BestFitness      model.Fitness
	StopReason       string
	// Population is the final population; nil skips population.json.
	Population *model.PopulationSnapshot
}

type fitnessHistory struct {
	BestByGeneration []model.Fitness `json:"best_by_generation"`
	FinalBest        model.Fitness   `json:"final_best"`
	StopReason       string          `json:"stop_reason,omitempty"`
}

type RunIndexEntry struct {
	RunID          string        `json:"run_id"`
	Game           string        `json:"game"`
	Topology       string        `json:"topology"`
	PopulationSize int           `json:"population_size"`
	Generations    int           `json:"generations"`
	Seed           int64         `json:"seed"`
	Workers        int           `json:"workers"`
	FinalBest      model.Fitness `json:"final_best"`
	StopReason     string        `json:"stop_reason"`
	CreatedAtUTC   string        `json:"created_at_utc"`
}

// WriteRunArtifacts writes the run directory and returns its path. The best
// genome is written both as a codec buffer and as a hex word dump.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	final := model.Fitness(0)
	if n := len(artifacts.BestByGeneration); n > 0 {
		final = artifacts.BestByGeneration[n-1]
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), fitnessHistory{
		BestByGeneration: artifacts.BestByGeneration,
		FinalBest:        final,
		StopReason:       artifacts.StopReason,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, diagnosticsFile), artifacts.History); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lineageFile), artifacts.Lineage); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), BuildSummary(artifacts.RunID, artifacts.Config.Run.Game, artifacts.History)); err != nil {
		return "", err
	}
	if err := WriteFitnessSeries(runDir, artifacts.History); err != nil {
		return "", err
	}
	if len(artifacts.Best.Params) > 0 {
		if err := WriteBestGenome(runDir, artifacts.Best); err != nil {
			return "", err
		}
	}
	if artifacts.Population != nil {
		data, err := storage.EncodePopulation(*artifacts.Population)
		if err != nil {
			return "", fmt.Errorf("encode population: %w", err)
		}
		if err := os.WriteFile(filepath.Join(runDir, populationFile), data, 0o644); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

// ReadPopulation decodes the final population snapshot of a run.
func ReadPopulation(baseDir, runID string) (model.PopulationSnapshot, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, populationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.PopulationSnapshot{}, false, nil
		}
		return model.PopulationSnapshot{}, false, err
	}
	snapshot, err := storage.DecodePopulation(data)
	if err != nil {
		return model.PopulationSnapshot{}, false, fmt.Errorf("decode population of %s: %w", runID, err)
	}
	return snapshot, true, nil
}

// WriteBestGenome writes best.bin (codec buffer) and best.hex (one 16-bit
// word per line) into runDir.
func WriteBestGenome(runDir string, g model.Genome) (err error) {
	buf, err := genome.Encode(g)
	if err != nil {
		return fmt.Errorf("encode best genome: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, bestBinFile), buf, 0o644); err != nil {
		return err
	}

	out, err := os.Create(filepath.Join(runDir, bestHexFile))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()
	return genome.WriteHex(out, g)
}

// ReadBestGenome decodes best.bin of a run.
func ReadBestGenome(baseDir, runID string) (model.Genome, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, bestBinFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Genome{}, false, nil
		}
		return model.Genome{}, false, err
	}
	g, err := genome.DecodeAny(data)
	if err != nil {
		return model.Genome{}, false, fmt.Errorf("decode best genome of %s: %w", runID, err)
	}
	return g, true, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := readRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// readRunIndex returns entries in append order.
func readRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	entries, err := readRunIndex(baseDir)
	if err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory to outDir/<run id>. Optional
// files that were never written are skipped.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, diagnosticsFile, lineageFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{summaryFile, seriesFile, bestBinFile, bestHexFile, populationFile} {
		err := copyFile(filepath.Join(src, file), filepath.Join(dst, file))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (config.Config, bool, error) {
	var cfg config.Config
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	if err != nil || !ok {
		return config.Config{}, ok, err
	}
	return cfg, true, nil
}

func ReadFitnessHistory(baseDir, runID string) ([]model.Fitness, bool, error) {
	var history fitnessHistory
	ok, err := readJSON(filepath.Join(baseDir, runID, historyFile), &history)
	if err != nil || !ok {
		return nil, ok, err
	}
	return history.BestByGeneration, true, nil
}

func ReadGenerationDiagnostics(baseDir, runID string) ([]model.GenerationDiagnostics, bool, error) {
	var history []model.GenerationDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, diagnosticsFile), &history)
	if err != nil || !ok {
		return nil, ok, err
	}
	return history, true, nil
}

// WriteFitnessSeries writes generation,best,mean,worst,failures rows.
func WriteFitnessSeries(runDir string, history []model.GenerationDiagnostics) (err error) {
	file, err := os.Create(filepath.Join(runDir, seriesFile))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"generation", "best_fitness", "mean_fitness", "worst_fitness", "failures"}); err != nil {
		return err
	}
	for _, diag := range history {
		if err := writer.Write([]string{
			strconv.Itoa(diag.Generation),
			strconv.FormatInt(int64(diag.BestFitness), 10),
			strconv.FormatFloat(diag.MeanFitness, 'f', -1, 64),
			strconv.FormatInt(int64(diag.WorstFitness), 10),
			strconv.Itoa(len(diag.Failures)),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadFitnessSeries returns the best fitness column of fitness_series.csv.
func ReadFitnessSeries(baseDir, runID string) (series []model.Fitness, ok bool, err error) {
	file, err := os.Open(filepath.Join(baseDir, runID, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.Fitness{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("fitness series header must have at least 2 columns")
	}

	series = make([]model.Fitness, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseInt(record[1], 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("fitness series row %d: %w", len(series)+1, err)
		}
		series = append(series, model.Fitness(value))
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, in.Close())
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, out.Close())
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
