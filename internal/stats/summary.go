package stats

import (
	"math"
	"path/filepath"

	"hwevolve/internal/fitness"
	"hwevolve/internal/model"
)

// Summary condenses a run's per-generation diagnostics.
type Summary struct {
	RunID       string        `json:"run_id"`
	Game        string        `json:"game"`
	Generations int           `json:"generations"`
	InitialBest model.Fitness `json:"initial_best"`
	FinalBest   model.Fitness `json:"final_best"`
	PeakBest    model.Fitness `json:"peak_best"`
	BestMean    float64       `json:"best_mean"`
	BestStd     float64       `json:"best_std"`
	Improvement model.Fitness `json:"improvement"`
	Failures    int           `json:"failures"`
	// Monotonic reports whether best fitness never dropped between
	// generations. It holds for elitist runs with fixed evaluation seeds.
	Monotonic bool `json:"monotonic"`
}

func BuildSummary(runID, gameName string, history []model.GenerationDiagnostics) Summary {
	summary := Summary{RunID: runID, Game: gameName, Generations: len(history), Monotonic: true}
	if len(history) == 0 {
		return summary
	}

	summary.InitialBest = history[0].BestFitness
	summary.FinalBest = history[len(history)-1].BestFitness
	summary.PeakBest = history[0].BestFitness
	values := make([]float64, 0, len(history))
	for i, diag := range history {
		summary.Failures += len(diag.Failures)
		if diag.BestFitness > summary.PeakBest {
			summary.PeakBest = diag.BestFitness
		}
		if i > 0 && diag.BestFitness < history[i-1].BestFitness {
			summary.Monotonic = false
		}
		values = append(values, float64(diag.BestFitness))
	}
	summary.BestMean, summary.BestStd = meanStd(values)
	if summary.InitialBest != fitness.MinFitness {
		summary.Improvement = summary.FinalBest - summary.InitialBest
	}
	return summary
}

func ReadSummary(baseDir, runID string) (Summary, bool, error) {
	var summary Summary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	if err != nil || !ok {
		return Summary{}, ok, err
	}
	return summary, true, nil
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}
