package model

import (
	"fmt"
	"strconv"
	"strings"

	"hwevolve/internal/fixed"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// GenomeID identifies a genome within a run. IDs are assigned in creation
// order, so lower IDs are older genomes.
type GenomeID uint64

func (id GenomeID) String() string {
	return "g" + strconv.FormatUint(uint64(id), 10)
}

// Topology lists layer sizes from the input layer to the output layer.
type Topology struct {
	Layers []int `json:"layers"`
}

func NewTopology(layers ...int) Topology {
	return Topology{Layers: append([]int(nil), layers...)}
}

// ParseTopology reads "12,8,3" or "12x8x3".
func ParseTopology(raw string) (Topology, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Topology{}, fmt.Errorf("topology is empty")
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == 'x' || r == ' '
	})
	layers := make([]int, 0, len(fields))
	for _, field := range fields {
		size, err := strconv.Atoi(field)
		if err != nil {
			return Topology{}, fmt.Errorf("parse layer size %q: %w", field, err)
		}
		layers = append(layers, size)
	}
	topo := Topology{Layers: layers}
	if err := topo.Validate(); err != nil {
		return Topology{}, err
	}
	return topo, nil
}

func (t Topology) Validate() error {
	if len(t.Layers) < 2 {
		return fmt.Errorf("topology needs at least input and output layers, got %d", len(t.Layers))
	}
	for i, size := range t.Layers {
		if size <= 0 {
			return fmt.Errorf("layer %d size must be > 0, got %d", i, size)
		}
	}
	return nil
}

func (t Topology) Inputs() int {
	if len(t.Layers) == 0 {
		return 0
	}
	return t.Layers[0]
}

func (t Topology) Outputs() int {
	if len(t.Layers) == 0 {
		return 0
	}
	return t.Layers[len(t.Layers)-1]
}

// ParamCount is the number of weights plus biases the topology requires.
// Parameters are laid out per layer as an out x in weight matrix, row-major,
// followed by that layer's out biases.
func (t Topology) ParamCount() int {
	total := 0
	for i := 1; i < len(t.Layers); i++ {
		total += t.Layers[i-1]*t.Layers[i] + t.Layers[i]
	}
	return total
}

func (t Topology) Equal(o Topology) bool {
	if len(t.Layers) != len(o.Layers) {
		return false
	}
	for i := range t.Layers {
		if t.Layers[i] != o.Layers[i] {
			return false
		}
	}
	return true
}

func (t Topology) String() string {
	parts := make([]string, len(t.Layers))
	for i, size := range t.Layers {
		parts[i] = strconv.Itoa(size)
	}
	return strings.Join(parts, "x")
}

// Genome is one candidate controller. A genome is treated as immutable once
// it has been placed in a population.
type Genome struct {
	ID       GenomeID  `json:"id"`
	Topology Topology  `json:"topology"`
	Params   []fixed.Q `json:"params"`
}

func (g Genome) Clone() Genome {
	return Genome{
		ID:       g.ID,
		Topology: NewTopology(g.Topology.Layers...),
		Params:   append([]fixed.Q(nil), g.Params...),
	}
}

// Fitness is a totally ordered score; higher is fitter.
type Fitness int64

// TerminationCause says why a game reached its terminal state.
type TerminationCause string

const (
	CauseWin     TerminationCause = "win"
	CauseLoss    TerminationCause = "loss"
	CauseTimeout TerminationCause = "timeout"
	CauseFailed  TerminationCause = "failed"
)

// Outcome describes a finished game.
type Outcome struct {
	Score int              `json:"score"`
	Steps int              `json:"steps"`
	Cause TerminationCause `json:"cause"`
}

// FitnessRecord is the evaluation result for one genome in one generation.
type FitnessRecord struct {
	GenomeID         GenomeID  `json:"genome_id"`
	Fitness          Fitness   `json:"fitness"`
	PriorBestFitness Fitness   `json:"prior_best_fitness,omitempty"`
	RefFitness       Fitness   `json:"ref_fitness,omitempty"`
	Episodes         []Outcome `json:"episodes,omitempty"`
	Failure          string    `json:"failure,omitempty"`
}

// FitnessRecords maps genome ids to their record for the generation in progress.
type FitnessRecords map[GenomeID]FitnessRecord

// EvaluationFailure reports a genome whose evaluation raised an error.
type EvaluationFailure struct {
	GenomeID GenomeID `json:"genome_id"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
}

// GenerationDiagnostics is the per-generation report.
type GenerationDiagnostics struct {
	Generation     int      `json:"generation"`
	PopulationSize int      `json:"population_size"`
	BestFitness    Fitness  `json:"best_fitness"`
	MeanFitness    float64  `json:"mean_fitness"`
	WorstFitness   Fitness  `json:"worst_fitness"`
	BestGenomeID   GenomeID `json:"best_genome_id"`
	// MeanRefFitness tracks play against the fixed reference opponents, so
	// it is comparable across generations.
	MeanRefFitness float64             `json:"mean_ref_fitness,omitempty"`
	Failures       []EvaluationFailure `json:"failures,omitempty"`
}

// BestRecord is the persisted champion of one generation. Buffer holds the
// genome in codec format.
type BestRecord struct {
	VersionedRecord
	RunID      string   `json:"run_id"`
	Generation int      `json:"generation"`
	GenomeID   GenomeID `json:"genome_id"`
	Fitness    Fitness  `json:"fitness"`
	Buffer     []byte   `json:"buffer"`
}

// PopulationSnapshot is a persisted population, each genome in codec format.
type PopulationSnapshot struct {
	VersionedRecord
	RunID      string   `json:"run_id"`
	Generation int      `json:"generation"`
	NextID     GenomeID `json:"next_id"`
	Genomes    [][]byte `json:"genomes"`
}

// RunRecord summarises a finished run for listing.
type RunRecord struct {
	VersionedRecord
	RunID          string  `json:"run_id"`
	Game           string  `json:"game"`
	Topology       string  `json:"topology"`
	PopulationSize int     `json:"population_size"`
	Generations    int     `json:"generations"`
	Seed           int64   `json:"seed"`
	FinalBest      Fitness `json:"final_best"`
	StopReason     string  `json:"stop_reason"`
	CreatedAtUTC   string  `json:"created_at_utc"`
}

// LineageRecord documents how a genome of the next generation was produced.
type LineageRecord struct {
	GenomeID   GenomeID   `json:"genome_id"`
	Parents    []GenomeID `json:"parents,omitempty"`
	Generation int        `json:"generation"`
	Operation  string     `json:"operation"`
	CutPoints  []int      `json:"cut_points,omitempty"`
	Mutations  int        `json:"mutations"`
}
