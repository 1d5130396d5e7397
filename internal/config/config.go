// Package config holds the run configuration: defaults, validation, and the
// INI and JSON loaders.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/ini.v1"

	"hwevolve/internal/evo"
	"hwevolve/internal/fitness"
	"hwevolve/internal/fixed"
	"hwevolve/internal/game"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/nn"
)

type Config struct {
	Run        RunConfig        `json:"run"`
	Population PopulationConfig `json:"population"`
	Variation  VariationConfig  `json:"variation"`
	Network    NetworkConfig    `json:"network"`
	Fitness    FitnessConfig    `json:"fitness"`
}

type RunConfig struct {
	Game                string `ini:"game" json:"game"`
	MaxGenerations      int    `ini:"max_generations" json:"max_generations"`
	FitnessThreshold    int64  `ini:"fitness_threshold" json:"fitness_threshold"`
	UseFitnessThreshold bool   `ini:"use_fitness_threshold" json:"use_fitness_threshold"`
	MaxSteps            int    `ini:"max_steps" json:"max_steps"`
	SeedsPerEval        int    `ini:"seeds_per_eval" json:"seeds_per_eval"`
	SeedChange          string `ini:"seed_change" json:"seed_change"`
	Seed                int64  `ini:"seed" json:"seed"`
	Workers             int    `ini:"workers" json:"workers"`
}

type PopulationConfig struct {
	Size           int    `ini:"size" json:"size"`
	EliteCount     int    `ini:"elite_count" json:"elite_count"`
	Selection      string `ini:"selection" json:"selection"`
	TournamentSize int    `ini:"tournament_size" json:"tournament_size"`
	// Opponents for two-player games; ignored otherwise.
	PriorBestSize     int `ini:"prior_best_size" json:"prior_best_size"`
	PriorBestInterval int `ini:"prior_best_interval" json:"prior_best_interval"`
	ReferencesSize    int `ini:"references_size" json:"references_size"`
}

type VariationConfig struct {
	Crossover      string  `ini:"crossover" json:"crossover"`
	CrossoverRate  float64 `ini:"crossover_rate" json:"crossover_rate"`
	CrossoverArity int     `ini:"crossover_arity" json:"crossover_arity"`
	MutationRate   float64 `ini:"mutation_rate" json:"mutation_rate"`
	// MutationMagnitude bounds each mutation delta. It must quantise to at
	// least one raw step whenever MutationRate is above zero.
	MutationMagnitude float64 `ini:"mutation_magnitude" json:"mutation_magnitude"`
	TaperMutation     bool    `ini:"taper_mutation" json:"taper_mutation"`
	WeightLimit       float64 `ini:"weight_limit" json:"weight_limit"`
	BiasLimit         float64 `ini:"bias_limit" json:"bias_limit"`
}

type NetworkConfig struct {
	// Topology lists layer sizes, e.g. "6,8,2".
	Topology         string `ini:"topology" json:"topology"`
	HiddenActivation string `ini:"hidden_activation" json:"hidden_activation"`
	OutputActivation string `ini:"output_activation" json:"output_activation"`
}

type FitnessConfig struct {
	PointWeight    int64 `ini:"point_weight" json:"point_weight"`
	StepWeight     int64 `ini:"step_weight" json:"step_weight"`
	WinBonus       int64 `ini:"win_bonus" json:"win_bonus"`
	TimeoutPenalty int64 `ini:"timeout_penalty" json:"timeout_penalty"`
}

func Default() Config {
	policy := fitness.DefaultPolicy()
	return Config{
		Run: RunConfig{
			Game:           game.CoinRunName,
			MaxGenerations: 100,
			MaxSteps:       400,
			SeedsPerEval:   4,
			SeedChange:     evo.SeedChangeNever,
			Seed:           1,
			Workers:        4,
		},
		Population: PopulationConfig{
			Size:           100,
			EliteCount:     2,
			Selection:      "tournament",
			TournamentSize: 3,

			PriorBestSize:     4,
			PriorBestInterval: evo.DefaultPriorBestInterval,
			ReferencesSize:    4,
		},
		Variation: VariationConfig{
			Crossover:         "kpoint",
			CrossoverRate:     0.7,
			CrossoverArity:    1,
			MutationRate:      0.05,
			MutationMagnitude: 0.25,
			TaperMutation:     true,
			WeightLimit:       2,
			BiasLimit:         7,
		},
		Network: NetworkConfig{
			Topology:         "6,8,2",
			HiddenActivation: nn.DefaultHiddenActivation,
			OutputActivation: nn.DefaultOutputActivation,
		},
		Fitness: FitnessConfig{
			PointWeight:    policy.PointWeight,
			StepWeight:     policy.StepWeight,
			WinBonus:       policy.WinBonus,
			TimeoutPenalty: policy.TimeoutPenalty,
		},
	}
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Problems lists the individual validation failures.
func (e *ValidationError) Problems() []string {
	errs := multierr.Errors(e.Err)
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	g, err := game.Lookup(c.Run.Game)
	if err != nil {
		add("run.game: %v", err)
	}
	if c.Run.MaxGenerations <= 0 {
		add("run.max_generations must be > 0, got %d", c.Run.MaxGenerations)
	}
	if c.Run.MaxSteps <= 0 {
		add("run.max_steps must be > 0, got %d", c.Run.MaxSteps)
	}
	if c.Run.SeedsPerEval <= 0 {
		add("run.seeds_per_eval must be > 0, got %d", c.Run.SeedsPerEval)
	}
	if c.Run.SeedChange != evo.SeedChangeNever && c.Run.SeedChange != evo.SeedChangePerGeneration {
		add("run.seed_change must be %q or %q, got %q", evo.SeedChangeNever, evo.SeedChangePerGeneration, c.Run.SeedChange)
	}
	if c.Run.Workers < 0 {
		add("run.workers must be >= 0, got %d", c.Run.Workers)
	}

	n := c.Population.Size
	if n <= 0 {
		add("population.size must be > 0, got %d", n)
	}
	if c.Population.EliteCount < 0 || c.Population.EliteCount > n {
		add("population.elite_count must be in [0, %d], got %d", n, c.Population.EliteCount)
	}
	switch c.Population.Selection {
	case "tournament":
		if c.Population.TournamentSize < 1 || c.Population.TournamentSize > n {
			add("population.tournament_size must be in [1, %d], got %d", n, c.Population.TournamentSize)
		}
	case "elite":
		if c.Population.EliteCount < 1 {
			add("population.elite_count must be >= 1 for elite selection")
		}
	default:
		add("population.selection: unknown strategy %q", c.Population.Selection)
	}
	if c.Population.PriorBestSize < 0 {
		add("population.prior_best_size must be >= 0, got %d", c.Population.PriorBestSize)
	}
	if c.Population.PriorBestInterval < 1 {
		add("population.prior_best_interval must be >= 1, got %d", c.Population.PriorBestInterval)
	}
	if c.Population.ReferencesSize < 0 {
		add("population.references_size must be >= 0, got %d", c.Population.ReferencesSize)
	}

	if !inUnit(c.Variation.CrossoverRate) {
		add("variation.crossover_rate must be in [0, 1], got %g", c.Variation.CrossoverRate)
	}
	if !inUnit(c.Variation.MutationRate) {
		add("variation.mutation_rate must be in [0, 1], got %g", c.Variation.MutationRate)
	}
	if _, err := evo.NewCrossover(c.Variation.Crossover, c.Variation.CrossoverArity); err != nil {
		add("variation.crossover: %v", err)
	}
	if c.Variation.CrossoverArity < 0 {
		add("variation.crossover_arity must be >= 0, got %d", c.Variation.CrossoverArity)
	}
	checkQ := func(name string, v float64) {
		if v < 0 {
			add("%s must be >= 0, got %g", name, v)
			return
		}
		if _, ok := fixed.FromFloat(v); !ok {
			add("%s %g is outside the fixed-point range", name, v)
		}
	}
	checkQ("variation.mutation_magnitude", c.Variation.MutationMagnitude)
	if magnitude, ok := fixed.FromFloat(c.Variation.MutationMagnitude); ok && magnitude == 0 && c.Variation.MutationRate > 0 {
		add("variation.mutation_magnitude must be at least one raw step (%g) when mutation_rate > 0", 1.0/float64(fixed.One))
	}
	checkQ("variation.weight_limit", c.Variation.WeightLimit)
	checkQ("variation.bias_limit", c.Variation.BiasLimit)

	topo, err := model.ParseTopology(c.Network.Topology)
	if err != nil {
		add("network.topology: %v", err)
	} else {
		if c.Variation.Crossover == "kpoint" && c.Variation.CrossoverArity >= topo.ParamCount() {
			add("variation.crossover_arity %d must be below the parameter count %d", c.Variation.CrossoverArity, topo.ParamCount())
		}
		if g != nil && (topo.Inputs() != g.ObservationSize() || topo.Outputs() != g.ActionSize()) {
			add("network.topology %s does not fit game %s: needs %d inputs and %d outputs",
				topo, g.Name(), g.ObservationSize(), g.ActionSize())
		}
	}
	if _, err := nn.NewEvaluator(c.Network.HiddenActivation, c.Network.OutputActivation); err != nil {
		add("network: %v", err)
	}
	if err := c.policy().Validate(); err != nil {
		add("fitness: %v", err)
	}

	if errs != nil {
		return &ValidationError{Err: errs}
	}
	return nil
}

func inUnit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func (c Config) policy() fitness.Policy {
	return fitness.Policy{
		PointWeight:    c.Fitness.PointWeight,
		StepWeight:     c.Fitness.StepWeight,
		WinBonus:       c.Fitness.WinBonus,
		TimeoutPenalty: c.Fitness.TimeoutPenalty,
	}
}

// Topology parses the network topology.
func (c Config) Topology() (model.Topology, error) {
	return model.ParseTopology(c.Network.Topology)
}

// Limits converts the parameter clamps to fixed point.
func (c Config) Limits() genome.Limits {
	w, _ := fixed.FromFloat(c.Variation.WeightLimit)
	b, _ := fixed.FromFloat(c.Variation.BiasLimit)
	return genome.Limits{Weight: w, Bias: b}
}

// Build validates c and resolves every named strategy into a monitor
// configuration.
func (c Config) Build() (evo.MonitorConfig, error) {
	if err := c.Validate(); err != nil {
		return evo.MonitorConfig{}, err
	}
	g, err := game.Lookup(c.Run.Game)
	if err != nil {
		return evo.MonitorConfig{}, err
	}
	topo, err := c.Topology()
	if err != nil {
		return evo.MonitorConfig{}, err
	}
	evaluator, err := nn.NewEvaluator(c.Network.HiddenActivation, c.Network.OutputActivation)
	if err != nil {
		return evo.MonitorConfig{}, err
	}
	selectorSize := c.Population.TournamentSize
	if c.Population.Selection == "elite" {
		selectorSize = c.Population.EliteCount
	}
	selector, err := evo.NewSelector(c.Population.Selection, selectorSize)
	if err != nil {
		return evo.MonitorConfig{}, err
	}
	crossover, err := evo.NewCrossover(c.Variation.Crossover, c.Variation.CrossoverArity)
	if err != nil {
		return evo.MonitorConfig{}, err
	}
	magnitude, _ := fixed.FromFloat(c.Variation.MutationMagnitude)

	out := evo.MonitorConfig{
		Game:      g,
		Evaluator: evaluator,
		Scorer:    c.policy(),
		Selector:  selector,
		Crossover: crossover,
		Mutation: evo.Mutation{
			Rate:      c.Variation.MutationRate,
			Magnitude: magnitude,
			Taper:     c.Variation.TaperMutation,
			Limits:    c.Limits(),
		},
		Topology:       topo,
		PopulationSize: c.Population.Size,
		EliteCount:     c.Population.EliteCount,
		CrossoverRate:  c.Variation.CrossoverRate,
		MaxGenerations: c.Run.MaxGenerations,
		MaxSteps:       c.Run.MaxSteps,
		SeedsPerEval:   c.Run.SeedsPerEval,
		SeedChange:     c.Run.SeedChange,
		Workers:        c.Run.Workers,
		Seed:           c.Run.Seed,

		PriorBestSize:     c.Population.PriorBestSize,
		PriorBestInterval: c.Population.PriorBestInterval,
		ReferencesSize:    c.Population.ReferencesSize,
	}
	if c.Run.UseFitnessThreshold {
		threshold := model.Fitness(c.Run.FitnessThreshold)
		out.FitnessThreshold = &threshold
	}
	return out, nil
}

// Load reads an INI file (.ini, .cfg) or a JSON file, layered over Default.
func Load(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg":
		return LoadINI(path)
	default:
		return LoadJSON(path)
	}
}

// LoadINI reads sections [run], [population], [variation], [network] and
// [fitness]. Keys that are absent keep their default.
func LoadINI(path string) (Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:         true,
		UnescapeValueCommentSymbols: true,
	}, path)
	if err != nil {
		return Config{}, fmt.Errorf("load config file %q: %w", path, err)
	}

	cfg := Default()
	sections := []struct {
		name   string
		target any
	}{
		{"run", &cfg.Run},
		{"population", &cfg.Population},
		{"variation", &cfg.Variation},
		{"network", &cfg.Network},
		{"fitness", &cfg.Fitness},
	}
	for _, s := range sections {
		if !file.HasSection(s.name) {
			continue
		}
		if err := file.Section(s.name).MapTo(s.target); err != nil {
			return Config{}, fmt.Errorf("map [%s] section: %w", s.name, err)
		}
	}
	cfg.clean()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadJSON reads a JSON document shaped like Config. Fields that are absent
// keep their default.
func LoadJSON(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	cfg.clean()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) clean() {
	c.Run.Game = cleanString(c.Run.Game)
	c.Run.SeedChange = cleanString(c.Run.SeedChange)
	c.Population.Selection = cleanString(c.Population.Selection)
	c.Variation.Crossover = cleanString(c.Variation.Crossover)
	c.Network.Topology = strings.TrimSpace(c.Network.Topology)
	c.Network.HiddenActivation = cleanString(c.Network.HiddenActivation)
	c.Network.OutputActivation = cleanString(c.Network.OutputActivation)
}

func cleanString(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), `"'`))
}
