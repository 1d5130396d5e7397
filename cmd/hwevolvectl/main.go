package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hwevolve/internal/config"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
	"hwevolve/internal/storage"
	api "hwevolve/pkg/hwevolve"
)

const (
	runsDir    = "runs"
	exportsDir = "exports"
	dbPath     = "hwevolve.db"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "best":
		return runBest(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "replay":
		return runReplay(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "decode":
		return runDecode(ctx, args[1:])
	case "validate":
		return runValidate(ctx, args[1:])
	case "games":
		return runGames(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	kind *string
	path *string
	runs *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind: fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		path: fs.String("db-path", dbPath, "sqlite database path"),
		runs: fs.String("runs-dir", runsDir, "run artifacts directory"),
	}
}

func (f storeFlags) client(logger *log.Logger) (*api.Client, error) {
	return api.New(api.Options{
		StoreKind:  *f.kind,
		DBPath:     *f.path,
		RunsDir:    *f.runs,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
}

type refFlags struct {
	runID  *string
	latest *bool
}

func addRefFlags(fs *flag.FlagSet) refFlags {
	return refFlags{
		runID:  fs.String("run-id", "", "run id"),
		latest: fs.Bool("latest", false, "use the most recent run"),
	}
}

func (f refFlags) ref() api.RunRef {
	return api.RunRef{RunID: *f.runID, Latest: *f.latest}
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	configPath := fs.String("config", "", "INI or JSON run configuration")
	runID := fs.String("run-id", "", "explicit run id (default: random uuid)")
	continueFrom := fs.String("continue", "", "seed the run with the final population of this run id")
	gameName := fs.String("game", "", "game override")
	gens := fs.Int("gens", 0, "max generations override")
	pop := fs.Int("pop", 0, "population size override")
	seed := fs.Int64("seed", 0, "seed override")
	workers := fs.Int("workers", 0, "evaluation workers override")
	topology := fs.String("topology", "", "network topology override, e.g. 6,8,2")
	verbose := fs.Bool("v", false, "log per-generation progress to stderr")
	jsonOut := fs.Bool("json", false, "emit the run summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Only flags given on the command line override the configuration.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "game":
			cfg.Run.Game = *gameName
		case "gens":
			cfg.Run.MaxGenerations = *gens
		case "pop":
			cfg.Population.Size = *pop
		case "seed":
			cfg.Run.Seed = *seed
		case "workers":
			cfg.Run.Workers = *workers
		case "topology":
			cfg.Network.Topology = *topology
		}
	})

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "[hwevolve] ", log.LstdFlags)
	}
	client, err := stores.client(logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, api.RunRequest{
		Config:       &cfg,
		RunID:        *runID,
		ContinueFrom: *continueFrom,
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		return writeJSON(map[string]any{
			"run_id":             summary.RunID,
			"artifacts_dir":      summary.ArtifactsDir,
			"best_by_generation": summary.BestByGeneration,
			"final_best":         summary.FinalBest,
			"best_genome_id":     summary.Best.ID,
			"stop_reason":        summary.StopReason,
			"generations":        summary.Generations,
			"failures":           summary.Failures,
			"elapsed_ms":         summary.Elapsed.Milliseconds(),
		})
	}
	fmt.Fprintf(stdout, "run_id=%s game=%s generations=%d stop=%s\n", summary.RunID, cfg.Run.Game, summary.Generations, summary.StopReason)
	fmt.Fprintf(stdout, "best=%s genome=%s buffer=%s failures=%d elapsed=%s\n",
		formatFitness(summary.FinalBest), summary.Best.ID, humanize.Bytes(uint64(len(summary.BestBuffer))),
		summary.Failures, summary.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(stdout, "artifacts=%s\n", summary.ArtifactsDir)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := stores.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	entries, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s game=%s topology=%s pop=%d gens=%d seed=%d best=%s stop=%s created=%s\n",
			e.RunID, e.Game, e.Topology, e.PopulationSize, e.Generations, e.Seed,
			formatFitness(e.FinalBest), e.StopReason, formatCreated(e.CreatedAtUTC))
	}
	return nil
}

func runBest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("best", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	ref := addRefFlags(fs)
	gen := fs.Int("gen", -1, "generation (default: the fittest champion)")
	out := fs.String("out", "", "write the codec buffer to this file")
	hexOut := fs.String("hex", "", "write one 16-bit hex word per line to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := stores.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	req := api.BestRequest{RunRef: ref.ref()}
	if *gen >= 0 {
		req.Generation = gen
	}
	rec, err := client.Best(ctx, req)
	if err != nil {
		return err
	}
	g, err := client.Decode(rec.Buffer)
	if err != nil {
		return err
	}

	if *out != "" {
		if err := os.WriteFile(*out, rec.Buffer, 0o644); err != nil {
			return err
		}
	}
	if *hexOut != "" {
		if err := writeHexFile(*hexOut, g); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "run_id=%s generation=%d genome=%s fitness=%s topology=%s params=%d buffer=%s\n",
		rec.RunID, rec.Generation, rec.GenomeID, formatFitness(rec.Fitness), g.Topology,
		len(g.Params), humanize.Bytes(uint64(len(rec.Buffer))))
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	ref := addRefFlags(fs)
	limit := fs.Int("limit", 0, "max generations to show (0 = all)")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := stores.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	history, err := client.History(ctx, api.HistoryRequest{RunRef: ref.ref(), Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(history)
	}
	for _, diag := range history {
		fmt.Fprintf(stdout, "gen=%d size=%d best=%s (%s) mean=%.2f worst=%s failures=%d\n",
			diag.Generation, diag.PopulationSize, formatFitness(diag.BestFitness), diag.BestGenomeID,
			diag.MeanFitness, formatFitness(diag.WorstFitness), len(diag.Failures))
		for _, failure := range diag.Failures {
			fmt.Fprintf(stdout, "  failed %s kind=%s: %s\n", failure.GenomeID, failure.Kind, failure.Message)
		}
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	ref := addRefFlags(fs)
	limit := fs.Int("limit", 50, "max lineage records to show (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	client, err := stores.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	lineage, err := client.Lineage(ctx, ref.ref())
	if err != nil {
		return err
	}
	if *limit > 0 && len(lineage) > *limit {
		lineage = lineage[:*limit]
	}
	for _, rec := range lineage {
		fmt.Fprintf(stdout, "gen=%d genome=%s op=%s parents=%s cuts=%v mutations=%d\n",
			rec.Generation, rec.GenomeID, rec.Operation, formatParents(rec.Parents), rec.CutPoints, rec.Mutations)
	}
	return nil
}

func runReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	ref := addRefFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := stores.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	summary, err := client.Replay(ctx, api.ReplayRequest{RunRef: ref.ref()})
	if err != nil {
		return err
	}
	for i, ep := range summary.Episodes {
		fmt.Fprintf(stdout, "episode=%d score=%d steps=%d cause=%s\n", i, ep.Score, ep.Steps, ep.Cause)
	}
	fmt.Fprintf(stdout, "run_id=%s genome=%s fitness=%s\n", summary.RunID, summary.GenomeID, formatFitness(summary.Fitness))
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	stores := addStoreFlags(fs)
	ref := addRefFlags(fs)
	outDir := fs.String("out", exportsDir, "export directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := stores.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	exported, err := client.Export(ctx, api.ExportRequest{RunRef: ref.ref(), OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runDecode(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	in := fs.String("in", "", "codec buffer file")
	hexIn := fs.String("hex", "", "hex word file (requires -topology)")
	topology := fs.String("topology", "", "topology of a hex word file, e.g. 6,8,2")
	jsonOut := fs.Bool("json", false, "emit the genome as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*in == "") == (*hexIn == "") {
		return errors.New("decode requires exactly one of -in or -hex")
	}

	var g model.Genome
	if *in != "" {
		data, err := os.ReadFile(*in)
		if err != nil {
			return err
		}
		g, err = genome.DecodeAny(data)
		if err != nil {
			return err
		}
	} else {
		if *topology == "" {
			return errors.New("-hex requires -topology")
		}
		topo, err := model.ParseTopology(*topology)
		if err != nil {
			return err
		}
		file, err := os.Open(*hexIn)
		if err != nil {
			return err
		}
		defer file.Close()
		g, err = genome.ReadHex(file, 0, topo)
		if err != nil {
			return err
		}
	}

	if *jsonOut {
		return writeJSON(g)
	}
	fmt.Fprintf(stdout, "genome=%s topology=%s params=%d\n", g.ID, g.Topology, len(g.Params))
	values := make([]string, len(g.Params))
	for i, p := range g.Params {
		values[i] = p.String()
	}
	fmt.Fprintln(stdout, strings.Join(values, " "))
	return nil
}

func runValidate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "INI or JSON run configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("validate requires -config")
	}
	// Load validates, so every problem surfaces here.
	cfg, err := config.Load(*configPath)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, problem := range verr.Problems() {
				fmt.Fprintf(stdout, "invalid: %s\n", problem)
			}
		}
		return err
	}
	fmt.Fprintf(stdout, "config ok: game=%s topology=%s pop=%d gens=%d\n",
		cfg.Run.Game, cfg.Network.Topology, cfg.Population.Size, cfg.Run.MaxGenerations)
	return nil
}

func runGames(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("games", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := api.New(api.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	for _, name := range client.Games() {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

func writeHexFile(path string, g model.Genome) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := genome.WriteHex(file, g); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func writeJSON(value any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func formatFitness(f model.Fitness) string {
	return humanize.Comma(int64(f))
}

func formatCreated(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return humanize.Time(t)
}

func formatParents(parents []model.GenomeID) string {
	if len(parents) == 0 {
		return "-"
	}
	parts := make([]string, len(parents))
	for i, p := range parents {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: hwevolvectl <run|runs|best|history|lineage|replay|export|decode|validate|games> [flags]", msg)
}
