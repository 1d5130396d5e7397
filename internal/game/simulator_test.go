package game

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

// endless never reaches a terminal state on its own.
type endless struct{}

func (endless) Name() string                              { return "endless" }
func (endless) ObservationSize() int                      { return 1 }
func (endless) ActionSize() int                           { return 1 }
func (endless) InitialState(seed uint64) State            { return 0 }
func (endless) Step(state State, _ Action) (State, error) { return state.(int) + 1, nil }
func (endless) IsTerminal(State) bool                     { return false }
func (endless) Outcome(state State) model.Outcome         { return model.Outcome{Score: state.(int)} }
func (endless) Observe(State) []fixed.Q                   { return []fixed.Q{fixed.Zero} }

type brokenGame struct{ endless }

func (brokenGame) Step(State, Action) (State, error) { return nil, errors.New("boom") }

func idle(obs []fixed.Q) (Action, error) { return Action{fixed.Zero, fixed.Zero}, nil }

func TestSimulatorEnforcesStepBound(t *testing.T) {
	sim, err := NewSimulator(endless{}, 25)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	out, err := sim.Run(context.Background(), idle, 1)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if out.Cause != model.CauseTimeout || out.Steps != 25 || out.Score != 25 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if sim.Phase() != PhaseTerminal {
		t.Fatalf("expected terminal phase, got %s", sim.Phase())
	}
	if sim.TimedOut() == nil {
		t.Fatal("expected timeout descriptor")
	}
	if err := sim.Step(Action{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestSimulatorPhases(t *testing.T) {
	sim, err := NewSimulator(endless{}, 2)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	if err := sim.Step(Action{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	sim.Reset(0)
	if sim.Phase() != PhaseInitialized {
		t.Fatalf("expected initialized, got %s", sim.Phase())
	}
	if err := sim.Step(Action{}); err != nil {
		t.Fatalf("step: %v", err)
	}
	if sim.Phase() != PhaseRunning {
		t.Fatalf("expected running, got %s", sim.Phase())
	}
	err = sim.Step(Action{})
	var timeout *SimulationTimeoutError
	if !errors.As(err, &timeout) || timeout.MaxSteps != 2 {
		t.Fatalf("expected SimulationTimeoutError, got %v", err)
	}
	out, done := sim.Outcome()
	if !done || out.Cause != model.CauseTimeout {
		t.Fatalf("unexpected outcome %+v done=%v", out, done)
	}
}

func TestSimulatorPropagatesGameErrors(t *testing.T) {
	sim, err := NewSimulator(brokenGame{}, 10)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	if _, err := sim.Run(context.Background(), idle, 0); err == nil {
		t.Fatal("expected game error")
	}
}

func TestSimulatorRejectsInvalidBound(t *testing.T) {
	if _, err := NewSimulator(endless{}, 0); err == nil {
		t.Fatal("expected error for zero max steps")
	}
}

func TestSimulatorHonoursContext(t *testing.T) {
	sim, err := NewSimulator(endless{}, 100)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Run(ctx, idle, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTargetPerfectControllerWins(t *testing.T) {
	target := NewTarget(6)
	sim, err := NewSimulator(target, 100)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	mirror := func(obs []fixed.Q) (Action, error) { return Action(obs), nil }
	out, err := sim.Run(context.Background(), mirror, 42)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Cause != model.CauseWin || out.Score != 6 || out.Steps != 6 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestTargetTimesOutBeforeRoundsComplete(t *testing.T) {
	sim, err := NewSimulator(NewTarget(10), 4)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	out, err := sim.Run(context.Background(), idle, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Cause != model.CauseTimeout || out.Steps != 4 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestCoinRunDeterministic(t *testing.T) {
	script := func() Controller {
		step := 0
		return func(obs []fixed.Q) (Action, error) {
			step++
			move := fixed.FromInt(2)
			if (step/20)%2 == 1 {
				move = move.Neg()
			}
			jump := fixed.Zero
			if step%7 == 0 {
				jump = fixed.One
			}
			return Action{move, jump}, nil
		}
	}

	run := func(seed uint64) (model.Outcome, [][]fixed.Q) {
		g := NewCoinRun(DefaultMap(), 1000)
		sim, err := NewSimulator(g, 300)
		if err != nil {
			t.Fatalf("new simulator: %v", err)
		}
		var trace [][]fixed.Q
		ctrl := script()
		recording := func(obs []fixed.Q) (Action, error) {
			trace = append(trace, append([]fixed.Q(nil), obs...))
			return ctrl(obs)
		}
		out, err := sim.Run(context.Background(), recording, seed)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return out, trace
	}

	out1, trace1 := run(7)
	out2, trace2 := run(7)
	if out1 != out2 {
		t.Fatalf("outcomes differ: %+v vs %+v", out1, out2)
	}
	if !reflect.DeepEqual(trace1, trace2) {
		t.Fatal("observation traces differ for the same seed")
	}
	if out1.Steps > 300 {
		t.Fatalf("episode exceeded bound: %d", out1.Steps)
	}
}

func TestCoinRunCollectsCoinAndRespawnsIt(t *testing.T) {
	m, err := ParseMap("......\n......\n######")
	if err != nil {
		t.Fatalf("parse map: %v", err)
	}
	if len(m.Spawns) != 6 {
		t.Fatalf("expected 6 spawns, got %d", len(m.Spawns))
	}
	g := NewCoinRun(m, 3)
	s := coinRunState{
		rng:  NewRNG(5),
		p:    player{x: 1 * cellSize * subPixel, y: 1 * cellSize * subPixel},
		coin: TilePos{X: 1, Y: 1},
	}
	next, err := g.Step(s, Action{fixed.Zero, fixed.Zero})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	got := next.(coinRunState)
	if got.points != pointsPerCoin {
		t.Fatalf("expected %d points, got %d", pointsPerCoin, got.points)
	}
	if got.p.y != s.p.y || got.p.vy != 0 {
		t.Fatalf("grounded idle player should not move: %+v", got.p)
	}
	if !g.IsTerminal(next) {
		t.Fatal("expected win once the score target is reached")
	}
	if out := g.Outcome(next); out.Cause != model.CauseWin || out.Score != 3 || out.Steps != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestCoinRunJumpAndSpikes(t *testing.T) {
	m, err := ParseMap("......\n......\n......\n##^###")
	if err != nil {
		t.Fatalf("parse map: %v", err)
	}
	for _, spawn := range m.Spawns {
		if spawn.X == 2 {
			t.Fatal("spike must not produce a spawn point")
		}
	}
	g := NewCoinRun(m, 100)
	grounded := coinRunState{
		p:    player{x: 4 * cellSize * subPixel, y: 1 * cellSize * subPixel},
		coin: TilePos{X: 0, Y: 3},
	}
	next, err := g.Step(grounded, Action{fixed.Zero, fixed.One})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := next.(coinRunState).p; got.vy != jumpVel || got.y != grounded.p.y+jumpVel {
		t.Fatalf("expected jump, got %+v", got)
	}

	onSpike := coinRunState{
		p:    player{x: 2 * cellSize * subPixel, y: 1 * cellSize * subPixel},
		coin: TilePos{X: 0, Y: 3},
	}
	next, err = g.Step(onSpike, Action{})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !g.IsTerminal(next) || g.Outcome(next).Cause != model.CauseLoss {
		t.Fatalf("expected loss on spike, got %+v", g.Outcome(next))
	}
}

func TestCoinRunRejectsForeignState(t *testing.T) {
	g := NewCoinRun(nil, 0)
	if _, err := g.Step(targetState{}, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestParseMapErrors(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"ragged":    "...\n..\n###",
		"unknown":   "..x\n###",
		"no_spawns": "...\n...",
	}
	for name, text := range cases {
		if _, err := ParseMap(text); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRNGDeterministicAndBounded(t *testing.T) {
	a, b := NewRNG(99), NewRNG(99)
	for i := 0; i < 100; i++ {
		x, y := a.Intn(7), b.Intn(7)
		if x != y {
			t.Fatalf("streams diverged at %d", i)
		}
		if x < 0 || x >= 7 {
			t.Fatalf("value out of range: %d", x)
		}
	}
}

func TestRegistryBuiltIns(t *testing.T) {
	resetGameRegistryForTests()
	t.Cleanup(resetGameRegistryForTests)

	names := List()
	if !reflect.DeepEqual(names, []string{CoinDuelName, CoinRunName, TargetName}) {
		t.Fatalf("unexpected games %v", names)
	}
	g, err := Lookup(CoinRunName)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if g.ObservationSize() != 6 || g.ActionSize() != 2 {
		t.Fatalf("unexpected coinrun shape %d/%d", g.ObservationSize(), g.ActionSize())
	}
	if _, err := Lookup("missing"); !errors.Is(err, ErrGameNotFound) {
		t.Fatalf("expected ErrGameNotFound, got %v", err)
	}
	if err := Register(TargetName, func() Game { return NewTarget(1) }); !errors.Is(err, ErrGameExists) {
		t.Fatalf("expected ErrGameExists, got %v", err)
	}
}
