// Package game defines the game collaborator contract and the step-bounded
// simulator that drives a controller through one episode.
package game

import (
	"errors"
	"fmt"

	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

var (
	ErrTerminal     = errors.New("simulation already terminal")
	ErrNotStarted   = errors.New("simulation not started")
	ErrInvalidState = errors.New("state does not belong to this game")
)

// State is opaque to the simulator; only the game that produced it may
// interpret it.
type State any

// Action is the raw controller output vector. Each game decides how to map
// it onto its own inputs.
type Action []fixed.Q

// Game is a deterministic single-player environment. Given the same seed
// and the same action sequence it must produce identical states.
type Game interface {
	Name() string
	ObservationSize() int
	ActionSize() int
	InitialState(seed uint64) State
	Step(state State, action Action) (State, error)
	IsTerminal(state State) bool
	// Outcome describes state. Cause is only meaningful once IsTerminal
	// reports true.
	Outcome(state State) model.Outcome
	Observe(state State) []fixed.Q
}

// Duel is a two-player game. Player one is the controller under evaluation;
// player two is driven by an opponent controller that sees the board from
// its own side.
type Duel interface {
	Game
	ObserveOpponent(state State) []fixed.Q
	StepDuel(state State, action, opponent Action) (State, error)
}

// SimulationTimeoutError reports that the step bound ended the episode. It
// marks a normal terminal outcome, not a failure.
type SimulationTimeoutError struct {
	Game     string
	MaxSteps int
}

func (e *SimulationTimeoutError) Error() string {
	return fmt.Sprintf("game %s reached step limit %d", e.Game, e.MaxSteps)
}

func invalidState(g Game, state State) error {
	return fmt.Errorf("%w: %s got %T", ErrInvalidState, g.Name(), state)
}
