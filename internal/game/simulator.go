package game

import (
	"context"
	"errors"
	"fmt"

	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

type Phase int

const (
	PhaseInitialized Phase = iota
	PhaseRunning
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialized:
		return "initialized"
	case PhaseRunning:
		return "running"
	case PhaseTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Controller maps an observation to an action.
type Controller func(observation []fixed.Q) (Action, error)

// Simulator drives one episode of a game and guarantees it ends within
// MaxSteps steps.
type Simulator struct {
	game     Game
	maxSteps int

	phase   Phase
	state   State
	steps   int
	outcome model.Outcome
	timeout *SimulationTimeoutError
}

func NewSimulator(g Game, maxSteps int) (*Simulator, error) {
	if g == nil {
		return nil, errors.New("game is required")
	}
	if maxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be > 0, got %d", maxSteps)
	}
	return &Simulator{game: g, maxSteps: maxSteps}, nil
}

// Reset starts a new episode from seed.
func (s *Simulator) Reset(seed uint64) {
	s.state = s.game.InitialState(seed)
	s.phase = PhaseInitialized
	s.steps = 0
	s.outcome = model.Outcome{}
	s.timeout = nil
	if s.game.IsTerminal(s.state) {
		s.finish(false)
	}
}

func (s *Simulator) Phase() Phase { return s.phase }

func (s *Simulator) Steps() int { return s.steps }

func (s *Simulator) Observe() ([]fixed.Q, error) {
	if s.state == nil {
		return nil, ErrNotStarted
	}
	return s.game.Observe(s.state), nil
}

// Step applies one action. When the step bound is reached the episode
// becomes terminal with cause timeout and a *SimulationTimeoutError is
// returned alongside the terminal phase.
func (s *Simulator) Step(action Action) error {
	return s.advance(func() (State, error) {
		return s.game.Step(s.state, action)
	})
}

// StepDuel applies one action for each player of a Duel game.
func (s *Simulator) StepDuel(action, opponent Action) error {
	duel, ok := s.game.(Duel)
	if !ok {
		return fmt.Errorf("game %s has no second player", s.game.Name())
	}
	return s.advance(func() (State, error) {
		return duel.StepDuel(s.state, action, opponent)
	})
}

func (s *Simulator) advance(step func() (State, error)) error {
	switch s.phase {
	case PhaseTerminal:
		return ErrTerminal
	case PhaseInitialized:
		if s.state == nil {
			return ErrNotStarted
		}
		s.phase = PhaseRunning
	}

	next, err := step()
	if err != nil {
		return fmt.Errorf("step %d: %w", s.steps, err)
	}
	s.state = next
	s.steps++

	if s.game.IsTerminal(s.state) {
		s.finish(false)
		return nil
	}
	if s.steps >= s.maxSteps {
		s.finish(true)
		return s.timeout
	}
	return nil
}

func (s *Simulator) finish(timedOut bool) {
	s.phase = PhaseTerminal
	s.outcome = s.game.Outcome(s.state)
	s.outcome.Steps = s.steps
	if timedOut {
		s.outcome.Cause = model.CauseTimeout
		s.timeout = &SimulationTimeoutError{Game: s.game.Name(), MaxSteps: s.maxSteps}
	}
}

// Outcome is valid once the simulator is terminal.
func (s *Simulator) Outcome() (model.Outcome, bool) {
	return s.outcome, s.phase == PhaseTerminal
}

// TimedOut returns the timeout descriptor when the step bound ended the
// episode.
func (s *Simulator) TimedOut() *SimulationTimeoutError {
	return s.timeout
}

// Run plays a full episode. A timeout is a normal outcome and is not
// returned as an error; controller and game errors are.
func (s *Simulator) Run(ctx context.Context, controller Controller, seed uint64) (model.Outcome, error) {
	if controller == nil {
		return model.Outcome{}, errors.New("controller is required")
	}
	return s.play(ctx, seed, func() error {
		action, err := controller(s.game.Observe(s.state))
		if err != nil {
			return fmt.Errorf("controller at step %d: %w", s.steps, err)
		}
		return s.Step(action)
	})
}

// RunDuel plays a full episode of a Duel game with opponent driving player
// two. A nil opponent stands still. The outcome is player one's.
func (s *Simulator) RunDuel(ctx context.Context, controller, opponent Controller, seed uint64) (model.Outcome, error) {
	if controller == nil {
		return model.Outcome{}, errors.New("controller is required")
	}
	duel, ok := s.game.(Duel)
	if !ok {
		return model.Outcome{}, fmt.Errorf("game %s has no second player", s.game.Name())
	}
	return s.play(ctx, seed, func() error {
		action, err := controller(duel.Observe(s.state))
		if err != nil {
			return fmt.Errorf("controller at step %d: %w", s.steps, err)
		}
		var reply Action
		if opponent != nil {
			reply, err = opponent(duel.ObserveOpponent(s.state))
			if err != nil {
				return fmt.Errorf("opponent at step %d: %w", s.steps, err)
			}
		}
		return s.StepDuel(action, reply)
	})
}

func (s *Simulator) play(ctx context.Context, seed uint64, turn func() error) (model.Outcome, error) {
	s.Reset(seed)
	for s.phase != PhaseTerminal {
		if err := ctx.Err(); err != nil {
			return model.Outcome{}, err
		}
		if err := turn(); err != nil {
			var timeout *SimulationTimeoutError
			if errors.As(err, &timeout) {
				break
			}
			return model.Outcome{}, err
		}
	}
	return s.outcome, nil
}
