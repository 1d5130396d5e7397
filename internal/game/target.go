package game

import (
	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

const (
	TargetName          = "target"
	DefaultTargetRounds = 8
	targetChoices       = 2
)

// Target shows a one-hot cue each round and scores a point when the
// controller's strongest output matches it. A perfect controller wins with
// Score == Rounds after Rounds steps.
type Target struct {
	rounds int
}

type targetState struct {
	rng    RNG
	round  int
	cue    int
	points int
}

func NewTarget(rounds int) *Target {
	if rounds <= 0 {
		rounds = DefaultTargetRounds
	}
	return &Target{rounds: rounds}
}

func (t *Target) Name() string         { return TargetName }
func (t *Target) ObservationSize() int { return targetChoices }
func (t *Target) ActionSize() int      { return targetChoices }
func (t *Target) Rounds() int          { return t.rounds }

func (t *Target) InitialState(seed uint64) State {
	s := targetState{rng: NewRNG(seed)}
	s.cue = s.rng.Intn(targetChoices)
	return s
}

func (t *Target) Step(state State, action Action) (State, error) {
	s, ok := state.(targetState)
	if !ok {
		return nil, invalidState(t, state)
	}
	if choose(action) == s.cue {
		s.points++
	}
	s.round++
	s.cue = s.rng.Intn(targetChoices)
	return s, nil
}

func (t *Target) IsTerminal(state State) bool {
	s, ok := state.(targetState)
	return !ok || s.round >= t.rounds
}

func (t *Target) Outcome(state State) model.Outcome {
	s, ok := state.(targetState)
	if !ok {
		return model.Outcome{Cause: model.CauseFailed}
	}
	cause := model.CauseLoss
	if s.points == t.rounds {
		cause = model.CauseWin
	}
	return model.Outcome{Score: s.points, Steps: s.round, Cause: cause}
}

func (t *Target) Observe(state State) []fixed.Q {
	obs := make([]fixed.Q, targetChoices)
	if s, ok := state.(targetState); ok {
		obs[s.cue] = fixed.One
	}
	return obs
}

// choose returns the index of the strongest output, lowest index on ties.
func choose(action Action) int {
	best := 0
	for i := 1; i < len(action); i++ {
		if action[i] > action[best] {
			best = i
		}
	}
	return best
}
