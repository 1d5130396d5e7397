package game

import (
	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

const (
	CoinDuelName = "coinduel"

	coinDuelObservations = coinRunObservations + 2
)

// CoinDuel is CoinRun with a second player chasing the same coin. Both
// players use the CoinRun physics; a player on the coin tile scores it, and
// when both reach it on the same step both score. The first player to
// WinScore ends the game.
//
// Observations are the CoinRun ones followed by the rival's offset x and y
// in tiles.
type CoinDuel struct {
	run *CoinRun
}

type coinDuelState struct {
	rng    RNG
	p      [2]player
	coin   TilePos
	points [2]int
	age    int
}

func NewCoinDuel(tiles *TileMap, winScore int) *CoinDuel {
	return &CoinDuel{run: NewCoinRun(tiles, winScore)}
}

func (d *CoinDuel) Name() string         { return CoinDuelName }
func (d *CoinDuel) ObservationSize() int { return coinDuelObservations }
func (d *CoinDuel) ActionSize() int      { return coinRunActions }

func (d *CoinDuel) InitialState(seed uint64) State {
	s := coinDuelState{rng: NewRNG(seed)}
	s.coin = d.run.randomSpawn(&s.rng)
	first := d.run.randomSpawn(&s.rng)
	if first == s.coin {
		first = d.run.nextSpawn(first)
	}
	second := d.run.nextSpawn(first)
	if second == s.coin {
		second = d.run.nextSpawn(second)
	}
	for i, spawn := range []TilePos{first, second} {
		s.p[i].x = spawn.X * cellSize * subPixel
		s.p[i].y = spawn.Y * cellSize * subPixel
	}
	return s
}

// Step plays player one against an idle rival.
func (d *CoinDuel) Step(state State, action Action) (State, error) {
	return d.StepDuel(state, action, nil)
}

func (d *CoinDuel) StepDuel(state State, action, opponent Action) (State, error) {
	s, ok := state.(coinDuelState)
	if !ok {
		return nil, invalidState(d, state)
	}
	if s.p[0].dead {
		return s, nil
	}
	actions := [2]Action{action, opponent}
	for i := range s.p {
		if !s.p[i].dead {
			d.run.move(&s.p[i], decodeControls(actions[i]))
		}
	}
	scored := false
	for i := range s.p {
		if !s.p[i].dead && s.p[i].centre() == s.coin {
			s.points[i] += pointsPerCoin
			scored = true
		}
	}
	if scored {
		s.coin = d.run.randomSpawn(&s.rng)
	}
	s.age++
	return s, nil
}

func (d *CoinDuel) IsTerminal(state State) bool {
	s, ok := state.(coinDuelState)
	return !ok || s.p[0].dead || s.points[0] >= d.run.winScore || s.points[1] >= d.run.winScore
}

// Outcome is player one's view: a win needs WinScore points and no fewer
// than the rival.
func (d *CoinDuel) Outcome(state State) model.Outcome {
	s, ok := state.(coinDuelState)
	if !ok {
		return model.Outcome{Cause: model.CauseFailed}
	}
	out := model.Outcome{Score: s.points[0], Steps: s.age}
	switch {
	case s.p[0].dead:
		out.Cause = model.CauseLoss
	case s.points[0] >= d.run.winScore && s.points[0] >= s.points[1]:
		out.Cause = model.CauseWin
	case s.points[1] >= d.run.winScore:
		out.Cause = model.CauseLoss
	}
	return out
}

func (d *CoinDuel) Observe(state State) []fixed.Q {
	return d.observe(state, 0)
}

func (d *CoinDuel) ObserveOpponent(state State) []fixed.Q {
	return d.observe(state, 1)
}

func (d *CoinDuel) observe(state State, self int) []fixed.Q {
	obs := make([]fixed.Q, coinDuelObservations)
	s, ok := state.(coinDuelState)
	if !ok {
		return obs
	}
	me, rival := s.p[self], s.p[1-self]
	d.run.observePlayer(me, s.coin, obs)
	dx := floorPixel(rival.x) - floorPixel(me.x)
	dy := floorPixel(rival.y) - floorPixel(me.y)
	obs[coinRunObservations] = fixed.Saturate(int64(dx) << fixed.FracBits / cellSize)
	obs[coinRunObservations+1] = fixed.Saturate(int64(dy) << fixed.FracBits / cellSize)
	return obs
}
