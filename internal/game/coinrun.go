package game

import (
	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

const (
	CoinRunName            = "coinrun"
	DefaultCoinRunWinScore = 15

	coinRunObservations = 6
	coinRunActions      = 2

	// Positions and velocities are in 1/16 pixel units.
	subPixelBits = 4
	subPixel     = 1 << subPixelBits

	cellSize     = 8
	playerWidth  = cellSize - 2
	playerHeight = cellSize - 2

	pointsPerCoin = 3

	jumpVel        = 25
	jumpMidairAcc  = 1
	springVel      = 38
	moveAccel      = 3
	moveAccelWater = 2
	moveAccelIce   = 1
	moveMaxVel     = 10
	gravity        = -2
	gravityWater   = -1
	fallMaxVel     = -20
)

// CoinRun is a single-player platformer: the player runs and jumps across a
// tile map collecting a coin that respawns at a seeded random spawn point.
// Landing on a spike loses the game; reaching WinScore points wins it.
//
// Controller outputs: output 0 <= -1 moves left, >= 1 moves right; output 1
// > 0 jumps.
type CoinRun struct {
	tiles    *TileMap
	winScore int
}

type player struct {
	x, y   int
	vx, vy int
	dead   bool
}

type coinRunState struct {
	rng    RNG
	p      player
	coin   TilePos
	points int
	age    int
}

func NewCoinRun(tiles *TileMap, winScore int) *CoinRun {
	if tiles == nil {
		tiles = DefaultMap()
	}
	if winScore <= 0 {
		winScore = DefaultCoinRunWinScore
	}
	return &CoinRun{tiles: tiles, winScore: winScore}
}

func (c *CoinRun) Name() string         { return CoinRunName }
func (c *CoinRun) ObservationSize() int { return coinRunObservations }
func (c *CoinRun) ActionSize() int      { return coinRunActions }

func (c *CoinRun) InitialState(seed uint64) State {
	s := coinRunState{rng: NewRNG(seed)}
	s.coin = c.randomSpawn(&s.rng)
	spawn := c.randomSpawn(&s.rng)
	if spawn == s.coin && len(c.tiles.Spawns) > 1 {
		spawn = c.nextSpawn(spawn)
	}
	s.p.x = spawn.X * cellSize * subPixel
	s.p.y = spawn.Y * cellSize * subPixel
	return s
}

func (c *CoinRun) randomSpawn(rng *RNG) TilePos {
	return c.tiles.Spawns[rng.Intn(len(c.tiles.Spawns))]
}

func (c *CoinRun) nextSpawn(pos TilePos) TilePos {
	for i, spawn := range c.tiles.Spawns {
		if spawn == pos {
			return c.tiles.Spawns[(i+1)%len(c.tiles.Spawns)]
		}
	}
	return pos
}

func tileOf(pixel int) int {
	if pixel < 0 {
		return -1
	}
	return pixel / cellSize
}

func floorPixel(v int) int { return v >> subPixelBits }

func roundPixel(v int) int { return (v + subPixel/2) >> subPixelBits }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type controls struct {
	left, right, jump bool
}

func decodeControls(action Action) controls {
	var in controls
	if len(action) > 0 {
		in.left = action[0] <= fixed.One.Neg()
		in.right = action[0] >= fixed.One
	}
	if len(action) > 1 {
		in.jump = action[1] > 0
	}
	return in
}

func (c *CoinRun) Step(state State, action Action) (State, error) {
	s, ok := state.(coinRunState)
	if !ok {
		return nil, invalidState(c, state)
	}
	if s.p.dead {
		return s, nil
	}
	c.move(&s.p, decodeControls(action))
	if !s.p.dead && s.p.centre() == s.coin {
		s.points += pointsPerCoin
		s.coin = c.randomSpawn(&s.rng)
	}
	s.age++
	return s, nil
}

// move advances one player by a step. Landing on a spike kills the player
// without moving it.
func (c *CoinRun) move(p *player, in controls) {
	m := c.tiles

	xLow, yLow := floorPixel(p.x), floorPixel(p.y)
	xLeft, xRight := tileOf(xLow), tileOf(xLow+playerWidth-1)
	yDown, yUp := tileOf(yLow), tileOf(yLow+playerHeight-1)
	downLeft, downRight := m.At(xLeft, yDown-1), m.At(xRight, yDown-1)

	grounded := yDown*cellSize*subPixel == p.y && (downLeft.Solid() || downRight.Solid())
	if grounded && (downLeft == TileSpike || downRight == TileSpike) {
		p.dead = true
		return
	}
	inWater := m.At(xLeft, yDown) == TileWater || m.At(xRight, yDown) == TileWater
	onIce := downLeft == TileIce || downRight == TileIce

	fall, accel := gravity, moveAccel
	if inWater {
		fall = gravityWater
		accel = moveAccelWater
	}
	if onIce {
		accel = moveAccelIce
	}

	if grounded {
		switch {
		case downLeft == TileSpring || downRight == TileSpring:
			p.vy = springVel
		case in.jump:
			p.vy = jumpVel
		}
	} else {
		p.vy += fall
		if in.jump {
			p.vy += jumpMidairAcc
		}
		if p.vy < fallMaxVel {
			p.vy = fallMaxVel
		}
	}

	switch {
	case in.left && !in.right:
		p.vx -= accel
	case in.right && !in.left:
		p.vx += accel
	case grounded && !onIce:
		switch {
		case p.vx >= accel:
			p.vx -= accel
		case p.vx <= -accel:
			p.vx += accel
		default:
			p.vx = 0
		}
	}
	p.vx = clampInt(p.vx, -moveMaxVel, moveMaxVel)

	p.x += p.vx
	p.y += p.vy

	nxLow, nyLow := floorPixel(p.x), floorPixel(p.y)
	nxLeft, nxRight := tileOf(nxLow), tileOf(nxLow+playerWidth-1)
	nyDown, nyUp := tileOf(nyLow), tileOf(nyLow+playerHeight-1)

	if p.vx < 0 && (m.At(nxLeft, yDown).Solid() || m.At(nxLeft, yUp).Solid()) {
		p.x = (nxLeft + 1) * cellSize * subPixel
		p.vx = 0
	} else if p.vx > 0 && (m.At(nxRight, yDown).Solid() || m.At(nxRight, yUp).Solid()) {
		p.x = (nxRight*cellSize - playerWidth) * subPixel
		p.vx = 0
	}
	if p.vy < 0 && (m.At(xLeft, nyDown).Solid() || m.At(xRight, nyDown).Solid()) {
		p.y = (nyDown + 1) * cellSize * subPixel
		p.vy = 0
	} else if p.vy > 0 && (m.At(xLeft, nyUp).Solid() || m.At(xRight, nyUp).Solid()) {
		p.y = (nyUp*cellSize - playerHeight) * subPixel
		p.vy = 0
	}
}

// centre is the tile under the middle of the player.
func (p player) centre() TilePos {
	return TilePos{
		X: tileOf(roundPixel(p.x) + playerWidth/2),
		Y: tileOf(roundPixel(p.y) + playerHeight/2),
	}
}

func (c *CoinRun) IsTerminal(state State) bool {
	s, ok := state.(coinRunState)
	return !ok || s.p.dead || s.points >= c.winScore
}

func (c *CoinRun) Outcome(state State) model.Outcome {
	s, ok := state.(coinRunState)
	if !ok {
		return model.Outcome{Cause: model.CauseFailed}
	}
	out := model.Outcome{Score: s.points, Steps: s.age}
	switch {
	case s.p.dead:
		out.Cause = model.CauseLoss
	case s.points >= c.winScore:
		out.Cause = model.CauseWin
	}
	return out
}

// Observe reports, in order: coin offset x and y in tiles, velocity x and y
// as a fraction of their caps, grounded and in-water flags as +1/-1.
func (c *CoinRun) Observe(state State) []fixed.Q {
	obs := make([]fixed.Q, coinRunObservations)
	if s, ok := state.(coinRunState); ok {
		c.observePlayer(s.p, s.coin, obs)
	}
	return obs
}

func (c *CoinRun) observePlayer(p player, coin TilePos, obs []fixed.Q) {
	m := c.tiles
	xLow, yLow := floorPixel(p.x), floorPixel(p.y)
	dx := coin.X*cellSize + cellSize/2 - (xLow + playerWidth/2)
	dy := coin.Y*cellSize + cellSize/2 - (yLow + playerHeight/2)
	obs[0] = fixed.Saturate(int64(dx) << fixed.FracBits / cellSize)
	obs[1] = fixed.Saturate(int64(dy) << fixed.FracBits / cellSize)
	obs[2] = fixed.Saturate(int64(p.vx) << fixed.FracBits / moveMaxVel)
	obs[3] = fixed.Saturate(int64(p.vy) << fixed.FracBits / -fallMaxVel)

	xLeft, xRight := tileOf(xLow), tileOf(xLow+playerWidth-1)
	yDown := tileOf(yLow)
	grounded := yDown*cellSize*subPixel == p.y && (m.At(xLeft, yDown-1).Solid() || m.At(xRight, yDown-1).Solid())
	inWater := m.At(xLeft, yDown) == TileWater || m.At(xRight, yDown) == TileWater
	obs[4] = flag(grounded)
	obs[5] = flag(inWater)
}

func flag(v bool) fixed.Q {
	if v {
		return fixed.One
	}
	return fixed.One.Neg()
}
