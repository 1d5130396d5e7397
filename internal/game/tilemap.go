package game

import (
	"fmt"
	"strings"
)

type Tile byte

const (
	TileAir    Tile = '.'
	TileGround Tile = '#'
	TileIce    Tile = '='
	TileSpring Tile = 's'
	TileWater  Tile = '~'
	TileSpike  Tile = '^'
)

func (t Tile) Solid() bool {
	return t == TileGround || t == TileIce || t == TileSpring || t == TileSpike
}

type TilePos struct {
	X, Y int
}

// TileMap is indexed with y pointing up: row 0 is the bottom of the map.
// Spawns are the air or water cells directly above a solid, non-lethal tile.
type TileMap struct {
	Width  int
	Height int
	rows   [][]Tile
	Spawns []TilePos
}

// ParseMap reads a map drawn top row first.
func ParseMap(text string) (*TileMap, error) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("map is empty")
	}
	width := len(lines[0])
	m := &TileMap{Width: width, Height: len(lines), rows: make([][]Tile, len(lines))}
	for i, line := range lines {
		if len(line) != width {
			return nil, fmt.Errorf("map row %d has width %d, want %d", i, len(line), width)
		}
		row := make([]Tile, width)
		for x := 0; x < width; x++ {
			tile := Tile(line[x])
			switch tile {
			case TileAir, TileGround, TileIce, TileSpring, TileWater, TileSpike:
			default:
				return nil, fmt.Errorf("map row %d col %d: unknown tile %q", i, x, line[x])
			}
			row[x] = tile
		}
		m.rows[len(lines)-1-i] = row
	}
	for y := 0; y < m.Height-1; y++ {
		for x := 0; x < m.Width; x++ {
			below := m.At(x, y)
			above := m.At(x, y+1)
			if below.Solid() && below != TileSpike && !above.Solid() {
				m.Spawns = append(m.Spawns, TilePos{X: x, Y: y + 1})
			}
		}
	}
	if len(m.Spawns) == 0 {
		return nil, fmt.Errorf("map has no spawn positions")
	}
	return m, nil
}

// At reads a tile. Out of bounds below, left or right is ground; above the
// map is air.
func (m *TileMap) At(x, y int) Tile {
	if x < 0 || y < 0 || x >= m.Width {
		return TileGround
	}
	if y >= m.Height {
		return TileAir
	}
	return m.rows[y][x]
}

const defaultMapText = `
................
................
###..........###
................
................
.....######.....
................
...==......==...
......~~~~......
#s####^~~^####s#
`

// DefaultMap is the built-in coin-run level.
func DefaultMap() *TileMap {
	m, err := ParseMap(defaultMapText)
	if err != nil {
		panic(err)
	}
	return m
}
