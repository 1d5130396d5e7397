package game

// RNG is a splitmix64 generator. It is a value type so copying a game state
// also forks its random stream.
type RNG struct {
	state uint64
}

func NewRNG(seed uint64) RNG {
	return RNG{state: seed}
}

func (r *RNG) Next() uint64 {
	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Intn returns a value in [0, n). n must be positive.
func (r *RNG) Intn(n int) int {
	if n <= 0 {
		panic("game: Intn with non-positive bound")
	}
	return int(r.Next() % uint64(n))
}
