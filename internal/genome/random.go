package genome

import (
	"math"
	"math/rand"
	"time"

	"hwevolve/internal/fixed"
	"hwevolve/internal/model"
)

// Limits bounds weights and biases after initialisation and mutation.
type Limits struct {
	Weight fixed.Q
	Bias   fixed.Q
}

// DefaultLimits matches the parameter range the hardware lane is tuned for.
func DefaultLimits() Limits {
	return Limits{Weight: fixed.FromInt(2), Bias: fixed.FromInt(7)}
}

// Clamp bounds a parameter by its kind.
func (l Limits) Clamp(v fixed.Q, bias bool) fixed.Q {
	limit := l.Weight
	if bias {
		limit = l.Bias
	}
	if limit <= 0 {
		return v
	}
	return v.Clamp(limit.Neg(), limit)
}

// BiasMask reports, per parameter index, whether the slot holds a bias.
func BiasMask(topo model.Topology) []bool {
	mask := make([]bool, 0, topo.ParamCount())
	for i := 1; i < len(topo.Layers); i++ {
		in, out := topo.Layers[i-1], topo.Layers[i]
		for j := 0; j < in*out; j++ {
			mask = append(mask, false)
		}
		for j := 0; j < out; j++ {
			mask = append(mask, true)
		}
	}
	return mask
}

// Random builds a genome with Glorot-scaled normal weights quantised to Q.
// Biases start at zero.
func Random(rng *rand.Rand, id model.GenomeID, topo model.Topology, limits Limits) model.Genome {
	rng = ensureRNG(rng)
	params := make([]fixed.Q, 0, topo.ParamCount())
	for i := 1; i < len(topo.Layers); i++ {
		in, out := topo.Layers[i-1], topo.Layers[i]
		stddev := math.Sqrt(2.0 / float64(in+out))
		for j := 0; j < in*out; j++ {
			w, _ := fixed.FromFloat(rng.NormFloat64() * stddev)
			params = append(params, limits.Clamp(w, false))
		}
		for j := 0; j < out; j++ {
			params = append(params, fixed.Zero)
		}
	}
	return model.Genome{ID: id, Topology: model.NewTopology(topo.Layers...), Params: params}
}

func ensureRNG(rng *rand.Rand) *rand.Rand {
	if rng != nil {
		return rng
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
