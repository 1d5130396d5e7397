// Package nn evaluates fixed-point dense feed-forward networks stored in
// genome parameter order.
package nn

import (
	"fmt"

	"hwevolve/internal/fixed"
	"hwevolve/internal/genome"
	"hwevolve/internal/model"
)

const (
	DefaultHiddenActivation = "relu"
	DefaultOutputActivation = "identity"
)

// TopologyMismatchError is returned when an input vector or genome does not
// fit the network shape.
type TopologyMismatchError = genome.TopologyMismatchError

// Evaluator runs the layered multiply-accumulate. The zero value is not
// usable; build one with NewEvaluator.
type Evaluator struct {
	hidden     ActivationFunc
	output     ActivationFunc
	hiddenName string
	outputName string
}

func NewEvaluator(hidden, output string) (*Evaluator, error) {
	if hidden == "" {
		hidden = DefaultHiddenActivation
	}
	if output == "" {
		output = DefaultOutputActivation
	}
	hiddenFn, err := GetActivation(hidden)
	if err != nil {
		return nil, fmt.Errorf("hidden activation: %w", err)
	}
	outputFn, err := GetActivation(output)
	if err != nil {
		return nil, fmt.Errorf("output activation: %w", err)
	}
	return &Evaluator{hidden: hiddenFn, output: outputFn, hiddenName: hidden, outputName: output}, nil
}

// DefaultEvaluator uses saturating ReLU on hidden layers and identity on the
// output layer.
func DefaultEvaluator() *Evaluator {
	e, err := NewEvaluator(DefaultHiddenActivation, DefaultOutputActivation)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Evaluator) Activations() (hidden, output string) {
	return e.hiddenName, e.outputName
}

// Evaluate computes the network output for input. Every neuron sums in a
// wide accumulator and saturates once into Q.
func (e *Evaluator) Evaluate(g model.Genome, input []fixed.Q) ([]fixed.Q, error) {
	if err := genome.Validate(g, g.Topology); err != nil {
		return nil, err
	}
	if len(input) != g.Topology.Inputs() {
		return nil, &TopologyMismatchError{
			Want:   g.Topology,
			Got:    g.Topology,
			Detail: fmt.Sprintf("input length %d, want %d", len(input), g.Topology.Inputs()),
		}
	}

	layers := g.Topology.Layers
	current := append([]fixed.Q(nil), input...)
	off := 0
	for l := 1; l < len(layers); l++ {
		in, out := layers[l-1], layers[l]
		weights := g.Params[off : off+in*out]
		biases := g.Params[off+in*out : off+in*out+out]
		off += in*out + out

		activate := e.hidden
		if l == len(layers)-1 {
			activate = e.output
		}
		next := make([]fixed.Q, out)
		for j := 0; j < out; j++ {
			acc := fixed.NewAcc(biases[j])
			row := weights[j*in : (j+1)*in]
			for i, w := range row {
				acc.MAC(w, current[i])
			}
			next[j] = activate(acc.Result())
		}
		current = next
	}
	return current, nil
}

// Argmax returns the index of the largest output; ties go to the lowest
// index.
func Argmax(outputs []fixed.Q) int {
	best := 0
	for i := 1; i < len(outputs); i++ {
		if outputs[i] > outputs[best] {
			best = i
		}
	}
	return best
}
