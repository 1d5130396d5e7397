package nn

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"hwevolve/internal/fixed"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

// ActivationFunc maps a saturated neuron sum to its output. It must be pure:
// evaluation runs on many worker lanes at once.
type ActivationFunc func(x fixed.Q) fixed.Q

// builtInActivations are the shapes a fixed-point MAC array can realise with
// a comparator or a clamp.
var builtInActivations = map[string]ActivationFunc{
	"identity": func(x fixed.Q) fixed.Q { return x },
	"relu": func(x fixed.Q) fixed.Q {
		if x < 0 {
			return fixed.Zero
		}
		return x
	},
	"step": func(x fixed.Q) fixed.Q {
		if x > 0 {
			return fixed.One
		}
		return fixed.Zero
	},
	"sign": func(x fixed.Q) fixed.Q {
		switch {
		case x > 0:
			return fixed.One
		case x < 0:
			return fixed.One.Neg()
		}
		return fixed.Zero
	},
	"hardtanh": func(x fixed.Q) fixed.Q { return x.Clamp(fixed.One.Neg(), fixed.One) },
}

var activations = struct {
	sync.RWMutex
	byName map[string]ActivationFunc
}{byName: withBuiltIns()}

func withBuiltIns() map[string]ActivationFunc {
	m := make(map[string]ActivationFunc, len(builtInActivations))
	for name, fn := range builtInActivations {
		m[name] = fn
	}
	return m
}

// RegisterActivation adds a named activation. Names are never replaced.
func RegisterActivation(name string, fn ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil {
		return fmt.Errorf("activation %s: function is required", name)
	}
	activations.Lock()
	defer activations.Unlock()
	if _, ok := activations.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activations.byName[name] = fn
	return nil
}

func GetActivation(name string) (ActivationFunc, error) {
	activations.RLock()
	fn, ok := activations.byName[name]
	activations.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (have %v)", ErrActivationNotFound, name, ListActivations())
	}
	return fn, nil
}

// ListActivations returns the registered names, sorted.
func ListActivations() []string {
	activations.RLock()
	defer activations.RUnlock()
	names := make([]string, 0, len(activations.byName))
	for name := range activations.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationsForTests() {
	activations.Lock()
	activations.byName = withBuiltIns()
	activations.Unlock()
}
