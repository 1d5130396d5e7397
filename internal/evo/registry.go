package evo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrStrategyExists   = errors.New("strategy already registered")
	ErrStrategyNotFound = errors.New("strategy not found")
)

// SelectorFactory builds a selector for a given sample or elite size.
type SelectorFactory func(size int) Selector

// CrossoverFactory builds a crossover for a given arity.
type CrossoverFactory func(arity int) Crossover

var strategyRegistry = struct {
	mu         sync.RWMutex
	selectors  map[string]SelectorFactory
	crossovers map[string]CrossoverFactory
}{
	selectors:  make(map[string]SelectorFactory),
	crossovers: make(map[string]CrossoverFactory),
}

func init() {
	initializeBuiltInStrategies()
}

func initializeBuiltInStrategies() {
	mustRegister(RegisterSelector("tournament", func(size int) Selector { return TournamentSelector{Size: size} }))
	mustRegister(RegisterSelector("elite", func(size int) Selector { return EliteSelector{Count: size} }))
	mustRegister(RegisterCrossover("kpoint", func(arity int) Crossover { return KPointCrossover{Points: arity} }))
	mustRegister(RegisterCrossover("uniform", func(int) Crossover { return UniformCrossover{} }))
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func RegisterSelector(name string, factory SelectorFactory) error {
	if name == "" {
		return errors.New("selector name is required")
	}
	if factory == nil {
		return errors.New("selector factory is required")
	}
	strategyRegistry.mu.Lock()
	defer strategyRegistry.mu.Unlock()
	if _, exists := strategyRegistry.selectors[name]; exists {
		return fmt.Errorf("%w: selector %s", ErrStrategyExists, name)
	}
	strategyRegistry.selectors[name] = factory
	return nil
}

func RegisterCrossover(name string, factory CrossoverFactory) error {
	if name == "" {
		return errors.New("crossover name is required")
	}
	if factory == nil {
		return errors.New("crossover factory is required")
	}
	strategyRegistry.mu.Lock()
	defer strategyRegistry.mu.Unlock()
	if _, exists := strategyRegistry.crossovers[name]; exists {
		return fmt.Errorf("%w: crossover %s", ErrStrategyExists, name)
	}
	strategyRegistry.crossovers[name] = factory
	return nil
}

func NewSelector(name string, size int) (Selector, error) {
	strategyRegistry.mu.RLock()
	factory, ok := strategyRegistry.selectors[name]
	strategyRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: selector %s", ErrStrategyNotFound, name)
	}
	return factory(size), nil
}

func NewCrossover(name string, arity int) (Crossover, error) {
	strategyRegistry.mu.RLock()
	factory, ok := strategyRegistry.crossovers[name]
	strategyRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: crossover %s", ErrStrategyNotFound, name)
	}
	return factory(arity), nil
}

func ListSelectors() []string {
	strategyRegistry.mu.RLock()
	defer strategyRegistry.mu.RUnlock()
	return sortedKeys(strategyRegistry.selectors)
}

func ListCrossovers() []string {
	strategyRegistry.mu.RLock()
	defer strategyRegistry.mu.RUnlock()
	return sortedKeys(strategyRegistry.crossovers)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetStrategyRegistryForTests() {
	strategyRegistry.mu.Lock()
	strategyRegistry.selectors = make(map[string]SelectorFactory)
	strategyRegistry.crossovers = make(map[string]CrossoverFactory)
	strategyRegistry.mu.Unlock()
	initializeBuiltInStrategies()
}
