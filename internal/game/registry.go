package game

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrGameExists   = errors.New("game already registered")
	ErrGameNotFound = errors.New("game not found")
)

// Factory builds a fresh game instance. Instances may be shared between
// evaluation lanes, so games must not keep mutable state outside State.
type Factory func() Game

var gameRegistry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	initializeBuiltInGames()
}

func initializeBuiltInGames() {
	MustRegister(TargetName, func() Game { return NewTarget(DefaultTargetRounds) })
	MustRegister(CoinRunName, func() Game { return NewCoinRun(DefaultMap(), DefaultCoinRunWinScore) })
	MustRegister(CoinDuelName, func() Game { return NewCoinDuel(DefaultMap(), DefaultCoinRunWinScore) })
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("game name is required")
	}
	if factory == nil {
		return errors.New("game factory is required")
	}
	gameRegistry.mu.Lock()
	defer gameRegistry.mu.Unlock()
	if _, exists := gameRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrGameExists, name)
	}
	gameRegistry.m[name] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

func Lookup(name string) (Game, error) {
	gameRegistry.mu.RLock()
	factory, ok := gameRegistry.m[name]
	gameRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, name)
	}
	return factory(), nil
}

func List() []string {
	gameRegistry.mu.RLock()
	defer gameRegistry.mu.RUnlock()
	names := make([]string, 0, len(gameRegistry.m))
	for name := range gameRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetGameRegistryForTests() {
	gameRegistry.mu.Lock()
	gameRegistry.m = make(map[string]Factory)
	gameRegistry.mu.Unlock()
	initializeBuiltInGames()
}
