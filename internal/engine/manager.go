package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"go.uber.org/zap"
)

// Manager owns one Engine per pair. Pairs never share state.
type Manager struct {
	logger *zap.Logger
	config *Config

	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewManager validates config once for every engine it will create.
func NewManager(logger *zap.Logger, config *Config) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		logger:  logger,
		config:  config,
		engines: make(map[string]*Engine),
	}, nil
}

// Engine returns the engine of a pair, creating it on first use.
func (m *Manager) Engine(pair string) (*Engine, error) {
	key := utils.FormatPair(pair)
	m.mu.RLock()
	e, ok := m.engines[key]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[key]; ok {
		return e, nil
	}
	e, err := New(m.logger, key, m.config)
	if err != nil {
		return nil, err
	}
	m.engines[key] = e
	m.logger.Info("Engine created", zap.String("pair", key))
	return e, nil
}

// Lookup returns an existing engine.
func (m *Manager) Lookup(pair string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[utils.FormatPair(pair)]
	return e, ok
}

// Evaluate routes a bar to its pair's engine.
func (m *Manager) Evaluate(pair string, bar types.PriceBar, account types.AccountState) (Result, error) {
	e, err := m.Engine(pair)
	if err != nil {
		return Result{}, err
	}
	return e.Evaluate(bar, account)
}

// RecordOutcome routes a closed trade to the engine of its pair.
func (m *Manager) RecordOutcome(trade types.ClosedTrade) error {
	e, ok := m.Lookup(trade.Pair)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, trade.Pair)
	}
	return e.RecordOutcome(trade)
}

// Pairs returns the pairs with an engine, sorted.
func (m *Manager) Pairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pairs := make([]string, 0, len(m.engines))
	for p := range m.engines {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs
}

// Snapshots returns a snapshot of every engine, sorted by pair.
func (m *Manager) Snapshots() []Snapshot {
	pairs := m.Pairs()
	out := make([]Snapshot, 0, len(pairs))
	for _, p := range pairs {
		if e, ok := m.Lookup(p); ok {
			out = append(out, e.Snapshot())
		}
	}
	return out
}

// Config returns the shared engine configuration.
func (m *Manager) Config() *Config {
	return m.config
}
