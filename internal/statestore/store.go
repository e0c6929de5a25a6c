// Package statestore persists learned engine state (weights, bandit arms and
// recent trades) per pair so a restarted host resumes where it stopped.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/learning"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"go.uber.org/zap"
)

var (
	// ErrNotFound means no state was saved for the pair.
	ErrNotFound = errors.New("state not found")
	// ErrUnavailable means the backend is failing and calls are short-circuited.
	ErrUnavailable = errors.New("state store unavailable")
)

// Store saves and loads learned state by pair.
type Store interface {
	Save(ctx context.Context, pair string, snapshot learning.Snapshot) error
	Load(ctx context.Context, pair string) (learning.Snapshot, error)
	Close() error
}

// Open builds the backend selected in the store section.
func Open(logger *zap.Logger, store config.StoreConfig, redisCfg config.RedisConfig) (Store, error) {
	switch store.Backend {
	case "none", "":
		return NopStore{}, nil
	case "file":
		return NewFileStore(logger, store.Dir)
	case "redis":
		return NewRedisStore(logger, redisCfg)
	}
	return nil, fmt.Errorf("unknown state store backend %q", store.Backend)
}

// NopStore discards state.
type NopStore struct{}

func (NopStore) Save(context.Context, string, learning.Snapshot) error { return nil }

func (NopStore) Load(context.Context, string) (learning.Snapshot, error) {
	return learning.Snapshot{}, ErrNotFound
}

func (NopStore) Close() error { return nil }

// FileStore keeps one JSON document per pair in a directory.
type FileStore struct {
	logger *zap.Logger
	dir    string
	mu     sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(logger *zap.Logger, dir string) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{logger: logger.Named("statestore"), dir: dir}, nil
}

func (s *FileStore) path(pair string) string {
	return filepath.Join(s.dir, utils.PairKey(pair)+".learning.json")
}

// Save writes the snapshot through a temporary file so readers never see a
// partial document.
func (s *FileStore) Save(ctx context.Context, pair string, snapshot learning.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", pair, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(pair)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state for %s: %w", pair, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state for %s: %w", pair, err)
	}
	s.logger.Debug("State saved", zap.String("pair", pair), zap.String("path", path))
	return nil
}

// Load reads the snapshot of a pair.
func (s *FileStore) Load(ctx context.Context, pair string) (learning.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return learning.Snapshot{}, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path(pair))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return learning.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return learning.Snapshot{}, fmt.Errorf("read state for %s: %w", pair, err)
	}

	var snapshot learning.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return learning.Snapshot{}, fmt.Errorf("decode state for %s: %w", pair, err)
	}
	return snapshot, nil
}

func (s *FileStore) Close() error { return nil }
