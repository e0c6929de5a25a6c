package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/learning"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisStore keeps snapshots as JSON strings under <prefix>:learning:<pair>.
// Calls go through a circuit breaker so a dead server costs one fast error
// per call instead of a dial timeout.
type RedisStore struct {
	logger  *zap.Logger
	client  *redis.Client
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewRedisStore creates the client without contacting the server; the first
// call reports connectivity problems.
func NewRedisStore(logger *zap.Logger, cfg config.RedisConfig) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1,
	})

	logger = logger.Named("statestore")
	settings := gobreaker.Settings{
		Name:     "redis-state",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("State store breaker changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &RedisStore{
		logger:  logger,
		client:  client,
		prefix:  cfg.Prefix,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

func (s *RedisStore) key(pair string) string {
	return fmt.Sprintf("%s:learning:%s", s.prefix, utils.PairKey(pair))
}

func (s *RedisStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	out, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}

// Save stores the snapshot without expiry.
func (s *RedisStore) Save(ctx context.Context, pair string, snapshot learning.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", pair, err)
	}
	_, err = s.execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return nil, s.client.Set(ctx, s.key(pair), data, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("save state for %s: %w", pair, err)
	}
	return nil
}

// Load fetches the snapshot of a pair.
func (s *RedisStore) Load(ctx context.Context, pair string) (learning.Snapshot, error) {
	out, err := s.execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		data, err := s.client.Get(ctx, s.key(pair)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return data, err
	})
	if errors.Is(err, ErrNotFound) {
		return learning.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return learning.Snapshot{}, fmt.Errorf("load state for %s: %w", pair, err)
	}

	var snapshot learning.Snapshot
	if err := json.Unmarshal(out.([]byte), &snapshot); err != nil {
		return learning.Snapshot{}, fmt.Errorf("decode state for %s: %w", pair, err)
	}
	return snapshot, nil
}

// State reports the breaker state.
func (s *RedisStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
