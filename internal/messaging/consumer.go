package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedOutcome is returned for outcome messages that cannot be decoded.
var ErrMalformedOutcome = errors.New("malformed outcome message")

// OutcomeRecorder receives closed trades.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, trade types.ClosedTrade) error
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeConsumer reads closed trades from the outcome topic.
type OutcomeConsumer struct {
	logger   *zap.Logger
	reader   Reader
	recorder OutcomeRecorder
	retry    utils.RetryConfig

	handled atomic.Int64
	skipped atomic.Int64
}

// NewOutcomeConsumer joins the configured consumer group on the outcome topic.
func NewOutcomeConsumer(logger *zap.Logger, cfg config.KafkaConfig, recorder OutcomeRecorder) (*OutcomeConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.OutcomeTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewOutcomeConsumerWithReader(logger, reader, recorder), nil
}

// NewOutcomeConsumerWithReader creates a consumer on an existing reader.
func NewOutcomeConsumerWithReader(logger *zap.Logger, reader Reader, recorder OutcomeRecorder) *OutcomeConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeConsumer{
		logger:   logger.Named("kafka-outcomes"),
		reader:   reader,
		recorder: recorder,
		retry:    utils.DefaultRetryConfig(),
	}
}

// DecodeOutcome parses a closed trade message.
func DecodeOutcome(value []byte) (types.ClosedTrade, error) {
	var trade types.ClosedTrade
	if err := json.Unmarshal(value, &trade); err != nil {
		return trade, fmt.Errorf("%w: %v", ErrMalformedOutcome, err)
	}
	if trade.Pair == "" {
		return trade, fmt.Errorf("%w: missing pair", ErrMalformedOutcome)
	}
	if trade.StrategyID == types.StrategyNone {
		return trade, fmt.Errorf("%w: missing strategy", ErrMalformedOutcome)
	}
	if math.IsNaN(trade.RealizedProfitFraction) || math.IsInf(trade.RealizedProfitFraction, 0) {
		return trade, fmt.Errorf("%w: profit fraction %v", ErrMalformedOutcome, trade.RealizedProfitFraction)
	}
	return trade, nil
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformedOutcome) ||
		errors.Is(err, engine.ErrUnknownPair) ||
		errors.Is(err, engine.ErrUnknownStrategy) ||
		errors.Is(err, engine.ErrInvalidOutcome)
}

// Handle decodes one message and records it. Transient recorder failures are
// retried with backoff.
func (c *OutcomeConsumer) Handle(ctx context.Context, value []byte) error {
	trade, err := DecodeOutcome(value)
	if err != nil {
		return err
	}
	var final error
	_, err = utils.Retry(c.retry, func() (struct{}, error) {
		err := c.recorder.RecordOutcome(ctx, trade)
		if err != nil && (permanent(err) || ctx.Err() != nil) {
			final = err
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return err
	}
	return final
}

// Run consumes until ctx is cancelled. Messages are committed after they are
// handled, including messages skipped as permanently invalid.
func (c *OutcomeConsumer) Run(ctx context.Context) error {
	c.logger.Info("Consuming outcomes")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch outcome: %w", err)
		}

		if err := c.Handle(ctx, msg.Value); err != nil {
			if !permanent(err) {
				c.logger.Error("Failed to record outcome", zap.Int64("offset", msg.Offset), zap.Error(err))
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			c.skipped.Add(1)
			c.logger.Warn("Skipping outcome",
				zap.String("key", string(msg.Key)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else {
			c.handled.Add(1)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to commit outcome offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Stats returns the number of handled and skipped messages.
func (c *OutcomeConsumer) Stats() (handled, skipped int64) {
	return c.handled.Load(), c.skipped.Load()
}

// Close closes the reader.
func (c *OutcomeConsumer) Close() error {
	return c.reader.Close()
}
