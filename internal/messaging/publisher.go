// Package messaging connects the engine host to Kafka: intents, vetoes and
// regime changes are published keyed by pair, and closed trades reported by
// the execution layer are consumed back into learning.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/events"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// HeaderEventType names the event type header on every published message.
const HeaderEventType = "event_type"

const publishTimeout = 10 * time.Second

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON value of every published message.
type Envelope struct {
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Pair      string           `json:"pair"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   events.Event     `json:"payload"`
}

// Publisher forwards bus events to Kafka topics.
type Publisher struct {
	logger *zap.Logger
	cfg    config.KafkaConfig
	writer Writer

	mu   sync.Mutex
	subs []*events.Subscription

	published atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a publisher backed by a kafka-go writer. Messages are
// hashed by key so every event of a pair lands on the same partition.
func NewPublisher(logger *zap.Logger, cfg config.KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: publishTimeout,
	}
	return NewPublisherWithWriter(logger, cfg, writer), nil
}

// NewPublisherWithWriter creates a publisher on an existing writer.
func NewPublisherWithWriter(logger *zap.Logger, cfg config.KafkaConfig, writer Writer) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		logger: logger.Named("kafka-publisher"),
		cfg:    cfg,
		writer: writer,
	}
}

// Topic returns the topic an event type is published to, or "" if the type
// is not published.
func (p *Publisher) Topic(t events.EventType) string {
	switch t {
	case events.EventTypeIntent, events.EventTypeVeto:
		return p.cfg.IntentTopic
	case events.EventTypeRegime:
		return p.cfg.RegimeTopic
	}
	return ""
}

// Encode builds the Kafka message of an event.
func (p *Publisher) Encode(e events.Event) (kafka.Message, error) {
	topic := p.Topic(e.GetType())
	if topic == "" {
		return kafka.Message{}, fmt.Errorf("event type %s is not published", e.GetType())
	}
	value, err := json.Marshal(Envelope{
		ID:        e.GetID(),
		Type:      e.GetType(),
		Pair:      e.GetPair(),
		Timestamp: e.GetTimestamp(),
		Payload:   e,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", e.GetType(), err)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(e.GetPair()),
		Value:   value,
		Time:    e.GetTimestamp(),
		Headers: []kafka.Header{{Key: HeaderEventType, Value: []byte(e.GetType())}},
	}, nil
}

// Publish writes one event.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	msg, err := p.Encode(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	p.published.Add(1)
	return nil
}

// Attach subscribes the publisher to the published event types on bus.
// Handlers run on the bus worker, so per-pair order is kept.
func (p *Publisher) Attach(bus *events.Bus) {
	handler := func(e events.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, e); err != nil {
			p.logger.Warn("Failed to publish event",
				zap.String("type", string(e.GetType())),
				zap.String("pair", e.GetPair()),
				zap.Error(err),
			)
			return err
		}
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range []events.EventType{events.EventTypeIntent, events.EventTypeVeto, events.EventTypeRegime} {
		p.subs = append(p.subs, bus.Subscribe(t, handler))
	}
	p.logger.Info("Publishing engine events to Kafka",
		zap.Strings("brokers", p.cfg.Brokers),
		zap.String("intent_topic", p.cfg.IntentTopic),
		zap.String("regime_topic", p.cfg.RegimeTopic),
	)
}

// Stats returns the number of published and failed messages.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close unsubscribes from the bus and closes the writer.
func (p *Publisher) Close(bus *events.Bus) error {
	p.mu.Lock()
	for _, sub := range p.subs {
		bus.Unsubscribe(sub)
	}
	p.subs = nil
	p.mu.Unlock()
	return p.writer.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
