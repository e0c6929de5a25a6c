// Package events fans engine output (intents, vetoes, regime changes, fills
// and outcomes) out to host subscribers such as the websocket hub and the
// Kafka publisher.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/internal/risk"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/mrt46/my-freqtrade/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeIntent   EventType = "intent"
	EventTypeVeto     EventType = "veto"
	EventTypeRegime   EventType = "regime"
	EventTypePosition EventType = "position"
	EventTypeOutcome  EventType = "outcome"
)

// Event is the base interface for all engine events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
	GetPair() string
}

// BaseEvent provides common event functionality. Timestamp is bar time,
// not wall-clock time, so replays produce the same event stream.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Pair      string    `json:"pair"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }
func (e *BaseEvent) GetPair() string         { return e.Pair }

func newBaseEvent(eventType EventType, pair string, ts time.Time) BaseEvent {
	return BaseEvent{
		ID:        utils.GenerateID("evt"),
		Type:      eventType,
		Pair:      pair,
		Timestamp: ts,
	}
}

// IntentEvent carries a risk-approved trade intent.
type IntentEvent struct {
	BaseEvent
	Intent types.TradeIntent `json:"intent"`
	Regime string            `json:"regime"`
}

// VetoEvent carries a rejected signal.
type VetoEvent struct {
	BaseEvent
	Veto risk.Veto `json:"veto"`
}

// RegimeEvent is published when a pair's regime tiers change.
type RegimeEvent struct {
	BaseEvent
	State regime.State `json:"state"`
}

// PositionAction says what happened to a simulated position.
type PositionAction string

const (
	PositionOpened PositionAction = "opened"
	PositionClosed PositionAction = "closed"
)

// PositionEvent reports a simulated fill.
type PositionEvent struct {
	BaseEvent
	Action   PositionAction     `json:"action"`
	Position types.OpenPosition `json:"position"`
	Price    decimal.Decimal    `json:"price"`
	Reason   string             `json:"reason,omitempty"`
	Trade    *types.ClosedTrade `json:"trade,omitempty"`
}

// OutcomeEvent carries a closed trade fed back into learning.
type OutcomeEvent struct {
	BaseEvent
	Trade  types.ClosedTrade `json:"trade"`
	Weight float64           `json:"weight"`
}

// NewIntentEvent wraps an intent.
func NewIntentEvent(intent types.TradeIntent, state regime.State) *IntentEvent {
	return &IntentEvent{
		BaseEvent: newBaseEvent(EventTypeIntent, intent.Pair, intent.CreatedAt),
		Intent:    intent,
		Regime:    state.Label(),
	}
}

// NewVetoEvent wraps a veto.
func NewVetoEvent(pair string, ts time.Time, veto risk.Veto) *VetoEvent {
	return &VetoEvent{BaseEvent: newBaseEvent(EventTypeVeto, pair, ts), Veto: veto}
}

// NewRegimeEvent wraps a regime state.
func NewRegimeEvent(pair string, state regime.State) *RegimeEvent {
	return &RegimeEvent{BaseEvent: newBaseEvent(EventTypeRegime, pair, state.ComputedAt), State: state}
}

// NewPositionEvent reports a fill at price.
func NewPositionEvent(action PositionAction, pos types.OpenPosition, price decimal.Decimal, ts time.Time, reason string) *PositionEvent {
	return &PositionEvent{
		BaseEvent: newBaseEvent(EventTypePosition, pos.Pair, ts),
		Action:    action,
		Position:  pos,
		Price:     price,
		Reason:    reason,
	}
}

// NewOutcomeEvent wraps a closed trade and the owner's updated weight.
func NewOutcomeEvent(trade types.ClosedTrade, weight float64) *OutcomeEvent {
	return &OutcomeEvent{
		BaseEvent: newBaseEvent(EventTypeOutcome, trade.Pair, trade.ClosedAt),
		Trade:     trade,
		Weight:    weight,
	}
}

// EventHandler processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter
	// Async runs the handler on its own goroutine; handlers that need the
	// publish order must be synchronous.
	Async bool
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus activity
type Stats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	EventsDropped     int64 `json:"eventsDropped"`
	ProcessingErrors  int64 `json:"processingErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// Config configures the event bus
type Config struct {
	Workers    int `json:"workers" mapstructure:"workers" yaml:"workers" default:"1"`
	BufferSize int `json:"bufferSize" mapstructure:"buffer_size" yaml:"buffer_size" default:"10000"`
}

// DefaultConfig uses a single worker so subscribers see events in publish
// order.
func DefaultConfig() Config {
	return Config{
		Workers:    1,
		BufferSize: 10000,
	}
}

// Bus is the central event routing system
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event
	workers   int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewBus creates a bus and starts its workers.
func NewBus(logger *zap.Logger, config Config) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		workers:     config.Workers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}
	for i := 0; i < config.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	b.logger.Debug("Event bus initialized",
		zap.Int("workers", config.Workers),
		zap.Int("buffer_size", config.BufferSize),
	)
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			// drain what was accepted before the stop
			for {
				select {
				case event := <-b.eventChan:
					b.processEvent(event)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			b.processEvent(event)
		}
	}
}

// processEvent routes event to subscribers
func (b *Bus) processEvent(event Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subscribers[event.GetType()]...)
	subs = append(subs, b.allSubscribers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}
		if sub.Options.Async {
			go b.executeHandler(sub, event)
		} else {
			b.executeHandler(sub, event)
		}
	}
	b.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (b *Bus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

// Subscribe registers a handler for an event type. Handlers run
// synchronously on the bus worker unless opts ask for Async.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	return b.subscribe(eventType, handler, opts)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	return b.subscribe("*", handler, opts)
}

func (b *Bus) subscribe(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	var options SubscriptionOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{
		ID:        utils.GenerateID("sub"),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	b.mu.Lock()
	if eventType == "*" {
		b.allSubscribers = append(b.allSubscribers, sub)
	} else {
		b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	}
	b.mu.Unlock()
	b.activeSubscribers.Add(1)

	b.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.activeSubscribers.Add(-1)
	}
}

// Publish queues an event without blocking. If the buffer is full the event
// is dropped and counted.
func (b *Bus) Publish(event Event) {
	if b.ctx.Err() != nil {
		b.eventsDropped.Add(1)
		return
	}
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
			zap.String("pair", event.GetPair()),
		)
	}
}

// PublishSync delivers an event on the caller's goroutine.
func (b *Bus) PublishSync(event Event) {
	b.eventsPublished.Add(1)
	b.processEvent(event)
}

// Stats returns current counters
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// Stop drains queued events and stops the workers.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			b.logger.Debug("Event bus stopped",
				zap.Int64("events_processed", b.eventsProcessed.Load()),
				zap.Int64("events_dropped", b.eventsDropped.Load()),
			)
		case <-time.After(5 * time.Second):
			b.logger.Warn("Event bus shutdown timed out")
		}
	})
}
