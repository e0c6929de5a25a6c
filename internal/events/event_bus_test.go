package events_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrt46/my-freqtrade/internal/events"
	"github.com/mrt46/my-freqtrade/internal/regime"
	"github.com/mrt46/my-freqtrade/pkg/types"
	"go.uber.org/zap"
)

var now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func intent(pair string, minute int) types.TradeIntent {
	return types.TradeIntent{
		Pair:       pair,
		Direction:  types.DirectionEnterLong,
		StrategyID: types.StrategyGrid,
		CreatedAt:  now.Add(time.Duration(minute) * time.Minute),
	}
}

func TestSynchronousSubscribersSeePublishOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())

	var mu sync.Mutex
	var seen []time.Time
	bus.Subscribe(events.EventTypeIntent, func(e events.Event) error {
		mu.Lock()
		seen = append(seen, e.GetTimestamp())
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		bus.Publish(events.NewIntentEvent(intent("BTC/USDT", i), regime.State{}))
	}
	bus.Stop()

	if len(seen) != 50 {
		t.Fatalf("Expected 50 events, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if !seen[i].After(seen[i-1]) {
			t.Fatalf("Expected publish order, event %d at %s after %s", i, seen[i], seen[i-1])
		}
	}
	if st := bus.Stats(); st.EventsProcessed != 50 || st.EventsDropped != 0 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestFiltersAndSubscribeAll(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	var btc, all int
	bus.Subscribe(events.EventTypeIntent, func(events.Event) error {
		btc++
		return nil
	}, events.SubscriptionOptions{Filter: func(e events.Event) bool { return e.GetPair() == "BTC/USDT" }})
	bus.SubscribeAll(func(events.Event) error {
		all++
		return nil
	})

	bus.PublishSync(events.NewIntentEvent(intent("BTC/USDT", 0), regime.State{}))
	bus.PublishSync(events.NewIntentEvent(intent("ETH/USDT", 1), regime.State{}))
	bus.PublishSync(events.NewOutcomeEvent(types.ClosedTrade{Pair: "ETH/USDT", ClosedAt: now}, 1))

	if btc != 1 {
		t.Errorf("Expected 1 filtered intent, got %d", btc)
	}
	if all != 3 {
		t.Errorf("Expected 3 events for the catch-all, got %d", all)
	}
}

func TestHandlerErrorsAndPanicsAreCounted(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	bus.Subscribe(events.EventTypeOutcome, func(events.Event) error { return errors.New("boom") })
	sub := bus.Subscribe(events.EventTypeOutcome, func(events.Event) error { panic("bad handler") })

	bus.PublishSync(events.NewOutcomeEvent(types.ClosedTrade{Pair: "BTC/USDT", ClosedAt: now}, 1))
	if got := bus.Stats().ProcessingErrors; got != 2 {
		t.Errorf("Expected 2 processing errors, got %d", got)
	}

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	if got := bus.Stats().ActiveSubscribers; got != 1 {
		t.Errorf("Expected 1 active subscriber, got %d", got)
	}
}
