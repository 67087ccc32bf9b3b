package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cachesession-go/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromBeginning", func(t *testing.T) { testFromBeginning(t, factory) })
	t.Run("PublishAndSubscribeFromLastEventID", func(t *testing.T) { testFromLastEventID(t, factory) })
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) { testMultipleSubscribers(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("SubscriptionContextCancellation", func(t *testing.T) { testContextCancellation(t, factory) })
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("Cleanup", func(t *testing.T) { testCleanup(t, factory) })
	t.Run("ResumeFromNonExistentEventID", func(t *testing.T) { testResumeFromUnknownID(t, factory) })
}

const (
	settle      = 100 * time.Millisecond
	waitTimeout = 2 * time.Second
)

// namespaces used by the suite; cleaned up after every test.
var namespaces = []string{
	"lifecycle:orders", "lifecycle:replay", "lifecycle:fanout",
	"lifecycle:tenant-a", "lifecycle:tenant-b", "lifecycle:idle",
	"lifecycle:failing", "lifecycle:cleanup", "lifecycle:unknown",
}

// payload mirrors the shape of the lifecycle records published in practice.
type payload struct {
	Type  string `json:"type"`
	Cache string `json:"cache"`
}

func encode(t *testing.T, typ, cache string) []byte {
	t.Helper()
	b, err := json.Marshal(payload{Type: typ, Cache: cache})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func decode(t *testing.T, data []byte) payload {
	t.Helper()
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return p
}

func publish(t *testing.T, ctx context.Context, b broker.Broker, ns, typ, cache string) string {
	t.Helper()
	id, err := b.Publish(ctx, ns, encode(t, typ, cache))
	if err != nil {
		t.Fatalf("publish to %s: %v", ns, err)
	}
	if id == "" {
		t.Fatal("expected a non-empty event ID")
	}
	return id
}

// subscription collects envelopes from one Subscribe call running in the
// background.
type subscription struct {
	done chan error

	mu  sync.Mutex
	got []broker.MessageEnvelope
}

// subscribe starts a subscription. When stopAfter is positive, stop is called
// once that many envelopes have arrived.
func subscribe(ctx context.Context, b broker.Broker, ns, lastEventID string, stopAfter int, stop context.CancelFunc) *subscription {
	s := &subscription{done: make(chan error, 1)}
	go func() {
		s.done <- b.Subscribe(ctx, ns, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
			s.mu.Lock()
			s.got = append(s.got, env)
			n := len(s.got)
			s.mu.Unlock()
			if stopAfter > 0 && n >= stopAfter {
				stop()
			}
			return nil
		})
	}()
	return s
}

func (s *subscription) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("subscription did not complete within timeout")
		return nil
	}
}

func (s *subscription) envelopes() []broker.MessageEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), s.got...)
}

func single(t *testing.T, s *subscription, what string) broker.MessageEnvelope {
	t.Helper()
	got := s.envelopes()
	if len(got) != 1 {
		t.Fatalf("%s: expected 1 message, got %d", what, len(got))
	}
	return got[0]
}

func setup(t *testing.T, factory BrokerFactory, timeout time.Duration) (broker.Broker, context.Context, context.CancelFunc) {
	b := factory(t)
	t.Cleanup(func() { cleanupBroker(t, b) })
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return b, ctx, cancel
}

func testFromBeginning(t *testing.T, factory BrokerFactory) {
	b, ctx, cancel := setup(t, factory, 5*time.Second)

	sub := subscribe(ctx, b, "lifecycle:orders", "", 1, cancel)
	time.Sleep(settle)
	id := publish(t, ctx, b, "lifecycle:orders", "created", "orders")

	if err := sub.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	env := single(t, sub, "subscriber")
	if env.ID != id {
		t.Fatalf("expected event ID %s, got %s", id, env.ID)
	}
	if got := decode(t, env.Data); got.Type != "created" || got.Cache != "orders" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func testFromLastEventID(t *testing.T, factory BrokerFactory) {
	b, ctx, cancel := setup(t, factory, 5*time.Second)

	first := publish(t, ctx, b, "lifecycle:replay", "created", "orders")
	second := publish(t, ctx, b, "lifecycle:replay", "truncated", "orders")

	sub := subscribe(ctx, b, "lifecycle:replay", first, 1, cancel)
	if err := sub.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	env := single(t, sub, "resumed subscriber")
	if env.ID != second {
		t.Fatalf("expected event ID %s, got %s", second, env.ID)
	}
	if got := decode(t, env.Data); got.Type != "truncated" {
		t.Fatalf("expected truncated payload, got %+v", got)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b, ctx, cancel := setup(t, factory, 5*time.Second)

	subs := []*subscription{
		subscribe(ctx, b, "lifecycle:fanout", "", 0, nil),
		subscribe(ctx, b, "lifecycle:fanout", "", 0, nil),
	}
	time.Sleep(settle)
	id := publish(t, ctx, b, "lifecycle:fanout", "destroyed", "orders")
	time.Sleep(2 * settle)
	cancel()

	for i, sub := range subs {
		sub.wait(t)
		if env := single(t, sub, "fan-out subscriber"); env.ID != id {
			t.Fatalf("subscriber %d: expected event ID %s, got %s", i+1, id, env.ID)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b, ctx, cancel := setup(t, factory, 5*time.Second)

	tenants := map[string]string{
		"lifecycle:tenant-a": "orders",
		"lifecycle:tenant-b": "invoices",
	}
	subs := make(map[string]*subscription, len(tenants))
	for ns := range tenants {
		subs[ns] = subscribe(ctx, b, ns, "", 0, nil)
	}
	time.Sleep(settle)
	for ns, cacheName := range tenants {
		publish(t, ctx, b, ns, "created", cacheName)
	}
	time.Sleep(2 * settle)
	cancel()

	for ns, sub := range subs {
		sub.wait(t)
		if got := decode(t, single(t, sub, ns).Data); got.Cache != tenants[ns] {
			t.Fatalf("%s: expected %s, got %+v", ns, tenants[ns], got)
		}
	}
}

func testContextCancellation(t *testing.T, factory BrokerFactory) {
	b, ctx, _ := setup(t, factory, time.Second)

	sub := subscribe(ctx, b, "lifecycle:idle", "", 0, nil)
	select {
	case err := <-sub.done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not complete within timeout")
	}
}

func testHandlerError(t *testing.T, factory BrokerFactory) {
	b, ctx, _ := setup(t, factory, 5*time.Second)
	handlerErr := errors.New("handler error")

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "lifecycle:failing", "", func(context.Context, broker.MessageEnvelope) error {
			return handlerErr
		})
	}()
	time.Sleep(settle)
	publish(t, ctx, b, "lifecycle:failing", "created", "orders")

	select {
	case err := <-done:
		if !errors.Is(err, handlerErr) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("subscription did not complete within timeout")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b, ctx, _ := setup(t, factory, 5*time.Second)

	id := publish(t, ctx, b, "lifecycle:cleanup", "created", "orders")
	if err := b.Cleanup(ctx, "lifecycle:cleanup"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	subCtx, subCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer subCancel()
	err := b.Subscribe(subCtx, "lifecycle:cleanup", id, func(context.Context, broker.MessageEnvelope) error {
		t.Error("received a message after cleanup")
		return nil
	})
	// Memory reports the event ID as unknown; Redis just times out.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("subscription after cleanup returned %v", err)
	}
}

func testResumeFromUnknownID(t *testing.T, factory BrokerFactory) {
	b, ctx, _ := setup(t, factory, 2*time.Second)

	err := b.Subscribe(ctx, "lifecycle:unknown", "non-existent-id", func(context.Context, broker.MessageEnvelope) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected an error for a non-existent event ID")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected an immediate failure for a non-existent event ID, not a timeout")
	}
}

// cleanupBroker removes the suite's namespaces and closes b when it can be
// closed. Failures are logged.
func cleanupBroker(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, ns := range namespaces {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Logf("cleanup namespace %s: %v", ns, err)
		}
	}
	if closer, ok := b.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			t.Logf("close broker: %v", err)
		}
	}
}
