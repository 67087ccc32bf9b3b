// Package memory provides an in-memory implementation of the broker.Broker
// interface. This implementation is suitable for single-node deployments and
// testing scenarios.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/cachesession-go/broker"
)

// Broker implements broker.Broker using in-memory storage.
// It provides namespace isolation and ordered message delivery within each namespace.
// This implementation is not suitable for multi-node deployments as state is local.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

// namespace represents an isolated message log with its subscribers
type namespace struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[chan struct{}]struct{}
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{
		namespaces: make(map[string]*namespace),
	}
}

func (b *Broker) ensureNamespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[chan struct{}]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	envelope := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	ns := b.ensureNamespace(namespaceName)
	ns.mu.Lock()
	ns.messages = append(ns.messages, envelope)
	// Wake subscribers without blocking; each drains the log itself.
	for wake := range ns.subscribers {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	ns.mu.Unlock()

	return envelope.ID, nil
}

// Subscribe implements broker.Broker.Subscribe
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	ns := b.ensureNamespace(namespaceName)
	wake := make(chan struct{}, 1)

	ns.mu.Lock()
	next := len(ns.messages)
	if lastEventID != "" {
		found := false
		for i := range ns.messages {
			if ns.messages[i].ID == lastEventID {
				next = i + 1
				found = true
				break
			}
		}
		if !found {
			ns.mu.Unlock()
			return fmt.Errorf("%w: %s", broker.ErrUnknownEventID, lastEventID)
		}
	}
	ns.subscribers[wake] = struct{}{}
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		delete(ns.subscribers, wake)
		ns.mu.Unlock()
	}()

	for {
		ns.mu.Lock()
		if next > len(ns.messages) {
			// The namespace was cleaned up underneath us.
			next = len(ns.messages)
		}
		batch := append([]broker.MessageEnvelope(nil), ns.messages[next:]...)
		next = len(ns.messages)
		ns.mu.Unlock()

		for _, env := range batch {
			if err := handler(ctx, env); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Cleanup implements broker.Broker.Cleanup
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	ns, exists := b.namespaces[namespaceName]
	if exists {
		delete(b.namespaces, namespaceName)
	}
	b.mu.Unlock()
	if !exists {
		return nil
	}

	ns.mu.Lock()
	ns.messages = nil
	ns.mu.Unlock()
	return nil
}

// Compile-time interface checks
var _ broker.Broker = (*Broker)(nil)
