package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/config"
	"github.com/ggoodman/cachesession-go/executor"
	"github.com/ggoodman/cachesession-go/lifecycle"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession builds a session with deterministic defaults: no
// environment lookups, inline listener delivery and a discarded log.
func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithDefaults(config.HardDefaults()),
		WithExecutor(executor.Inline),
		WithLogger(discardLogger()),
	}
	s, err := New(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// eventRecorder is a lifecycle.Dispatcher remembering every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []lifecycle.Event
}

func (r *eventRecorder) Dispatch(ctx context.Context, ev lifecycle.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) count(typ lifecycle.EventType, cacheName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.CacheName == cacheName {
			n++
		}
	}
	return n
}

func (r *eventRecorder) all() []lifecycle.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lifecycle.Event(nil), r.events...)
}

// fakeChannel is a cache.Channel whose creations and releases can be
// stalled or made to fail.
type fakeChannel struct {
	mu      sync.Mutex
	creates int
	handles []*fakeHandle
	// gate, when set, blocks Create until it is closed or ctx is done.
	gate chan struct{}
	// entered receives one value per Create call that reached the gate.
	entered chan struct{}
	err     error
	// afterCreate, when set, sees each handle before Create returns it.
	afterCreate func(h *fakeHandle)

	releaseErr   map[string]error
	releasePanic map[string]bool
	closed       bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		entered:      make(chan struct{}, 128),
		releaseErr:   make(map[string]error),
		releasePanic: make(map[string]bool),
	}
}

func (c *fakeChannel) Create(ctx context.Context, opts cache.CreateOptions) (cache.Handle, error) {
	c.mu.Lock()
	c.creates++
	gate, err := c.gate, c.err
	c.mu.Unlock()

	c.entered <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{
		Notifier: cache.NewNotifier(opts.Executor, opts.Logger),
		ch:       c,
		name:     opts.Name,
		scope:    opts.Scope,
	}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	after := c.afterCreate
	c.mu.Unlock()
	if after != nil {
		after(h)
	}
	return h, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

func (c *fakeChannel) allHandles() []*fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeHandle(nil), c.handles...)
}

type fakeHandle struct {
	*cache.Notifier
	ch    *fakeChannel
	name  string
	scope string

	mu       sync.Mutex
	releases int
}

func (h *fakeHandle) Name() string  { return h.name }
func (h *fakeHandle) Scope() string { return h.scope }

func (h *fakeHandle) Truncate(ctx context.Context) error {
	h.NotifyTruncated(h)
	return nil
}

func (h *fakeHandle) Destroy(ctx context.Context) error {
	h.Deactivate(h, cache.StateDestroyed)
	return nil
}

func (h *fakeHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	h.releases++
	h.mu.Unlock()

	h.ch.mu.Lock()
	err, panics := h.ch.releaseErr[h.name], h.ch.releasePanic[h.name]
	h.ch.mu.Unlock()
	if panics {
		panic("release exploded")
	}
	if err != nil {
		return err
	}
	h.Deactivate(h, cache.StateReleased)
	return nil
}

func (h *fakeHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

var errUnreachable = errors.New("peer unreachable")

// countingListener records how often it was notified.
type countingListener struct {
	mu    sync.Mutex
	calls int
	order *[]string
	label string
}

func (l *countingListener) SessionClosed(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.order != nil {
		*l.order = append(*l.order, l.label)
	}
}

func (l *countingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
