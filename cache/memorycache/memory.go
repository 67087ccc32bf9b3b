package memorycache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/codec"
)

// Cluster is an in-process peer owning named caches. It implements
// cache.Channel; several sessions may share one Cluster to observe each
// other's destroy and truncate operations.
type Cluster struct {
	mu      sync.Mutex
	caches  map[cacheKey]*cacheState
	closed  bool
	failErr error

	traceLog *slog.Logger
	verbose  bool
}

type cacheKey struct {
	scope string
	name  string
}

type cacheState struct {
	format  string
	handles map[*handle]struct{}
}

// New returns an empty Cluster.
func New() *Cluster {
	return &Cluster{caches: make(map[cacheKey]*cacheState)}
}

// FailCreates makes every subsequent Create fail with err wrapped in
// cache.ErrConnectivity. A nil err restores normal behavior.
func (c *Cluster) FailCreates(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

// EnableTracing logs every peer operation to log.
func (c *Cluster) EnableTracing(log *slog.Logger, verbose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traceLog = log
	c.verbose = verbose
}

func (c *Cluster) Create(ctx context.Context, opts cache.CreateOptions) (cache.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cache.ValidateName(opts.Name); err != nil {
		return nil, err
	}
	ser := opts.Serializer
	if ser == nil {
		ser = codec.JSON
	}
	key := cacheKey{scope: opts.Scope, name: opts.Name}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, cache.ErrChannelClosed
	}
	if c.failErr != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrConnectivity, c.failErr)
	}

	cs, ok := c.caches[key]
	if !ok {
		cs = &cacheState{format: ser.Format(), handles: make(map[*handle]struct{})}
		c.caches[key] = cs
	} else if cs.format != ser.Format() {
		return nil, fmt.Errorf("%w: cache %q in scope %q uses format %q, not %q",
			cache.ErrConfiguration, opts.Name, opts.Scope, cs.format, ser.Format())
	}

	h := &handle{
		Notifier: cache.NewNotifier(opts.Executor, opts.Logger),
		cluster:  c,
		key:      key,
	}
	cs.handles[h] = struct{}{}
	c.traceLocked("memorycache.create", key, slog.Int("handles", len(cs.handles)))
	return h, nil
}

// Destroy removes the cache on the peer, as another client would. Every
// handle bound to it becomes destroyed.
func (c *Cluster) Destroy(scope, name string) {
	key := cacheKey{scope: scope, name: name}

	c.mu.Lock()
	cs, ok := c.caches[key]
	if ok {
		delete(c.caches, key)
	}
	c.traceLocked("memorycache.destroy", key)
	c.mu.Unlock()

	if !ok {
		return
	}
	for h := range cs.handles {
		h.Deactivate(h, cache.StateDestroyed)
	}
}

// Truncate clears the cache on the peer, as another client would. Every
// bound handle observes the truncation and stays active.
func (c *Cluster) Truncate(scope, name string) {
	key := cacheKey{scope: scope, name: name}

	c.mu.Lock()
	cs, ok := c.caches[key]
	var handles []*handle
	if ok {
		handles = make([]*handle, 0, len(cs.handles))
		for h := range cs.handles {
			handles = append(handles, h)
		}
	}
	c.traceLocked("memorycache.truncate", key)
	c.mu.Unlock()

	for _, h := range handles {
		h.NotifyTruncated(h)
	}
}

// Exists reports whether the peer currently holds the cache.
func (c *Cluster) Exists(scope, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.caches[cacheKey{scope: scope, name: name}]
	return ok
}

// Handles returns how many handles are bound to the cache.
func (c *Cluster) Handles(scope, name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.caches[cacheKey{scope: scope, name: name}]
	if !ok {
		return 0
	}
	return len(cs.handles)
}

// Close releases every bound handle and rejects further creates.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var handles []*handle
	for _, cs := range c.caches {
		for h := range cs.handles {
			handles = append(handles, h)
		}
		cs.handles = make(map[*handle]struct{})
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Deactivate(h, cache.StateReleased)
	}
	return nil
}

func (c *Cluster) unbind(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.caches[h.key]; ok {
		delete(cs.handles, h)
	}
	c.traceLocked("memorycache.release", h.key)
}

func (c *Cluster) traceLocked(event string, key cacheKey, attrs ...any) {
	if c.traceLog == nil {
		return
	}
	if !c.verbose {
		c.traceLog.Debug(event, slog.String("cache", key.name))
		return
	}
	args := append([]any{slog.String("scope", key.scope), slog.String("cache", key.name)}, attrs...)
	c.traceLog.Debug(event, args...)
}

type handle struct {
	*cache.Notifier
	cluster *Cluster
	key     cacheKey
}

func (h *handle) Name() string  { return h.key.name }
func (h *handle) Scope() string { return h.key.scope }

func (h *handle) Truncate(ctx context.Context) error {
	if !h.IsActive() {
		return cache.ErrNotActive
	}
	h.cluster.Truncate(h.key.scope, h.key.name)
	return nil
}

func (h *handle) Destroy(ctx context.Context) error {
	if !h.IsActive() {
		return cache.ErrNotActive
	}
	h.cluster.Destroy(h.key.scope, h.key.name)
	return nil
}

func (h *handle) Release(ctx context.Context) error {
	if !h.IsActive() {
		return nil
	}
	h.cluster.unbind(h)
	h.Deactivate(h, cache.StateReleased)
	return nil
}

// Interface compliance
var (
	_ cache.Channel   = (*Cluster)(nil)
	_ cache.Traceable = (*Cluster)(nil)
	_ cache.Handle    = (*handle)(nil)
)
