package rediscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/codec"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed channel. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: CACHE_REDIS_ADDR
	Addr string `env:"CACHE_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys and Pub/Sub channels. ENV: CACHE_REDIS_KEY_PREFIX
	KeyPrefix string `env:"CACHE_REDIS_KEY_PREFIX,default=cache:"`
	// DB selects the logical database. ENV: CACHE_REDIS_DB
	DB int `env:"CACHE_REDIS_DB,default=0,strict"`
	// Trace installs a TracingHook on the client. ENV: CACHE_REDIS_TRACE
	Trace bool `env:"CACHE_REDIS_TRACE,default=false,strict"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger used for channel diagnostics and tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Channel) {
		if prefix != "" {
			c.keyPrefix = prefix
		}
	}
}

// Channel implements cache.Channel on top of a Redis client.
type Channel struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string
	log        *slog.Logger

	mu      sync.Mutex
	handles map[*handle]struct{}
	closed  bool
	traced  bool
}

// New dials Redis using cfg and verifies the connection with PING.
func New(ctx context.Context, cfg Config, opts ...Option) (*Channel, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %w", cache.ErrConnectivity, addr, err)
	}
	if cfg.KeyPrefix != "" {
		opts = append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)
	}
	c := NewWithClient(cl, opts...)
	c.ownsClient = true
	if cfg.Trace {
		c.EnableTracing(c.log, false)
	}
	return c, nil
}

// NewFromEnv builds a Channel using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Channel, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// ConfigFromEnv decodes Config from the environment, applying tag defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("%w: %w", cache.ErrConfiguration, err)
	}
	return cfg, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of
// client; Close will not close it.
func NewWithClient(client redis.UniversalClient, opts ...Option) *Channel {
	c := &Channel{
		client:    client,
		keyPrefix: "cache:",
		log:       slog.Default(),
		handles:   make(map[*handle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnableTracing installs a TracingHook on the underlying client. Repeated
// calls are ignored.
func (c *Channel) EnableTracing(log *slog.Logger, verbose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.traced {
		return
	}
	c.traced = true
	if log == nil {
		log = c.log
	}
	c.client.AddHook(TracingHook{Log: log, Verbose: verbose})
}

// --- Key helpers ---

func (c *Channel) metaKey(scope, name string) string {
	return c.keyPrefix + "meta:" + scope + ":" + name
}
func (c *Channel) dataKey(scope, name string) string {
	return c.keyPrefix + "data:" + scope + ":" + name
}
func (c *Channel) eventsChannel(scope, name string) string {
	return c.keyPrefix + "events:" + scope + ":" + name
}

// --- cache.Channel ---

func (c *Channel) Create(ctx context.Context, opts cache.CreateOptions) (cache.Handle, error) {
	if err := cache.ValidateName(opts.Name); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, cache.ErrChannelClosed
	}

	ser := opts.Serializer
	if ser == nil {
		ser = codec.JSON
	}
	if err := c.ensureFormat(ctx, opts.Scope, opts.Name, ser.Format()); err != nil {
		return nil, err
	}

	ps := c.client.Subscribe(ctx, c.eventsChannel(opts.Scope, opts.Name))
	// The first reply confirms the subscription; signals published after
	// this point are guaranteed to reach the handle.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", cache.ErrConnectivity, opts.Name, err)
	}

	log := opts.Logger
	if log == nil {
		log = c.log
	}
	h := &handle{
		Notifier: cache.NewNotifier(opts.Executor, log),
		channel:  c,
		scope:    opts.Scope,
		name:     opts.Name,
		id:       uuid.NewString(),
		pubsub:   ps,
		log:      log,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ps.Close()
		return nil, cache.ErrChannelClosed
	}
	c.handles[h] = struct{}{}
	c.mu.Unlock()

	go h.receive()
	return h, nil
}

func (c *Channel) ensureFormat(ctx context.Context, scope, name, format string) error {
	key := c.metaKey(scope, name)
	set, err := c.client.HSetNX(ctx, key, "format", format).Result()
	if err != nil {
		return fmt.Errorf("%w: register %s: %w", cache.ErrConnectivity, name, err)
	}
	if set {
		return nil
	}
	existing, err := c.client.HGet(ctx, key, "format").Result()
	if err != nil {
		if err == redis.Nil {
			// Destroyed between HSETNX and HGET; claim it again.
			return c.ensureFormat(ctx, scope, name, format)
		}
		return fmt.Errorf("%w: read format %s: %w", cache.ErrConnectivity, name, err)
	}
	if existing != format {
		return fmt.Errorf("%w: cache %q in scope %q uses format %q, not %q",
			cache.ErrConfiguration, name, scope, existing, format)
	}
	return nil
}

// DestroyCache removes the cache on the peer and signals every bound
// handle, in this process or any other.
func (c *Channel) DestroyCache(ctx context.Context, scope, name string) error {
	return c.destroy(ctx, scope, name, "")
}

// TruncateCache clears the cache contents and signals every bound handle.
func (c *Channel) TruncateCache(ctx context.Context, scope, name string) error {
	return c.truncate(ctx, scope, name, "")
}

func (c *Channel) destroy(ctx context.Context, scope, name, origin string) error {
	if err := c.client.Del(ctx, c.metaKey(scope, name), c.dataKey(scope, name)).Err(); err != nil {
		return fmt.Errorf("%w: destroy %s: %w", cache.ErrConnectivity, name, err)
	}
	return c.publish(ctx, scope, name, signal{Type: signalDestroyed, Origin: origin})
}

func (c *Channel) truncate(ctx context.Context, scope, name, origin string) error {
	if err := c.client.Del(ctx, c.dataKey(scope, name)).Err(); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", cache.ErrConnectivity, name, err)
	}
	return c.publish(ctx, scope, name, signal{Type: signalTruncated, Origin: origin})
}

func (c *Channel) publish(ctx context.Context, scope, name string, sig signal) error {
	payload, err := codec.JSON.Marshal(sig)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.eventsChannel(scope, name), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", cache.ErrConnectivity, sig.Type, err)
	}
	return nil
}

func (c *Channel) unbind(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, h)
}

// Close releases every handle created by this channel and, if the channel
// dialled its own client, closes it.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handles := make([]*handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.handles = make(map[*handle]struct{})
	c.mu.Unlock()

	for _, h := range handles {
		h.stop()
		h.Deactivate(h, cache.StateReleased)
	}
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// Interface compliance
var (
	_ cache.Channel   = (*Channel)(nil)
	_ cache.Traceable = (*Channel)(nil)
)
