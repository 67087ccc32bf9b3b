package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/cache/memorycache"
	"github.com/ggoodman/cachesession-go/codec"
	"github.com/ggoodman/cachesession-go/config"
	"github.com/ggoodman/cachesession-go/executor"
)

const precedenceFile = `
[sessions.orders]
scope = "file-scope"
serializer = "yaml"
channel = "local"
[sessions.orders.tracing]
enabled = true
verbose = true
[sessions.orders.executor]
workers = 2
queue = 8

[sessions.other-key]
name = "renamed"
scope = "renamed-scope"

[channels.local]
kind = "memory"

[channels.remote]
kind = "redis"
addr = "cache.internal:6379"
key_prefix = "app:"
db = 3
`

func mustParse(t *testing.T, doc string) *config.File {
	t.Helper()
	f, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return f
}

// tracingChannel is a memory cluster that records EnableTracing calls.
type tracingChannel struct {
	*memorycache.Cluster
	mu      sync.Mutex
	enabled bool
	verbose bool
	closed  int
}

func (c *tracingChannel) EnableTracing(log *slog.Logger, verbose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	c.verbose = verbose
	c.Cluster.EnableTracing(log, verbose)
}

func (c *tracingChannel) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return c.Cluster.Close()
}

type dialRecorder struct {
	mu    sync.Mutex
	cfgs  []config.ChannelConfig
	chans []*tracingChannel
}

func (d *dialRecorder) dial(ctx context.Context, cfg config.ChannelConfig, log *slog.Logger) (cache.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := &tracingChannel{Cluster: memorycache.New()}
	d.cfgs = append(d.cfgs, cfg)
	d.chans = append(d.chans, ch)
	return ch, nil
}

func TestFileValuesApply(t *testing.T) {
	d := &dialRecorder{}
	s := newTestSession(t,
		WithName("orders"),
		WithConfig(mustParse(t, precedenceFile)),
		WithChannelDialer(d.dial),
	)

	if s.Scope() != "file-scope" {
		t.Fatalf("expected scope from file, got %q", s.Scope())
	}
	if s.SerializerFormat() != "yaml" {
		t.Fatalf("expected serializer from file, got %q", s.SerializerFormat())
	}
	if len(d.cfgs) != 1 || d.cfgs[0].Kind != config.KindMemory {
		t.Fatalf("expected the local channel to be dialled, got %+v", d.cfgs)
	}
	ch := d.chans[0]
	if !ch.enabled || !ch.verbose {
		t.Fatal("expected verbose tracing from file")
	}

	c, err := s.GetCache(context.Background(), "pending")
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if c.Scope() != "file-scope" {
		t.Fatalf("expected cache in file scope, got %q", c.Scope())
	}
}

func TestExplicitOptionsWinOverFile(t *testing.T) {
	d := &dialRecorder{}
	s := newTestSession(t,
		WithName("orders"),
		WithScope("explicit-scope"),
		WithSerializerFormat("json"),
		WithChannelName("remote"),
		WithTracing(false, false),
		WithConfig(mustParse(t, precedenceFile)),
		WithChannelDialer(d.dial),
	)

	if s.Scope() != "explicit-scope" || s.SerializerFormat() != "json" {
		t.Fatalf("explicit values lost: %s", s)
	}
	if len(d.cfgs) != 1 || d.cfgs[0].Kind != config.KindRedis || d.cfgs[0].Addr != "cache.internal:6379" || d.cfgs[0].DB != 3 {
		t.Fatalf("expected the remote channel config, got %+v", d.cfgs)
	}
	if d.chans[0].enabled {
		t.Fatal("explicit WithTracing(false) must override the file")
	}
}

func TestExplicitSerializerWinsOverFormat(t *testing.T) {
	s := newTestSession(t,
		WithChannel(memorycache.New()),
		WithSerializer(codec.YAML),
		WithSerializerFormat("json"),
	)
	if s.SerializerFormat() != "yaml" {
		t.Fatalf("expected yaml, got %q", s.SerializerFormat())
	}
}

func TestSessionLookupByNameField(t *testing.T) {
	s := newTestSession(t,
		WithName("renamed"),
		WithChannel(memorycache.New()),
		WithConfig(mustParse(t, precedenceFile)),
	)
	if s.Scope() != "renamed-scope" {
		t.Fatalf("expected scope of the entry named renamed, got %q", s.Scope())
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	t.Setenv("CACHE_SESSION_NAME", "env-session")
	t.Setenv("CACHE_SESSION_SCOPE", "env-scope")
	t.Setenv("CACHE_SERIALIZER", "yaml")

	s, err := New(context.Background(),
		WithChannel(memorycache.New()),
		WithExecutor(executor.Inline),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.Name() != "env-session" || s.Scope() != "env-scope" || s.SerializerFormat() != "yaml" {
		t.Fatalf("expected environment defaults, got %s", s)
	}
}

func TestFileWinsOverEnvironment(t *testing.T) {
	t.Setenv("CACHE_SESSION_SCOPE", "env-scope")

	s, err := New(context.Background(),
		WithName("orders"),
		WithConfig(mustParse(t, precedenceFile)),
		WithChannel(memorycache.New()),
		WithExecutor(executor.Inline),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.Scope() != "file-scope" {
		t.Fatalf("expected file scope over env, got %q", s.Scope())
	}
}

func TestHardDefaults(t *testing.T) {
	s := newTestSession(t, WithChannel(memorycache.New()))
	if s.Name() != "default" || s.Scope() != "" || s.SerializerFormat() != "json" {
		t.Fatalf("unexpected hard defaults %s", s)
	}
}

func TestUnknownSerializerFormat(t *testing.T) {
	_, err := New(context.Background(),
		WithDefaults(config.HardDefaults()),
		WithChannel(memorycache.New()),
		WithSerializerFormat("xml"),
	)
	if !errors.Is(err, cache.ErrConfiguration) || !errors.Is(err, codec.ErrUnknownFormat) {
		t.Fatalf("expected ErrConfiguration wrapping ErrUnknownFormat, got %v", err)
	}
}

func TestUnknownChannelKind(t *testing.T) {
	f := &config.File{Channels: map[string]config.ChannelConfig{
		"odd": {Kind: "carrier-pigeon"},
	}}
	_, err := New(context.Background(),
		WithDefaults(config.HardDefaults()),
		WithConfig(f),
		WithChannelName("odd"),
	)
	if !errors.Is(err, cache.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestUnknownChannelName(t *testing.T) {
	_, err := New(context.Background(),
		WithDefaults(config.HardDefaults()),
		WithChannelName("nowhere"),
	)
	if !errors.Is(err, cache.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestDialChannelMemory(t *testing.T) {
	ch, err := DialChannel(context.Background(), config.ChannelConfig{Kind: config.KindMemory}, discardLogger())
	if err != nil {
		t.Fatalf("DialChannel: %v", err)
	}
	if _, ok := ch.(*memorycache.Cluster); !ok {
		t.Fatalf("expected a memory cluster, got %T", ch)
	}
	if _, err := DialChannel(context.Background(), config.ChannelConfig{Kind: "nope"}, discardLogger()); !errors.Is(err, cache.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestOwnedResourcesClosedAfterListeners(t *testing.T) {
	d := &dialRecorder{}
	s, err := New(context.Background(),
		WithDefaults(config.HardDefaults()),
		WithName("orders"),
		WithConfig(mustParse(t, precedenceFile)),
		WithChannelDialer(d.dial),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool, ok := s.exec.(*executor.Pool)
	if !ok {
		t.Fatalf("expected the session to start a pool, got %T", s.exec)
	}
	ch := d.chans[0]

	var closedAtNotify int
	s.OnClose(func(*Session) {
		ch.mu.Lock()
		closedAtNotify = ch.closed
		ch.mu.Unlock()
	})
	if _, err := s.GetCache(context.Background(), "pending"); err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	_ = s.Close()

	if closedAtNotify != 0 {
		t.Fatal("expected close listeners to run before the channel is closed")
	}
	if ch.closed != 1 {
		t.Fatalf("expected the owned channel to be closed once, got %d", ch.closed)
	}
	if err := pool.Execute(func() {}); !errors.Is(err, executor.ErrExecutorClosed) {
		t.Fatalf("expected the owned pool to be closed, got %v", err)
	}
}

func TestInjectedResourcesNotClosed(t *testing.T) {
	ch := newFakeChannel()
	pool := executor.NewPool(1, 4)
	defer pool.Close()

	s, err := New(context.Background(),
		WithDefaults(config.HardDefaults()),
		WithChannel(ch),
		WithExecutor(pool),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.Close()

	if ch.closed {
		t.Fatal("an injected channel must not be closed by the session")
	}
	if err := pool.Execute(func() {}); err != nil {
		t.Fatalf("an injected executor must stay open, got %v", err)
	}
}

func TestFailedResolutionClosesOwnedResources(t *testing.T) {
	dialErr := errors.New("dial failed")
	_, err := New(context.Background(),
		WithDefaults(config.HardDefaults()),
		WithConfig(mustParse(t, precedenceFile)),
		WithChannelName("local"),
		WithChannelDialer(func(ctx context.Context, cfg config.ChannelConfig, log *slog.Logger) (cache.Channel, error) {
			return nil, dialErr
		}),
		WithLogger(discardLogger()),
	)
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected the dial error, got %v", err)
	}
}

func TestConfigSource(t *testing.T) {
	src := &staticSource{f: mustParse(t, precedenceFile)}
	s := newTestSession(t, WithName("orders"), WithConfigSource(src), WithChannel(memorycache.New()))
	if s.Scope() != "file-scope" {
		t.Fatalf("expected scope from the source, got %q", s.Scope())
	}
}

type staticSource struct{ f *config.File }

func (s *staticSource) Current() *config.File { return s.f }
