package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/cache/memorycache"
	"github.com/ggoodman/cachesession-go/cache/rediscache"
	"github.com/ggoodman/cachesession-go/codec"
	"github.com/ggoodman/cachesession-go/config"
	"github.com/ggoodman/cachesession-go/executor"
	"github.com/ggoodman/cachesession-go/internal/logctx"
	"github.com/ggoodman/cachesession-go/lifecycle"
)

// Option configures a Session built by New.
type Option func(*options)

// ChannelDialer opens a channel described by a [channels.<key>] entry. The
// session owns the returned channel and closes it on Close.
type ChannelDialer func(ctx context.Context, cfg config.ChannelConfig, log *slog.Logger) (cache.Channel, error)

type options struct {
	name        *string
	scope       *string
	channel     cache.Channel
	channelName string
	serializer  codec.Serializer
	format      string
	exec        executor.Executor
	dispatcher  lifecycle.Dispatcher
	log         *slog.Logger
	source      config.Source
	defaults    *config.Defaults
	tracing     *bool
	verbose     *bool
	dialer      ChannelDialer

	dispatchTimeout *time.Duration
}

// WithName sets the session name, which also selects its entry in the
// configuration file.
func WithName(name string) Option {
	return func(o *options) { o.name = &name }
}

// WithScope sets the scope every cache of the session is created in.
func WithScope(scope string) Option {
	return func(o *options) { o.scope = &scope }
}

// WithChannel uses ch for every cache. The caller keeps ownership of ch.
func WithChannel(ch cache.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithChannelName selects the [channels.<name>] entry to dial. Ignored when
// WithChannel is also given.
func WithChannelName(name string) Option {
	return func(o *options) { o.channelName = name }
}

// WithSerializer sets the serializer directly.
func WithSerializer(s codec.Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithSerializerFormat selects a registered serializer by format name.
// Ignored when WithSerializer is also given.
func WithSerializerFormat(format string) Option {
	return func(o *options) { o.format = format }
}

// WithExecutor delivers handle listener callbacks through e. The caller
// keeps ownership of e. Without it the session starts and owns a Pool.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.exec = e }
}

// WithDispatcher receives the session's lifecycle events. Defaults to
// lifecycle.Nop.
func WithDispatcher(d lifecycle.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithConfig resolves unset options from f.
func WithConfig(f *config.File) Option {
	return func(o *options) {
		if f != nil {
			o.source = f
		}
	}
}

// WithConfigSource resolves unset options from the File src holds when New
// runs, such as a config.Watcher.
func WithConfigSource(src config.Source) Option {
	return func(o *options) { o.source = src }
}

// WithDefaults replaces the environment defaults.
func WithDefaults(d config.Defaults) Option {
	return func(o *options) { o.defaults = &d }
}

// WithTracing turns channel tracing on or off for channels implementing
// cache.Traceable.
func WithTracing(enabled, verbose bool) Option {
	return func(o *options) {
		o.tracing = &enabled
		o.verbose = &verbose
	}
}

// WithDispatchTimeout bounds each call to the dispatcher. Zero leaves
// dispatch unbounded. Defaults to CACHE_DISPATCH_TIMEOUT, then 5s.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *options) { o.dispatchTimeout = &d }
}

// WithChannelDialer replaces the dialer used for configured channels.
func WithChannelDialer(d ChannelDialer) Option {
	return func(o *options) { o.dialer = d }
}

// New resolves the options into a Session. Explicit options win over the
// session's entry in the configuration file, which wins over the
// environment defaults. Unknown serializer formats and channel kinds fail
// with an error wrapping cache.ErrConfiguration.
func New(ctx context.Context, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var d config.Defaults
	if o.defaults != nil {
		d = *o.defaults
	} else {
		var err error
		if d, err = config.DefaultsFromEnv(); err != nil {
			return nil, fmt.Errorf("%w: %w", cache.ErrConfiguration, err)
		}
	}

	var file *config.File
	if o.source != nil {
		file = o.source.Current()
	}

	s := &Session{
		name:            pick(o.name, nil, d.Name),
		dispatcher:      o.dispatcher,
		dispatchTimeout: pick(o.dispatchTimeout, nil, d.DispatchTimeout),
		reg:             newRegistry(),
	}
	s.deactivation = &deactivationAdapter{s: s}
	s.truncation = &truncationAdapter{s: s}
	if s.dispatcher == nil {
		s.dispatcher = lifecycle.Nop
	}

	sc, _ := file.Session(s.name)
	s.scope = pick(o.scope, sc.Scope, d.Scope)
	s.log = logctx.Wrap(o.log).With(slog.String("component", "session"))

	ser, err := resolveSerializer(o, sc, d)
	if err != nil {
		return nil, err
	}
	s.serializer = ser

	// From here on resources may be owned; undo them if resolution fails.
	ok := false
	defer func() {
		if !ok {
			for _, r := range s.owned {
				_ = r.close()
			}
		}
	}()

	s.exec = o.exec
	if s.exec == nil {
		workers := firstPositive(sc.Executor.Workers, d.ExecutorWorkers)
		queue := firstPositive(sc.Executor.Queue, d.ExecutorQueue)
		pool := executor.NewPool(workers, queue,
			executor.WithLogger(s.log),
			executor.WithName(s.name),
		)
		s.exec = pool
		s.owned = append(s.owned, ownedResource{kind: "executor", close: pool.Close})
	}

	s.channel = o.channel
	if s.channel == nil {
		ch, err := dialConfigured(ctx, o, sc, d, file, s.log)
		if err != nil {
			return nil, err
		}
		s.channel = ch
		s.owned = append(s.owned, ownedResource{kind: "channel", close: ch.Close})
	}

	if pick(o.tracing, sc.Tracing.Enabled, d.Tracing) {
		if t, isTraceable := s.channel.(cache.Traceable); isTraceable {
			t.EnableTracing(s.log.With(slog.String("component", "trace")), pick(o.verbose, sc.Tracing.Verbose, false))
		} else {
			s.log.Debug("session.tracing.unsupported", slog.String("channel", fmt.Sprintf("%T", s.channel)))
		}
	}

	ok = true
	s.log.InfoContext(s.logContext(ctx, ""), "session.open.ok",
		slog.String("serializer", s.serializer.Format()),
	)
	return s, nil
}

func resolveSerializer(o options, sc config.SessionConfig, d config.Defaults) (codec.Serializer, error) {
	if o.serializer != nil {
		return o.serializer, nil
	}
	format := o.format
	if format == "" {
		format = sc.Serializer
	}
	if format == "" {
		format = d.Serializer
	}
	ser, err := codec.Lookup(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrConfiguration, err)
	}
	return ser, nil
}

// dialConfigured opens the channel named by the options, the session entry
// or the defaults. The default channel name falls back to a Redis channel
// configured from the environment when the file does not define it.
func dialConfigured(ctx context.Context, o options, sc config.SessionConfig, d config.Defaults, file *config.File, log *slog.Logger) (cache.Channel, error) {
	name := o.channelName
	if name == "" {
		name = sc.Channel
	}
	if name == "" {
		name = d.Channel
	}

	cfg, found := file.Channel(name)
	if !found {
		if name != config.HardDefaults().Channel {
			return nil, fmt.Errorf("%w: unknown channel %q", cache.ErrConfiguration, name)
		}
		rc, err := rediscache.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", cache.ErrConfiguration, err)
		}
		cfg = config.ChannelConfig{Kind: config.KindRedis, Addr: rc.Addr, KeyPrefix: rc.KeyPrefix, DB: rc.DB}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: channel %q: %w", cache.ErrConfiguration, name, err)
	}

	dial := o.dialer
	if dial == nil {
		dial = DialChannel
	}
	ch, err := dial(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialChannel is the default ChannelDialer. A "memory" channel is a private
// memorycache.Cluster; a "redis" channel connects with rediscache.New.
func DialChannel(ctx context.Context, cfg config.ChannelConfig, log *slog.Logger) (cache.Channel, error) {
	switch cfg.Kind {
	case config.KindMemory:
		return memorycache.New(), nil
	case config.KindRedis:
		ch, err := rediscache.New(ctx, rediscache.Config{
			Addr:      cfg.Addr,
			KeyPrefix: cfg.KeyPrefix,
			DB:        cfg.DB,
		}, rediscache.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("%w: unknown channel kind %q", cache.ErrConfiguration, cfg.Kind)
	}
}

// pick returns the first non-nil of explicit and file, else def.
func pick[T any](explicit, file *T, def T) T {
	if explicit != nil {
		return *explicit
	}
	if file != nil {
		return *file
	}
	return def
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
