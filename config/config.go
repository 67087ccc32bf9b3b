package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// ErrInvalid is wrapped by every validation failure reported by Parse and Load.
var ErrInvalid = errors.New("config: invalid")

// Channel kinds understood by the session dialer.
const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

// File is the parsed form of a session configuration file.
type File struct {
	Sessions map[string]SessionConfig `toml:"sessions"`
	Channels map[string]ChannelConfig `toml:"channels"`
}

// SessionConfig is one [sessions.<key>] table. Unset fields defer to the
// environment defaults.
type SessionConfig struct {
	// Name overrides the table key as the session name.
	Name       string         `toml:"name"`
	Scope      *string        `toml:"scope"`
	Channel    string         `toml:"channel"`
	Serializer string         `toml:"serializer"`
	Tracing    TracingConfig  `toml:"tracing"`
	Executor   ExecutorConfig `toml:"executor"`
}

type TracingConfig struct {
	Enabled *bool `toml:"enabled"`
	Verbose *bool `toml:"verbose"`
}

type ExecutorConfig struct {
	Workers int `toml:"workers"`
	Queue   int `toml:"queue"`
}

// ChannelConfig is one [channels.<key>] table.
type ChannelConfig struct {
	Kind      string `toml:"kind"`
	Addr      string `toml:"addr"`
	KeyPrefix string `toml:"key_prefix"`
	DB        int    `toml:"db"`
}

// Load reads and parses the TOML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a TOML document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	meta, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every session and channel table.
func (f *File) Validate() error {
	for key, s := range f.Sessions {
		if s.Executor.Workers < 0 || s.Executor.Queue < 0 {
			return fmt.Errorf("%w: sessions.%s.executor must not be negative", ErrInvalid, key)
		}
		if s.Channel != "" {
			if _, ok := f.Channels[s.Channel]; !ok {
				return fmt.Errorf("%w: sessions.%s references unknown channel %q", ErrInvalid, key, s.Channel)
			}
		}
	}
	for key, c := range f.Channels {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("channels.%s: %w", key, err)
		}
	}
	return nil
}

// Validate checks the channel kind and the fields it requires.
func (c ChannelConfig) Validate() error {
	switch c.Kind {
	case KindMemory:
	case KindRedis:
		if strings.TrimSpace(c.Addr) == "" {
			return fmt.Errorf("%w: redis channel requires addr", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown channel kind %q", ErrInvalid, c.Kind)
	}
	if c.DB < 0 {
		return fmt.Errorf("%w: db must not be negative", ErrInvalid)
	}
	return nil
}

// Current returns f, letting a parsed File serve as a Source.
func (f *File) Current() *File { return f }

// Session looks up a session entry, first by table key and then by the name
// field of each entry. The returned config has Name filled in.
func (f *File) Session(name string) (SessionConfig, bool) {
	if f == nil {
		return SessionConfig{}, false
	}
	if s, ok := f.Sessions[name]; ok {
		if s.Name == "" {
			s.Name = name
		}
		return s, true
	}
	// Map order is random; scan keys in order so duplicate names resolve the same way.
	keys := make([]string, 0, len(f.Sessions))
	for k := range f.Sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s := f.Sessions[k]; s.Name == name {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// Channel looks up a channel entry by table key.
func (f *File) Channel(name string) (ChannelConfig, bool) {
	if f == nil {
		return ChannelConfig{}, false
	}
	c, ok := f.Channels[name]
	return c, ok
}

// Source supplies the configuration file a session is built from. *File and
// *Watcher both implement it.
type Source interface {
	Current() *File
}

// Defaults are the environment-level fallbacks used when neither an explicit
// option nor the configuration file sets a value.
type Defaults struct {
	// Name of the session. ENV: CACHE_SESSION_NAME
	Name string `env:"CACHE_SESSION_NAME,default=default"`
	// Scope of the session. ENV: CACHE_SESSION_SCOPE
	Scope string `env:"CACHE_SESSION_SCOPE"`
	// Channel names the [channels.<key>] entry to dial. ENV: CACHE_CHANNEL
	Channel string `env:"CACHE_CHANNEL,default=default"`
	// Serializer format. ENV: CACHE_SERIALIZER
	Serializer string `env:"CACHE_SERIALIZER,default=json"`
	// ExecutorWorkers for the listener pool. ENV: CACHE_EXECUTOR_WORKERS
	ExecutorWorkers int `env:"CACHE_EXECUTOR_WORKERS,default=1,strict"`
	// ExecutorQueue is the listener pool queue capacity. ENV: CACHE_EXECUTOR_QUEUE
	ExecutorQueue int `env:"CACHE_EXECUTOR_QUEUE,default=1024,strict"`
	// Tracing enables channel tracing. ENV: CACHE_TRACING
	Tracing bool `env:"CACHE_TRACING,default=false,strict"`
	// DispatchTimeout bounds each lifecycle event dispatch. ENV: CACHE_DISPATCH_TIMEOUT
	DispatchTimeout time.Duration `env:"CACHE_DISPATCH_TIMEOUT,default=5s,strict"`
}

// HardDefaults returns the built-in defaults without consulting the environment.
func HardDefaults() Defaults {
	return Defaults{
		Name:            "default",
		Channel:         "default",
		Serializer:      "json",
		ExecutorWorkers: 1,
		ExecutorQueue:   1024,
		DispatchTimeout: 5 * time.Second,
	}
}

// DefaultsFromEnv decodes Defaults from the environment via envdecode.
func DefaultsFromEnv() (Defaults, error) {
	var d Defaults
	if err := envdecode.Decode(&d); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Defaults{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return d.withHardDefaults(), nil
}

func (d Defaults) withHardDefaults() Defaults {
	hard := HardDefaults()
	if d.Name == "" {
		d.Name = hard.Name
	}
	if d.Channel == "" {
		d.Channel = hard.Channel
	}
	if d.Serializer == "" {
		d.Serializer = hard.Serializer
	}
	if d.ExecutorWorkers <= 0 {
		d.ExecutorWorkers = hard.ExecutorWorkers
	}
	if d.ExecutorQueue <= 0 {
		d.ExecutorQueue = hard.ExecutorQueue
	}
	if d.DispatchTimeout <= 0 {
		d.DispatchTimeout = hard.DispatchTimeout
	}
	return d
}
