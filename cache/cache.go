package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/cachesession-go/codec"
	"github.com/ggoodman/cachesession-go/executor"
)

var (
	// ErrConnectivity indicates the channel could not reach the peer.
	ErrConnectivity = errors.New("cache: peer unreachable")
	// ErrConfiguration indicates the request conflicts with how the cache
	// is configured on the peer (or is malformed).
	ErrConfiguration = errors.New("cache: invalid configuration")
	// ErrChannelClosed is returned by Create after the channel was closed.
	ErrChannelClosed = errors.New("cache: channel closed")
	// ErrNotActive is returned by operations on a released or destroyed handle.
	ErrNotActive = errors.New("cache: handle is not active")
)

// State is the liveness of a handle. It only ever moves away from
// StateActive, never back.
type State int

const (
	StateActive State = iota
	StateReleased
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// NamedCache is the caller-facing view of a named remote cache.
type NamedCache interface {
	Name() string
	Scope() string
	// IsActive reports whether the binding to the remote cache is usable.
	IsActive() bool
	// Truncate removes every entry without destroying the cache. All
	// handles bound to the cache observe a truncation.
	Truncate(ctx context.Context) error
	// Destroy removes the cache on the peer. All handles bound to the
	// cache become destroyed.
	Destroy(ctx context.Context) error
	// Release gives up this local binding only; the remote cache and other
	// bindings are unaffected.
	Release(ctx context.Context) error
}

// DeactivationListener observes a handle leaving StateActive.
type DeactivationListener interface {
	Released(h Handle)
	Destroyed(h Handle)
}

// TruncationListener observes truncation of the cache behind a handle.
type TruncationListener interface {
	Truncated(c NamedCache)
}

// Handle is the client-side binding to one remote cache.
// Implementations MUST be safe for concurrent use.
type Handle interface {
	NamedCache
	State() State

	AddDeactivationListener(l DeactivationListener)
	RemoveDeactivationListener(l DeactivationListener)
	AddTruncationListener(l TruncationListener)
	RemoveTruncationListener(l TruncationListener)
}

// CreateOptions carries the fully resolved settings for one handle.
type CreateOptions struct {
	Scope      string
	Name       string
	Serializer codec.Serializer
	// Executor delivers listener callbacks. Nil means executor.Inline.
	Executor executor.Executor
	Logger   *slog.Logger
}

// Channel constructs handles over one connection to a peer.
type Channel interface {
	// Create binds a new handle to the named cache, creating the cache on
	// the peer if needed. Every call returns a distinct handle.
	Create(ctx context.Context, opts CreateOptions) (Handle, error)
	Close() error
}

// Traceable is implemented by channels that can log the traffic they send
// to the peer.
type Traceable interface {
	EnableTracing(log *slog.Logger, verbose bool)
}
