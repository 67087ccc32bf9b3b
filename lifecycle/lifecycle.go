package lifecycle

import (
	"context"
	"time"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/google/uuid"
)

// EventType identifies what happened to a cache.
type EventType string

const (
	Created   EventType = "created"
	Destroyed EventType = "destroyed"
	Truncated EventType = "truncated"
)

func (t EventType) String() string { return string(t) }

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case Created, Destroyed, Truncated:
		return true
	}
	return false
}

// Event describes a lifecycle transition of a named cache within a session.
type Event struct {
	ID   string
	Type EventType

	// Cache is the raw view of the cache the event refers to. It is nil for
	// events decoded from a broker; CacheName is always set.
	Cache     cache.NamedCache
	CacheName string

	Scope   string
	Session string
	// Cause is an optional free-form description of what triggered the event.
	Cause string
	Time  time.Time
}

// NewEvent builds an event for c stamped with a fresh ID and the current time.
func NewEvent(typ EventType, c cache.NamedCache, scope, session, cause string) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Cache:   c,
		Scope:   scope,
		Session: session,
		Cause:   cause,
		Time:    time.Now().UTC(),
	}
	if c != nil {
		ev.CacheName = c.Name()
	}
	return ev
}

// Dispatcher receives lifecycle events raised by a session.
//
// Dispatch is called outside of any session lock and may be invoked from
// handle notification goroutines. Returned errors are logged by the caller and
// never abort the operation that raised the event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, ev Event) error

func (f DispatchFunc) Dispatch(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nop struct{}

func (nop) Dispatch(context.Context, Event) error { return nil }

// Nop discards every event.
var Nop Dispatcher = nop{}
