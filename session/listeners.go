package session

import (
	"context"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/lifecycle"
)

// deactivationAdapter keeps the registry in step with handles leaving
// StateActive. One instance is attached to every handle a session creates.
type deactivationAdapter struct {
	s *Session
}

func (a *deactivationAdapter) Released(h cache.Handle) {
	a.s.reg.removeHandle(h.Name(), h)
}

func (a *deactivationAdapter) Destroyed(h cache.Handle) {
	if a.s.reg.removeHandle(h.Name(), h) {
		a.s.dispatch(context.Background(), lifecycle.Destroyed, h)
	}
}

// truncationAdapter forwards truncation signals as lifecycle events.
type truncationAdapter struct {
	s *Session
}

func (a *truncationAdapter) Truncated(c cache.NamedCache) {
	a.s.dispatch(context.Background(), lifecycle.Truncated, c)
}

// CloseListener is notified once when a Session closes. Implementations
// must be comparable; RemoveCloseListener matches with ==.
type CloseListener interface {
	SessionClosed(s *Session)
}

type closeFunc struct {
	fn func(*Session)
}

func (c *closeFunc) SessionClosed(s *Session) { c.fn(s) }

var (
	_ cache.DeactivationListener = (*deactivationAdapter)(nil)
	_ cache.TruncationListener   = (*truncationAdapter)(nil)
)
