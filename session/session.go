package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/codec"
	"github.com/ggoodman/cachesession-go/executor"
	"github.com/ggoodman/cachesession-go/internal/logctx"
	"github.com/ggoodman/cachesession-go/lifecycle"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("session: closed")

// Session is a registry of named cache handles sharing one channel.
// A Session is safe for concurrent use.
type Session struct {
	name       string
	scope      string
	serializer codec.Serializer
	channel    cache.Channel
	exec       executor.Executor
	dispatcher lifecycle.Dispatcher
	log        *slog.Logger

	dispatchTimeout time.Duration

	// owned are closed, in order, at the end of Close.
	owned []ownedResource

	reg          *registry
	deactivation *deactivationAdapter
	truncation   *truncationAdapter

	closeMu sync.Mutex

	listenersMu     sync.Mutex
	listeners       []CloseListener
	listenersClosed bool
}

type ownedResource struct {
	kind  string
	close func() error
}

// GetCache returns the live handle for name, creating one if none exists or
// the existing one was released or destroyed.
func (s *Session) GetCache(ctx context.Context, name string) (cache.NamedCache, error) {
	h, err := s.getOrCreate(ctx, name)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Session) getOrCreate(ctx context.Context, name string) (cache.Handle, error) {
	for {
		e, winner, err := s.reg.acquire(name)
		if err != nil {
			return nil, err
		}
		if winner {
			if err := s.create(ctx, name, e); err != nil {
				return nil, err
			}
		} else {
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				// The winner gave up on its own context; ours may still be live.
				if isContextErr(e.err) && ctx.Err() == nil {
					continue
				}
				return nil, e.err
			}
		}

		h := e.h
		if !h.IsActive() {
			s.reg.remove(name, e)
			continue
		}
		if s.reg.isClosed() {
			return nil, ErrSessionClosed
		}
		return h, nil
	}
}

// create constructs the handle for a pending entry this caller won. On
// success the entry is published, Created has been dispatched and the
// session's listeners are attached.
func (s *Session) create(ctx context.Context, name string, e *entry) error {
	logCtx := s.logContext(ctx, name)

	resolved := false
	defer func() {
		if !resolved {
			s.reg.fail(name, e, errCreatePanicked)
		}
	}()

	h, err := s.channel.Create(ctx, cache.CreateOptions{
		Scope:      s.scope,
		Name:       name,
		Serializer: s.serializer,
		Executor:   s.exec,
		Logger:     s.log,
	})
	if err == nil && h == nil {
		err = fmt.Errorf("%w: channel returned no handle for %q", cache.ErrConfiguration, name)
	}
	if err != nil {
		resolved = true
		s.reg.fail(name, e, err)
		s.log.WarnContext(logCtx, "cache.create.fail", slog.String("err", err.Error()))
		return err
	}

	resolved = true
	if !s.reg.publish(e, h) {
		s.release(logCtx, ctx, h)
		s.log.InfoContext(logCtx, "cache.create.abandon")
		return ErrSessionClosed
	}

	s.log.DebugContext(logCtx, "cache.create.ok")
	s.dispatch(context.WithoutCancel(ctx), lifecycle.Created, h)

	// Adapters go on after Created so no Destroyed or Truncated event can
	// precede it. A deactivation that slipped in before the attach is
	// reconciled here; removeHandle keeps it from being reported twice.
	h.AddDeactivationListener(s.deactivation)
	h.AddTruncationListener(s.truncation)
	switch h.State() {
	case cache.StateDestroyed:
		s.deactivation.Destroyed(h)
	case cache.StateReleased:
		s.deactivation.Released(h)
	}
	return nil
}

func (s *Session) detach(h cache.Handle) {
	h.RemoveDeactivationListener(s.deactivation)
	h.RemoveTruncationListener(s.truncation)
}

// release gives up h, logging instead of returning failures and panics.
func (s *Session) release(logCtx, ctx context.Context, h cache.Handle) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(logCtx, "cache.release.fail", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := h.Release(ctx); err != nil {
		s.log.WarnContext(logCtx, "cache.release.fail", slog.String("err", err.Error()))
	}
}

// dispatch raises a lifecycle event for c, bounded by the dispatch timeout.
// Dispatcher errors and panics are logged and go no further.
func (s *Session) dispatch(ctx context.Context, typ lifecycle.EventType, c cache.NamedCache) {
	ctx = s.logContext(ctx, c.Name())
	if s.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.dispatchTimeout)
		defer cancel()
	}
	ev := lifecycle.NewEvent(typ, c, s.scope, s.name, "")

	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "lifecycle.dispatch.fail",
				slog.String("type", typ.String()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "lifecycle.dispatch.fail",
			slog.String("type", typ.String()),
			slog.String("err", err.Error()),
		)
	}
}

// Close is CloseContext with a background context. It always returns nil.
func (s *Session) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext releases every handle, notifies the close listeners in
// registration order and then closes the resources the session created
// itself. Failures are logged and never abort the sequence. Calls after the
// first return immediately; CloseContext always returns nil.
//
// CloseContext must not be called from a listener running on an executor
// pool the session owns, since closing that pool waits for the listener.
func (s *Session) CloseContext(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	handles, first := s.reg.closeAll()
	if !first {
		return nil
	}
	logCtx := s.logContext(ctx, "")

	for _, h := range handles {
		s.detach(h)
		s.release(s.logContext(ctx, h.Name()), ctx, h)
	}

	s.listenersMu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.listenersClosed = true
	s.listenersMu.Unlock()

	for _, l := range listeners {
		s.notifyClosed(logCtx, l)
	}

	for _, r := range s.owned {
		if err := r.close(); err != nil {
			s.log.WarnContext(logCtx, "session.resource.close.fail",
				slog.String("kind", r.kind),
				slog.String("err", err.Error()),
			)
		}
	}

	s.log.InfoContext(logCtx, "session.close.ok", slog.Int("released", len(handles)))
	return nil
}

func (s *Session) notifyClosed(logCtx context.Context, l CloseListener) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(logCtx, "session.listener.fail", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	l.SessionClosed(s)
}

// AddCloseListener registers l to be notified when the session closes. If
// the session has already closed, l is notified immediately on the calling
// goroutine and not retained.
func (s *Session) AddCloseListener(l CloseListener) {
	if l == nil {
		return
	}
	s.listenersMu.Lock()
	if !s.listenersClosed {
		s.listeners = append(s.listeners, l)
		s.listenersMu.Unlock()
		return
	}
	s.listenersMu.Unlock()
	s.notifyClosed(s.logContext(context.Background(), ""), l)
}

// RemoveCloseListener unregisters the first listener equal to l.
func (s *Session) RemoveCloseListener(l CloseListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// OnClose registers fn as a close listener and returns a function removing it.
func (s *Session) OnClose(fn func(*Session)) (remove func()) {
	l := &closeFunc{fn: fn}
	s.AddCloseListener(l)
	return func() { s.RemoveCloseListener(l) }
}

func (s *Session) Name() string  { return s.name }
func (s *Session) Scope() string { return s.scope }

// IsClosed reports whether Close has started.
func (s *Session) IsClosed() bool { return s.reg.isClosed() }

// SerializerFormat is the format every cache of this session is created with.
func (s *Session) SerializerFormat() string { return s.serializer.Format() }

// CacheNames lists, in sorted order, the caches that currently have a live
// handle in this session.
func (s *Session) CacheNames() []string { return s.reg.names() }

func (s *Session) String() string {
	return fmt.Sprintf("Session{name: %q, scope: %q, serializer: %q, closed: %t}",
		s.name, s.scope, s.serializer.Format(), s.IsClosed())
}

func (s *Session) logContext(ctx context.Context, cacheName string) context.Context {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Name: s.name, Scope: s.scope})
	if cacheName != "" {
		ctx = logctx.WithCacheData(ctx, &logctx.CacheData{Name: cacheName})
	}
	return ctx
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
