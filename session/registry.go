package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/ggoodman/cachesession-go/cache"
)

var errCreatePanicked = errors.New("session: cache construction panicked")

// entry is a registry slot. ready is closed once the winning caller has
// either published h or recorded err; neither changes afterwards.
type entry struct {
	ready chan struct{}
	h     cache.Handle
	err   error
}

// registry maps cache names to at most one entry. mu is only ever held for
// map bookkeeping.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// acquire returns the entry for name, inserting a pending one if absent.
// winner is true when the caller inserted it and must resolve it with
// publish or fail.
func (r *registry) acquire(name string) (e *entry, winner bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrSessionClosed
	}
	if e, ok := r.entries[name]; ok {
		return e, false, nil
	}
	e = &entry{ready: make(chan struct{})}
	r.entries[name] = e
	return e, true, nil
}

// publish resolves a pending entry with h. It fails, resolving the entry with
// ErrSessionClosed instead, when the registry closed during construction.
func (r *registry) publish(e *entry, h cache.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		e.err = ErrSessionClosed
		close(e.ready)
		return false
	}
	e.h = h
	close(e.ready)
	return true
}

// fail resolves a pending entry with err and frees the name for a retry.
func (r *registry) fail(name string, e *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	e.err = err
	close(e.ready)
}

// remove deletes name only if it still maps to e.
func (r *registry) remove(name string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[name] != e {
		return false
	}
	delete(r.entries, name)
	return true
}

// removeHandle deletes name only if it still maps to a published entry
// holding h.
func (r *registry) removeHandle(name string, h cache.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok || e.h == nil || e.h != h {
		return false
	}
	delete(r.entries, name)
	return true
}

func (r *registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// names lists the names whose published handle is still active.
func (r *registry) names() []string {
	r.mu.Lock()
	handles := make(map[string]cache.Handle, len(r.entries))
	for name, e := range r.entries {
		if e.h != nil {
			handles[name] = e.h
		}
	}
	r.mu.Unlock()

	out := make([]string, 0, len(handles))
	for name, h := range handles {
		if h.IsActive() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// closeAll marks the registry closed and empties it, returning the published
// handles in name order. Pending entries are left to their winners, which
// observe the closed flag in publish. Only the first call returns ok.
func (r *registry) closeAll() (handles []cache.Handle, ok bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false
	}
	r.closed = true
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.h != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	handles = make([]cache.Handle, 0, len(names))
	for _, name := range names {
		handles = append(handles, r.entries[name].h)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	return handles, true
}
