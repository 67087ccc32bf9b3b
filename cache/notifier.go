package cache

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ggoodman/cachesession-go/executor"
)

// Notifier tracks the liveness of one handle and the listeners attached to
// it. Handle implementations embed it and call Deactivate / NotifyTruncated
// when the peer reports a change.
type Notifier struct {
	exec executor.Executor
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	deactivation []DeactivationListener
	truncation   []TruncationListener
}

// NewNotifier returns an active Notifier delivering callbacks through exec.
func NewNotifier(exec executor.Executor, log *slog.Logger) *Notifier {
	if exec == nil {
		exec = executor.Inline
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{exec: exec, log: log}
}

// State returns the current liveness state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsActive reports whether the state is StateActive.
func (n *Notifier) IsActive() bool {
	return n.State() == StateActive
}

func (n *Notifier) AddDeactivationListener(l DeactivationListener) {
	if l == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deactivation = append(n.deactivation, l)
}

func (n *Notifier) RemoveDeactivationListener(l DeactivationListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.deactivation {
		if existing == l {
			n.deactivation = append(n.deactivation[:i:i], n.deactivation[i+1:]...)
			return
		}
	}
}

func (n *Notifier) AddTruncationListener(l TruncationListener) {
	if l == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.truncation = append(n.truncation, l)
}

func (n *Notifier) RemoveTruncationListener(l TruncationListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.truncation {
		if existing == l {
			n.truncation = append(n.truncation[:i:i], n.truncation[i+1:]...)
			return
		}
	}
}

// Deactivate moves an active handle to state (StateReleased or
// StateDestroyed) and notifies the deactivation listeners attached at that
// moment. It returns false, and notifies nobody, if the handle was already
// inactive.
func (n *Notifier) Deactivate(self Handle, state State) bool {
	if state == StateActive {
		return false
	}
	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		return false
	}
	n.state = state
	listeners := append([]DeactivationListener(nil), n.deactivation...)
	n.mu.Unlock()

	for _, l := range listeners {
		l := l
		n.deliver(self.Name(), "deactivation", func() {
			if state == StateDestroyed {
				l.Destroyed(self)
			} else {
				l.Released(self)
			}
		})
	}
	return true
}

// NotifyTruncated tells the truncation listeners that the contents of self
// were cleared. Inactive handles drop the notification.
func (n *Notifier) NotifyTruncated(self NamedCache) {
	n.mu.Lock()
	if n.state != StateActive {
		n.mu.Unlock()
		return
	}
	listeners := append([]TruncationListener(nil), n.truncation...)
	n.mu.Unlock()

	for _, l := range listeners {
		l := l
		n.deliver(self.Name(), "truncation", func() { l.Truncated(self) })
	}
}

func (n *Notifier) deliver(name, kind string, fn func()) {
	err := n.exec.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("cache.listener.panic",
					slog.String("cache", name),
					slog.String("kind", kind),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
		}()
		fn()
	})
	if err != nil {
		n.log.Warn("cache.listener.drop",
			slog.String("cache", name),
			slog.String("kind", kind),
			slog.String("err", err.Error()),
		)
	}
}

// ValidateName rejects cache names a peer cannot address.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: cache name must not be empty", ErrConfiguration)
	}
	return nil
}
