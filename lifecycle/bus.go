package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handler consumes events delivered by a Bus.
type Handler func(ctx context.Context, ev Event) error

// Bus is an in-process Dispatcher that fans events out to subscribed
// handlers in subscription order. The zero value is ready to use.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription
}

type subscription struct {
	id uint64
	fn Handler
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Len reports the number of subscribed handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Dispatch delivers ev to every handler. A failing or panicking handler does
// not prevent delivery to the others; their errors are joined.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := invoke(ctx, s.fn, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle: handler panic: %v", r)
		}
	}()
	return fn(ctx, ev)
}

type multi []Dispatcher

func (m multi) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Multi returns a Dispatcher that forwards every event to each of ds in order
// and joins their errors. Nil dispatchers are skipped.
func Multi(ds ...Dispatcher) Dispatcher {
	out := make(multi, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			out = append(out, d)
		}
	}
	switch len(out) {
	case 0:
		return Nop
	case 1:
		return out[0]
	}
	return out
}

var (
	_ Dispatcher = (*Bus)(nil)
	_ Dispatcher = multi(nil)
)
