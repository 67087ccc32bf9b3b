package rediscache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/codec"
	"github.com/redis/go-redis/v9"
)

type signalType string

const (
	signalDestroyed signalType = "destroyed"
	signalTruncated signalType = "truncated"
)

// signal is the Pub/Sub payload announcing a lifecycle change of a cache.
type signal struct {
	Type signalType `json:"type"`
	// Origin is the id of the handle that caused the change, empty when
	// the change came from outside a handle.
	Origin string `json:"origin,omitempty"`
}

type handle struct {
	*cache.Notifier
	channel *Channel
	scope   string
	name    string
	id      string
	pubsub  *redis.PubSub
	log     *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func (h *handle) Name() string  { return h.name }
func (h *handle) Scope() string { return h.scope }

func (h *handle) Truncate(ctx context.Context) error {
	if !h.IsActive() {
		return cache.ErrNotActive
	}
	return h.channel.truncate(ctx, h.scope, h.name, h.id)
}

func (h *handle) Destroy(ctx context.Context) error {
	if !h.IsActive() {
		return cache.ErrNotActive
	}
	if err := h.channel.destroy(ctx, h.scope, h.name, h.id); err != nil {
		return err
	}
	// Our own signal arrives asynchronously; deactivate now so the caller
	// observes the destruction on return. The later signal is a no-op.
	h.stop()
	h.channel.unbind(h)
	h.Deactivate(h, cache.StateDestroyed)
	return nil
}

func (h *handle) Release(ctx context.Context) error {
	if !h.IsActive() {
		return nil
	}
	h.stop()
	h.channel.unbind(h)
	h.Deactivate(h, cache.StateReleased)
	return nil
}

func (h *handle) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		if err := h.pubsub.Close(); err != nil {
			h.log.Debug("redis.pubsub.close.fail", slog.String("cache", h.name), slog.String("err", err.Error()))
		}
	})
}

func (h *handle) receive() {
	msgs := h.pubsub.Channel()
	for {
		select {
		case <-h.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var sig signal
			if err := codec.JSON.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				h.log.Warn("redis.signal.invalid", slog.String("cache", h.name), slog.String("err", err.Error()))
				continue
			}
			switch sig.Type {
			case signalDestroyed:
				h.channel.unbind(h)
				h.Deactivate(h, cache.StateDestroyed)
				h.stop()
				return
			case signalTruncated:
				h.NotifyTruncated(h)
			default:
				h.log.Debug("redis.signal.unknown", slog.String("cache", h.name), slog.String("type", string(sig.Type)))
			}
		}
	}
}

var _ cache.Handle = (*handle)(nil)
