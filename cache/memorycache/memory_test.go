package memorycache

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/cache/cachetest"
)

type clusterPeer struct{ c *Cluster }

func (p clusterPeer) Destroy(ctx context.Context, scope, name string) error {
	p.c.Destroy(scope, name)
	return nil
}

func (p clusterPeer) Truncate(ctx context.Context, scope, name string) error {
	p.c.Truncate(scope, name)
	return nil
}

func TestMemoryChannel(t *testing.T) {
	cachetest.RunChannelTests(t, func(t *testing.T) (cache.Channel, cachetest.Peer) {
		c := New()
		return c, clusterPeer{c: c}
	})
}

func TestFailCreates(t *testing.T) {
	c := New()
	boom := errors.New("connection refused")
	c.FailCreates(boom)

	_, err := c.Create(context.Background(), cache.CreateOptions{Name: "orders"})
	if !errors.Is(err, cache.ErrConnectivity) || !errors.Is(err, boom) {
		t.Fatalf("expected connectivity error wrapping cause, got %v", err)
	}

	c.FailCreates(nil)
	if _, err := c.Create(context.Background(), cache.CreateOptions{Name: "orders"}); err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
}

func TestHandleBookkeeping(t *testing.T) {
	c := New()
	ctx := context.Background()

	h1, _ := c.Create(ctx, cache.CreateOptions{Scope: "s", Name: "orders"})
	_, _ = c.Create(ctx, cache.CreateOptions{Scope: "s", Name: "orders"})
	if got := c.Handles("s", "orders"); got != 2 {
		t.Fatalf("expected 2 bound handles, got %d", got)
	}

	_ = h1.Release(ctx)
	if got := c.Handles("s", "orders"); got != 1 {
		t.Fatalf("expected 1 bound handle after release, got %d", got)
	}
	if !c.Exists("s", "orders") {
		t.Fatal("release must not remove the cache from the peer")
	}

	c.Destroy("s", "orders")
	if c.Exists("s", "orders") {
		t.Fatal("expected cache to be gone after destroy")
	}
}

func TestCloseReleasesHandles(t *testing.T) {
	c := New()
	h, _ := c.Create(context.Background(), cache.CreateOptions{Name: "orders"})

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.State() != cache.StateReleased {
		t.Fatalf("expected released handle after close, got %s", h.State())
	}
}
