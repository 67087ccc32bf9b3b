package cachetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/cachesession-go/cache"
	"github.com/ggoodman/cachesession-go/codec"
)

// Peer performs operations on the remote side without going through the
// channel under test, the way another client would.
type Peer interface {
	Destroy(ctx context.Context, scope, name string) error
	Truncate(ctx context.Context, scope, name string) error
}

// ChannelFactory creates a fresh channel and a peer sharing its backend.
type ChannelFactory func(t *testing.T) (cache.Channel, Peer)

// RunChannelTests runs the complete Channel test suite against the provided factory.
func RunChannelTests(t *testing.T, factory ChannelFactory) {
	t.Run("Create_ReturnsActiveHandle", func(t *testing.T) { testCreateReturnsActiveHandle(t, factory) })
	t.Run("Create_DistinctHandlesPerCall", func(t *testing.T) { testCreateDistinctHandles(t, factory) })
	t.Run("Create_RejectsEmptyName", func(t *testing.T) { testCreateRejectsEmptyName(t, factory) })
	t.Run("Create_RejectsFormatMismatch", func(t *testing.T) { testCreateRejectsFormatMismatch(t, factory) })
	t.Run("Create_AfterCloseFails", func(t *testing.T) { testCreateAfterClose(t, factory) })

	t.Run("Release_NotifiesOnce", func(t *testing.T) { testReleaseNotifiesOnce(t, factory) })
	t.Run("Release_LeavesOtherHandlesActive", func(t *testing.T) { testReleaseLeavesOthers(t, factory) })

	t.Run("Destroy_ByPeerDeactivatesAllHandles", func(t *testing.T) { testPeerDestroy(t, factory) })
	t.Run("Destroy_ByHandleReachesOtherHandles", func(t *testing.T) { testHandleDestroy(t, factory) })
	t.Run("Destroy_InactiveHandleFails", func(t *testing.T) { testDestroyInactive(t, factory) })

	t.Run("Truncate_ByPeerKeepsHandlesActive", func(t *testing.T) { testPeerTruncate(t, factory) })
	t.Run("Truncate_DetachedListenerNotCalled", func(t *testing.T) { testTruncateDetached(t, factory) })
}

const waitTimeout = 3 * time.Second

// --- helpers ---

var nameSeq atomic.Int64

func uniqueName(t *testing.T) string {
	base := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
	return fmt.Sprintf("%s-%d-%d", base, time.Now().UnixNano(), nameSeq.Add(1))
}

type recorder struct {
	released  chan cache.Handle
	destroyed chan cache.Handle
	truncated chan cache.NamedCache
}

func newRecorder() *recorder {
	return &recorder{
		released:  make(chan cache.Handle, 16),
		destroyed: make(chan cache.Handle, 16),
		truncated: make(chan cache.NamedCache, 16),
	}
}

func (r *recorder) Released(h cache.Handle)      { r.released <- h }
func (r *recorder) Destroyed(h cache.Handle)     { r.destroyed <- h }
func (r *recorder) Truncated(c cache.NamedCache) { r.truncated <- c }

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		var zero T
		t.Fatalf("timed out waiting for %s", what)
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func create(t *testing.T, ch cache.Channel, scope, name string) cache.Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	h, err := ch.Create(ctx, cache.CreateOptions{Scope: scope, Name: name, Serializer: codec.JSON})
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return h
}

func closeChannel(t *testing.T, ch cache.Channel) {
	t.Helper()
	if err := ch.Close(); err != nil {
		t.Errorf("close channel: %v", err)
	}
}

// --- tests ---

func testCreateReturnsActiveHandle(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	h := create(t, ch, "scope-a", name)

	if h.Name() != name {
		t.Fatalf("expected name %q, got %q", name, h.Name())
	}
	if h.Scope() != "scope-a" {
		t.Fatalf("expected scope scope-a, got %q", h.Scope())
	}
	if !h.IsActive() || h.State() != cache.StateActive {
		t.Fatalf("expected active handle, got %s", h.State())
	}
}

func testCreateDistinctHandles(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	h1 := create(t, ch, "", name)
	h2 := create(t, ch, "", name)
	if h1 == h2 {
		t.Fatal("expected distinct handle instances")
	}
}

func testCreateRejectsEmptyName(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	_, err := ch.Create(context.Background(), cache.CreateOptions{Name: ""})
	if !errors.Is(err, cache.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func testCreateRejectsFormatMismatch(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	ctx := context.Background()
	if _, err := ch.Create(ctx, cache.CreateOptions{Name: name, Serializer: codec.JSON}); err != nil {
		t.Fatalf("create json: %v", err)
	}
	_, err := ch.Create(ctx, cache.CreateOptions{Name: name, Serializer: codec.YAML})
	if !errors.Is(err, cache.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for format mismatch, got %v", err)
	}
}

func testCreateAfterClose(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	closeChannel(t, ch)

	_, err := ch.Create(context.Background(), cache.CreateOptions{Name: uniqueName(t)})
	if !errors.Is(err, cache.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func testReleaseNotifiesOnce(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	h := create(t, ch, "", uniqueName(t))
	rec := newRecorder()
	h.AddDeactivationListener(rec)

	ctx := context.Background()
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := await(t, rec.released, "released"); got != h {
		t.Fatal("released notification carried the wrong handle")
	}
	if h.State() != cache.StateReleased {
		t.Fatalf("expected released, got %s", h.State())
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
	expectNone(t, rec.released, "second released notification")
	expectNone(t, rec.destroyed, "destroyed notification")
}

func testReleaseLeavesOthers(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	h1 := create(t, ch, "", name)
	h2 := create(t, ch, "", name)

	if err := h1.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !h2.IsActive() {
		t.Fatal("releasing one binding must not affect another")
	}
}

func testPeerDestroy(t *testing.T, factory ChannelFactory) {
	ch, peer := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	h1 := create(t, ch, "s", name)
	h2 := create(t, ch, "s", name)
	r1, r2 := newRecorder(), newRecorder()
	h1.AddDeactivationListener(r1)
	h2.AddDeactivationListener(r2)

	if err := peer.Destroy(context.Background(), "s", name); err != nil {
		t.Fatalf("peer destroy: %v", err)
	}
	await(t, r1.destroyed, "h1 destroyed")
	await(t, r2.destroyed, "h2 destroyed")
	if h1.State() != cache.StateDestroyed || h2.State() != cache.StateDestroyed {
		t.Fatalf("expected destroyed handles, got %s and %s", h1.State(), h2.State())
	}
	expectNone(t, r1.released, "released after destroy")
}

func testHandleDestroy(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	h1 := create(t, ch, "", name)
	h2 := create(t, ch, "", name)
	rec := newRecorder()
	h2.AddDeactivationListener(rec)

	if err := h1.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	await(t, rec.destroyed, "h2 destroyed")

	// The cache is gone on the peer, so a new binding recreates it.
	h3 := create(t, ch, "", name)
	if !h3.IsActive() {
		t.Fatal("expected recreated cache to be active")
	}
}

func testDestroyInactive(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	h := create(t, ch, "", uniqueName(t))
	if err := h.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Destroy(context.Background()); !errors.Is(err, cache.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if err := h.Truncate(context.Background()); !errors.Is(err, cache.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func testPeerTruncate(t *testing.T, factory ChannelFactory) {
	ch, peer := factory(t)
	defer closeChannel(t, ch)

	name := uniqueName(t)
	h := create(t, ch, "", name)
	rec := newRecorder()
	h.AddTruncationListener(rec)
	h.AddDeactivationListener(rec)

	if err := peer.Truncate(context.Background(), "", name); err != nil {
		t.Fatalf("peer truncate: %v", err)
	}
	if got := await(t, rec.truncated, "truncated"); got.Name() != name {
		t.Fatalf("truncation reported for %q", got.Name())
	}
	if !h.IsActive() {
		t.Fatal("truncation must not deactivate the handle")
	}
	expectNone(t, rec.destroyed, "destroyed after truncate")
}

func testTruncateDetached(t *testing.T, factory ChannelFactory) {
	ch, _ := factory(t)
	defer closeChannel(t, ch)

	h := create(t, ch, "", uniqueName(t))
	rec := newRecorder()
	h.AddTruncationListener(rec)
	h.RemoveTruncationListener(rec)

	if err := h.Truncate(context.Background()); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	expectNone(t, rec.truncated, "truncation on detached listener")
}
