package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithSessionData(context.Background(), &SessionData{Name: "orders-session", Scope: "tenant-a"})
	ctx = WithCacheData(ctx, &CacheData{Name: "orders"})
	log.InfoContext(ctx, "cache.create.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok {
		t.Fatalf("expected sess group, got %v", rec)
	}
	if sess["name"] != "orders-session" || sess["scope"] != "tenant-a" {
		t.Fatalf("unexpected sess group %v", sess)
	}
	c, ok := rec["cache"].(map[string]any)
	if !ok || c["name"] != "orders" {
		t.Fatalf("unexpected cache group %v", rec["cache"])
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil))).With("component", "test")
	log.InfoContext(context.Background(), "session.close.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := rec["sess"]; ok {
		t.Fatalf("did not expect sess group: %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("expected With attrs to survive, got %v", rec)
	}
	if _, ok := log.Handler().(Handler); !ok {
		t.Fatalf("expected With to keep the logctx handler, got %T", log.Handler())
	}
}

func TestWrapIdempotent(t *testing.T) {
	log := Wrap(nil)
	if Wrap(log) != log {
		t.Fatal("expected Wrap to return an already wrapped logger unchanged")
	}
}
