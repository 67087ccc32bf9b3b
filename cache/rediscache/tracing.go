package rediscache

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// TracingHook logs every dial, command and pipeline the client issues.
// Verbose adds command arguments to the log record.
type TracingHook struct {
	Log     *slog.Logger
	Verbose bool
}

func (t TracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		start := time.Now()
		conn, err := next(ctx, network, addr)
		if err != nil {
			t.Log.WarnContext(ctx, "redis.dial.fail", slog.String("addr", addr), slog.String("err", err.Error()))
			return conn, err
		}
		t.Log.DebugContext(ctx, "redis.dial.ok", slog.String("addr", addr), slog.Duration("dur", time.Since(start)))
		return conn, nil
	}
}

func (t TracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		attrs := []any{slog.String("cmd", cmd.Name()), slog.Duration("dur", time.Since(start))}
		if t.Verbose {
			attrs = append(attrs, slog.Any("args", cmd.Args()))
		}
		if err != nil && err != redis.Nil {
			t.Log.WarnContext(ctx, "redis.cmd.fail", append(attrs, slog.String("err", err.Error()))...)
			return err
		}
		t.Log.DebugContext(ctx, "redis.cmd.ok", attrs...)
		return err
	}
}

func (t TracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		attrs := []any{slog.Int("cmds", len(cmds)), slog.Duration("dur", time.Since(start))}
		if err != nil && err != redis.Nil {
			t.Log.WarnContext(ctx, "redis.pipeline.fail", append(attrs, slog.String("err", err.Error()))...)
			return err
		}
		t.Log.DebugContext(ctx, "redis.pipeline.ok", attrs...)
		return err
	}
}

var _ redis.Hook = TracingHook{}
