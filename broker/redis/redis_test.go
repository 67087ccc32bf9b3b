package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/cachesession-go/broker"
	"github.com/ggoodman/cachesession-go/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func TestRedisBroker(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	testClient.Close()

	factory := func(t *testing.T) broker.Broker {
		// Create a fresh client for each test run
		client := redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
		return New(Config{
			Client:    client,
			KeyPrefix: "test:broker:",
		})
	}

	brokertest.RunBrokerTests(t, factory)
}

func TestStreamKey(t *testing.T) {
	b := New(Config{Client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}), KeyPrefix: "p:"})
	defer b.Close()
	if got := b.streamKey("lifecycle:tenant-a"); got != "p:stream:lifecycle:tenant-a" {
		t.Fatalf("unexpected stream key %q", got)
	}
}
