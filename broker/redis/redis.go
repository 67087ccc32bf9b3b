package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/cachesession-go/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
// It provides namespace-based message isolation and ordered delivery guarantees
// using Redis Streams for horizontal scalability.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "cache:broker:" if empty.
	KeyPrefix string
	// MaxLen caps each stream with approximate trimming. Zero disables trimming.
	MaxLen int64
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "cache:broker:"
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    config.MaxLen,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish appends data to the namespace stream.
// Returns the generated event ID for the published message.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"data": data,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	// Redis generates the ID
	eventID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe to namespace messages, calling handler for each message.
// If lastEventID is empty, subscription starts from the next published message.
// If lastEventID is provided, subscription resumes from the message after that ID.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	// Determine start position
	startID := "$" // Start from latest message if no lastEventID
	if lastEventID != "" {
		startID = lastEventID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Read from stream without consumer group (to get all messages for all subscribers)
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   time.Second, // Block for 1 second, then check context
		}).Result()

		if err != nil {
			if err == redis.Nil {
				// No messages available, continue
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				// Update start position before dispatch so malformed
				// entries are skipped as well.
				startID = message.ID

				var data []byte
				switch v := message.Values["data"].(type) {
				case string:
					data = []byte(v)
				case []byte:
					data = v
				default:
					continue
				}

				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: data}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup removes all resources associated with a namespace.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	err := b.client.Del(ctx, streamKey).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
