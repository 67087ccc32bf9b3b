package broker

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when lastEventID does not name
// a message retained in the namespace.
var ErrUnknownEventID = errors.New("broker: unknown event id")

// Broker provides namespace-isolated, ordered message logs. Lifecycle events
// for caches are published here so that observers outside the process that
// owns a session can follow them, and resume after a disconnect.
type Broker interface {
	// Publish appends data to the namespace log and returns the generated
	// event ID for it.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message in the namespace, in order,
	// until ctx is done or handler returns an error, and returns that error.
	// If lastEventID is empty, delivery starts with the next published message.
	// If lastEventID is provided, delivery resumes with the message after it.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all messages stored for a namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler receives one message. Returning an error ends the subscription.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message within the namespace
	ID string `json:"id"`
	// Data is the serialized message content
	Data []byte `json:"data"`
}
