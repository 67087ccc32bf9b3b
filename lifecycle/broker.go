package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/cachesession-go/broker"
	"github.com/ggoodman/cachesession-go/codec"
)

// Record is the serialized form of an Event published to a broker.
type Record struct {
	ID      string    `json:"id" yaml:"id"`
	Type    EventType `json:"type" yaml:"type"`
	Cache   string    `json:"cache" yaml:"cache"`
	Scope   string    `json:"scope" yaml:"scope"`
	Session string    `json:"session" yaml:"session"`
	Cause   string    `json:"cause,omitempty" yaml:"cause,omitempty"`
	Time    time.Time `json:"time" yaml:"time"`
}

// RecordOf converts ev to its serialized form.
func RecordOf(ev Event) Record {
	return Record{
		ID:      ev.ID,
		Type:    ev.Type,
		Cache:   ev.CacheName,
		Scope:   ev.Scope,
		Session: ev.Session,
		Cause:   ev.Cause,
		Time:    ev.Time,
	}
}

// Event converts r back into an Event. The Cache field is left nil.
func (r Record) Event() Event {
	return Event{
		ID:        r.ID,
		Type:      r.Type,
		CacheName: r.Cache,
		Scope:     r.Scope,
		Session:   r.Session,
		Cause:     r.Cause,
		Time:      r.Time,
	}
}

// Namespace returns the broker namespace carrying events for scope.
func Namespace(scope string) string {
	return "lifecycle:" + scope
}

// BrokerDispatcher publishes events to a broker so that observers in other
// processes can follow them with Watch.
type BrokerDispatcher struct {
	b   broker.Broker
	ser codec.Serializer
}

// NewBrokerDispatcher returns a dispatcher publishing to b. A nil serializer
// selects codec.JSON.
func NewBrokerDispatcher(b broker.Broker, ser codec.Serializer) *BrokerDispatcher {
	if ser == nil {
		ser = codec.JSON
	}
	return &BrokerDispatcher{b: b, ser: ser}
}

func (d *BrokerDispatcher) Dispatch(ctx context.Context, ev Event) error {
	data, err := d.ser.Marshal(RecordOf(ev))
	if err != nil {
		return fmt.Errorf("lifecycle: encode %s event: %w", ev.Type, err)
	}
	if _, err := d.b.Publish(ctx, Namespace(ev.Scope), data); err != nil {
		return fmt.Errorf("lifecycle: publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Watch follows the events published for scope, starting after lastEventID
// (or at new events when empty), and calls fn for each one. It blocks until
// ctx is done, fn fails or a record cannot be decoded.
func Watch(ctx context.Context, b broker.Broker, ser codec.Serializer, scope, lastEventID string, fn Handler) error {
	if ser == nil {
		ser = codec.JSON
	}
	return b.Subscribe(ctx, Namespace(scope), lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
		var rec Record
		if err := ser.Unmarshal(env.Data, &rec); err != nil {
			return fmt.Errorf("lifecycle: decode event %s: %w", env.ID, err)
		}
		return fn(ctx, rec.Event())
	})
}

var _ Dispatcher = (*BrokerDispatcher)(nil)
