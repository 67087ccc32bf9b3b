// Package lifecycle carries cache lifecycle events (created, destroyed,
// truncated) from a session to whoever wants to observe them.
//
// A session raises at most one Created event per handle it constructs, one
// Destroyed event when a handle it owns is destroyed on the peer, and one
// Truncated event per truncation signal. Dispatchers compose:
//
//	bus := &lifecycle.Bus{}
//	bus.Subscribe(func(ctx context.Context, ev lifecycle.Event) error {
//		log.Info("cache.event", "type", ev.Type, "cache", ev.CacheName)
//		return nil
//	})
//	d := lifecycle.Multi(bus, lifecycle.NewBrokerDispatcher(b, codec.JSON))
//
// BrokerDispatcher publishes each event as a Record on the broker namespace
// "lifecycle:<scope>"; Watch reads them back in another process.
package lifecycle
