// Package session hands out named cache handles over a shared channel and
// keeps at most one live handle per cache name.
//
// A Session lazily creates a handle the first time a cache is requested and
// returns the same handle to every later caller until that handle is
// released or destroyed, at which point the next request transparently
// builds a replacement. Lifecycle events (created, destroyed, truncated)
// are raised through a lifecycle.Dispatcher.
//
// Concurrency
//
//   - Concurrent GetCache calls for the same name construct exactly one
//     handle; the others wait for it and honour their own context while
//     waiting.
//   - The registry lock is held only for map bookkeeping. Channel.Create,
//     Release, dispatchers and close listeners always run without it.
//   - Close is serialized, idempotent and always returns nil. A creation
//     still in flight when Close starts releases its own handle and fails
//     with ErrSessionClosed.
//
// Settings resolve in the order: explicit Option, the session's entry in the
// configuration file, environment defaults, built-in defaults.
//
// Example:
//
//	s, err := session.New(ctx,
//		session.WithName("orders"),
//		session.WithChannel(memorycache.New()),
//	)
//	if err != nil { ... }
//	defer s.Close()
//
//	c, err := s.GetCache(ctx, "pending")
package session
