// Package rediscache implements cache.Channel using Redis as the peer.
//
// Design Notes
//   - Metadata: one hash per cache at <prefix>meta:<scope>:<name>; the
//     "format" field is claimed with HSETNX by the first creator
//   - Contents: <prefix>data:<scope>:<name>, owned by whatever writes the
//     cache; this package only deletes it on truncate / destroy
//   - Lifecycle signals: Pub/Sub on <prefix>events:<scope>:<name>; every
//     handle holds its own subscription and is confirmed subscribed before
//     Create returns
//   - Tracing: TracingHook (redis.Hook) logs dials, commands and pipelines
//
// Trade-offs
//
//	Pros: handles in different processes observe each other's destroy / truncate
//	Cons: Pub/Sub is fire-and-forget; a handle disconnected while a cache is
//	      destroyed only notices on its next failed operation
//
// Example:
//
//	ch, _ := rediscache.New(ctx, rediscache.Config{Addr: "localhost:6379"})
//	sess, _ := session.New(ctx, session.WithChannel(ch))
//	defer sess.Close()
package rediscache
