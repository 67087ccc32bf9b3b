// Package memorycache implements cache.Channel with an in-process peer.
//
// A Cluster plays the role of the remote side: it records which caches exist
// (and the serializer format each was created with) and which handles are
// bound to them. Destroy and Truncate act as another client would, so tests
// can simulate peer-initiated lifecycle changes deterministically when the
// session is configured with executor.Inline.
//
// Example:
//
//	cluster := memorycache.New()
//	sess, _ := session.New(ctx, session.WithChannel(cluster))
//	orders, _ := sess.GetCache(ctx, "orders")
//	cluster.Destroy("", "orders") // orders is now destroyed; GetCache returns a new handle
package memorycache
