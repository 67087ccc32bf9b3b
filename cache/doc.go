// Package cache defines the contracts between a session and the remote
// caches it hands out.
//
// A Channel is a connection to a peer that owns named caches. Channel.Create
// returns a Handle: the local binding to one cache, which reports its own
// liveness and notifies listeners when it is released locally, destroyed on
// the peer, or truncated.
//
//	Session  -> Channel.Create(scope, name)  -> Handle
//	Handle   -> DeactivationListener          (released / destroyed)
//	Handle   -> TruncationListener            (contents cleared)
//
// Implementations
//
//	memorycache : in-process peer for tests and single-process programs
//	rediscache  : Redis-backed peer (metadata hash + Pub/Sub lifecycle signals)
//
// Both implementations embed Notifier, which owns the liveness state and the
// listener sets and delivers callbacks through the session's executor.
// cachetest holds the conformance suite every Channel is expected to pass.
package cache
