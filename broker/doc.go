// Package broker defines an ordered, namespace-isolated message log.
//
// The lifecycle package publishes cache lifecycle events through a Broker so
// that processes other than the one holding a session can watch caches being
// created, destroyed and truncated.
//
// Implementations
//
//	memory : in-process log, for tests and single-process programs
//	redis  : Redis Streams (XADD / XREAD), for observers in other processes
//
// brokertest holds the conformance suite both implementations pass.
package broker
