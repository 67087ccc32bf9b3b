// Package config loads session and channel settings from a TOML file and
// from the environment.
//
// A file names sessions and the channels they connect through:
//
//	[sessions.orders]
//	scope = "tenant-a"
//	channel = "primary"
//	serializer = "json"
//	[sessions.orders.executor]
//	workers = 4
//
//	[channels.primary]
//	kind = "redis"
//	addr = "localhost:6379"
//
// Values resolve in this order: explicit session option, the session's
// entry in the file, Defaults decoded from CACHE_* environment variables,
// then HardDefaults. Watcher reloads the file when it changes on disk.
package config
