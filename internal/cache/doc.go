// Package cache defines the disk-backed snapshot store that keeps successful
// responses under StoragePath/<origin>/<namespace>/. Each namespace is one
// cache generation: entries are written with temp file + rename semantics and
// a whole generation can be evicted at once when a newer agent activates.
// The agent package reads and writes through Generation so an agent never
// touches a namespace other than its own, except to evict it.
package cache
