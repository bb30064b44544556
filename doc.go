// Package flowcache is a coordination layer between application code and a
// key-value backing store. It does not implement a store itself; it
// implements the logic around one: tag-based invalidation, pluggable
// freshness strategies (read-through, refresh-ahead, write-through),
// single-flight behavior backed by distributed locks, an offline write queue
// for transient disconnections, and bounded operation latencies.
package flowcache
