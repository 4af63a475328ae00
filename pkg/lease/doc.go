// Package lease implements the distributed ownership protocol: time-bounded
// exclusive bindings between agent ids and node ids, backed by Redis, plus
// the ownership-guarded checkpoint record operations built on top of them.
//
// Two behaviorally equivalent backends are provided. The script backend
// (default) runs each operation as one server-side Lua script and is
// preferred for throughput; the watch backend expresses the same
// compare-and-swap optimistically with WATCH/MULTI/EXEC, serialized through
// a single-flight queue so watch windows never interleave.
package lease
