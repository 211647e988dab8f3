// Package ramlog implements the in-memory, log-structured storage engine
// of a distributed key-value store master: a single append-only log
// partitioned into fixed-size segments backed by fixed-size seglets, and a
// background cleaner that reclaims dead entries by memory compaction and
// disk cleaning without blocking foreground appends.
//
// The RPC dispatch layer, cluster coordinator, recovery manager,
// hash-index, and backup replication transport are external collaborators;
// this package only defines the narrow interfaces it needs from them
// (EntryHandlers, ReplicaManager).
package ramlog
