package ramlog

// ReplicaManager is a per-segment handle that asynchronously mirrors a
// closed segment's bytes to remote backups. SegmentManager owns exactly
// one handle per segment, created by a ReplicaManagerFactory supplied at
// construction.
type ReplicaManager interface {
	// Close begins asynchronous replication of the segment's bytes in
	// [0, appendedLength) to the backups. Called once, right after the
	// segment transitions to IMMUTABLE.
	Close(appendedLength int64) error

	// Sync returns nil once the backups have acknowledged at least length
	// bytes and ErrBackupUnavailable while they have not; callers retry
	// with backoff until it succeeds. doDiskCleaning calls this before
	// treating a filled survivor as durably replicated.
	Sync(length int64) error

	// Free releases the backups' copies. Called only from
	// SegmentManager.cleaningComplete, after which no reference into the
	// segment may be resolved.
	Free() error
}

// ReplicaManagerFactory creates the ReplicaManager handle for a newly
// allocated segment. SegmentManager calls it once per segment, whether
// head or survivor.
type ReplicaManagerFactory func(id SegmentID) ReplicaManager
