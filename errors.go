package ramlog

import "errors"

// ErrOutOfSegments is returned to the caller of append when the allocator
// cannot provide a new head segment.
var ErrOutOfSegments = errors.New("ramlog: out of segments")

// ErrRelocationFailed means the survivor a cleaner was relocating into is
// full. doMemoryCleaning returns it after abandoning that survivor and
// reinstating the source as a candidate; the disk-cleaning chain does not
// return it, since it moves on to a fresh survivor instead.
var ErrRelocationFailed = errors.New("ramlog: relocation target full")

// ErrSegmentClosed is returned by append on a segment that is no longer HEAD.
var ErrSegmentClosed = errors.New("ramlog: segment is closed")

// ErrSegmentFull is returned by Segment.Append when the entry does not fit
// in the seglets currently backing the segment. Log.append recovers by
// rolling to a new head; the cleaner's relocateEntry reports it as the
// relocationFailed outcome, on which the disk-cleaning chain closes the
// survivor and allocates another, and memory compaction aborts its pass
// with ErrRelocationFailed.
var ErrSegmentFull = errors.New("ramlog: segment has no space left")

// ErrSegletsNotTrailing is returned by FreeUnusedSeglets when the seglets
// requested to be freed are not at the unwritten tail of the segment.
var ErrSegletsNotTrailing = errors.New("ramlog: seglets hold appended bytes")

// ErrAllocatorExhausted is returned by Alloc when the pool (general or
// reserve, depending on flags) cannot satisfy the request and the caller
// did not set FlagMustNotFail.
var ErrAllocatorExhausted = errors.New("ramlog: seglet pool exhausted")

// ErrBackupUnavailable means a replica sync timed out. The cleaner retries
// indefinitely with backoff; it is never returned to a foreground caller.
var ErrBackupUnavailable = errors.New("ramlog: backup unavailable")

// errTruncatedEntry is returned by decodeEntry/decodeSegmentHeader/
// decodeSegmentFooter when fewer bytes are available than the entry's own
// length claims. Seen past appendedLength it is benign (the tail of a
// segment that hasn't been written yet); seen within appendedLength it
// becomes a CorruptSegmentError.
var errTruncatedEntry = errors.New("ramlog: truncated entry")

// ErrNoCandidates names the case where the candidate set has nothing
// eligible for the requested kind of work. No function in this package
// returns it: the cleaner's victim-selection helpers report that case as
// an empty result (a nil victim, or no victims), which callers treat as
// "no work to do this iteration", not a fault.
var ErrNoCandidates = errors.New("ramlog: no cleaning candidates")

// CorruptSegmentError is raised by a Segment iterator on a bad entry
// length or checksum mismatch. The segment it names is poisoned: cleaning
// of it must abort and the condition is fatal at the master level.
type CorruptSegmentError struct {
	SegmentID SegmentID
	Reason    string
}

func (e *CorruptSegmentError) Error() string {
	return "ramlog: corrupt segment " + e.SegmentID.String() + ": " + e.Reason
}

// InvariantViolation is a fatal accounting-bug assertion failure, e.g. more
// bytes freed than were ever live on a segment. The process should not
// continue after one of these; callers log it with countlog.Fatal.
type InvariantViolation struct {
	What string
}

func (e *InvariantViolation) Error() string {
	return "ramlog: invariant violation: " + e.What
}
