package ramlog

import (
	"sync"
	"sync/atomic"

	"github.com/v2pro/plz/countlog"
)

// Log is the public facade of the engine: append, free, and entry
// resolution. It installs the current head and rolls over to a new one
// when the current head is full, delegating all segment bookkeeping to
// SegmentManager.
type Log struct {
	id      uint64
	sm      *SegmentManager
	metrics *Metrics

	headMu sync.Mutex // serializes roll-over only; concurrent appenders to the same head still race only inside Segment.Append
	head   atomic.Value // *Segment
}

// NewLog creates a Log backed by sm and immediately allocates its first
// head segment.
func NewLog(id uint64, sm *SegmentManager, metrics *Metrics) (*Log, error) {
	l := &Log{id: id, sm: sm, metrics: metrics}
	head, err := sm.AllocHead(nil)
	if err != nil {
		return nil, err
	}
	l.head.Store(head)
	return l, nil
}

func (l *Log) currentHead() *Segment {
	return l.head.Load().(*Segment)
}

// Append appends an entry and returns a stable Reference to it. On a full
// head it rolls to a new one and retries; it fails terminally only if the
// allocator cannot provide a new head (ErrOutOfSegments).
func (l *Log) Append(t EntryType, payload []byte) (Reference, error) {
	for {
		head := l.currentHead()
		offset, err := head.Append(t, payload)
		if err == nil {
			return NewReference(head.id, offset), nil
		}
		if err != ErrSegmentFull && err != ErrSegmentClosed {
			return 0, err
		}
		if rolled, rollErr := l.rollHead(head); rollErr != nil {
			return 0, rollErr
		} else if !rolled {
			// another goroutine already rolled past us; retry against
			// whatever is current now.
			continue
		}
	}
}

// rollHead installs a new head if the current head is still the one the
// caller observed as full. It returns rolled=false (no error) if another
// appender already rolled it first, so the caller just retries against
// the new head.
func (l *Log) rollHead(fullHead *Segment) (bool, error) {
	l.headMu.Lock()
	defer l.headMu.Unlock()
	if l.currentHead() != fullHead {
		return false, nil
	}
	newHead, err := l.sm.AllocHead(fullHead)
	if err != nil {
		countlog.Error("event!log.failed to roll head", "err", err)
		return false, ErrOutOfSegments
	}
	l.head.Store(newHead)
	countlog.Info("event!log.rolled head", "previous", fullHead.id.String(), "new", newHead.id.String())
	return true, nil
}

// Free decrements liveBytes and entryCounts[type] on the segment named by
// ref. It resolves ref's segment id through the redirection table first,
// so freeing a reference issued before a compaction still lands on the
// survivor that now holds the entry.
func (l *Log) Free(t EntryType, ref Reference, length int) error {
	seg, ok := l.sm.GetSegment(ref.SegmentID())
	if !ok {
		countlog.Warn("event!log.free on unknown segment", "segmentId", ref.SegmentID().String())
		return nil
	}
	if err := seg.Free(t, length); err != nil {
		countlog.Fatal("event!log.invariant violation on free", "err", err)
		return err
	}
	l.metrics.TotalBytesFreed.Add(float64(length))
	return nil
}

// GetEntry resolves ref's segmentId through the redirection table, then
// reads the entry at ref's offset.
func (l *Log) GetEntry(ref Reference) (EntryType, []byte, error) {
	seg, offset, ok := l.sm.ResolveReference(ref)
	if !ok {
		return 0, nil, errTruncatedEntry
	}
	return seg.GetEntry(offset)
}
