package ramlog

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"
)

// SegmentState is where a Segment sits in the FREE -> HEAD -> IMMUTABLE ->
// CLEANABLE -> CLEANING -> FREE lifecycle.
type SegmentState int32

const (
	StateFree SegmentState = iota
	StateHead
	StateImmutable
	StateCleanable
	StateCleaning
)

func (s SegmentState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateHead:
		return "HEAD"
	case StateImmutable:
		return "IMMUTABLE"
	case StateCleanable:
		return "CLEANABLE"
	case StateCleaning:
		return "CLEANING"
	default:
		return "UNKNOWN"
	}
}

// entryTypeCount bounds the entryCounts array; EntryType values never
// exceed EntryTypeFooter.
const entryTypeCount = int(EntryTypeFooter) + 1

// Segment is a fixed-size, append-only byte region backed by a slice of
// seglets, plus the liveness accounting the cleaner needs to pick victims.
// Every Segment is pre-sized to its full seglet capacity at construction
// (SegmentManager.allocHead / allocSideSegment decide how many); capacity
// never grows afterward, only shrinks via freeUnusedSeglets. This keeps
// the hot append path a simple bounded reservation instead of an
// allocate-on-demand one, keeping segletsAllocated*segletSize >=
// appendedLength true at all times trivially.
type Segment struct {
	id         SegmentID
	logID      uint64
	segletSize int

	mu      sync.Mutex // serializes the append critical section
	seglets []*seglet  // ordered; capacity = len(seglets)*segletSize

	state SegmentState // atomic

	appendedLength  int64 // atomic: bytes reserved so far, may be ahead of committedLength only transiently
	committedLength int64 // atomic, release-published: bytes safe for readers to see

	liveBytes    int64               // atomic
	entryCounts  [entryTypeCount]int64 // atomic, indexed by EntryType

	creationTimestamp       int64 // unix seconds, set once
	lastCompactionTimestamp int64 // atomic, unix seconds

	epoch int64 // atomic, bumped on every state transition

	checksum uint32 // running crc32c, only touched under mu

	// costBenefit is a cache invalidated by version. Both fields are read
	// and written only by getSegmentsToClean's sort, which runs without a
	// lock on cleaner thread 0 (the only thread that does disk cleaning),
	// so they need no atomics of their own (see cost_benefit.go).
	costBenefit        float64
	costBenefitVersion uint64

	poisoned int32 // atomic bool; set by the iterator on CorruptSegmentError
}

func newSegment(id SegmentID, logID uint64, segletSize int, seglets []*seglet, now time.Time) *Segment {
	return &Segment{
		id:                id,
		logID:             logID,
		segletSize:        segletSize,
		seglets:           seglets,
		state:             StateHead,
		creationTimestamp: now.Unix(),
	}
}

func (s *Segment) ID() SegmentID { return s.id }

func (s *Segment) State() SegmentState {
	return SegmentState(atomic.LoadInt32((*int32)(&s.state)))
}

func (s *Segment) setState(next SegmentState) {
	atomic.StoreInt32((*int32)(&s.state), int32(next))
	atomic.AddInt64(&s.epoch, 1)
}

func (s *Segment) Epoch() int64 { return atomic.LoadInt64(&s.epoch) }

func (s *Segment) capacity() int64 {
	return int64(len(s.seglets)) * int64(s.segletSize)
}

// SegletsAllocated is the number of seglets currently backing the segment.
func (s *Segment) SegletsAllocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seglets)
}

// AppendedLength is the number of bytes ever written to the segment.
func (s *Segment) AppendedLength() int64 {
	return atomic.LoadInt64(&s.appendedLength)
}

// CommittedLength is the number of bytes guaranteed visible to readers.
func (s *Segment) CommittedLength() int64 {
	return atomic.LoadInt64(&s.committedLength)
}

func (s *Segment) LiveBytes() int64 {
	return atomic.LoadInt64(&s.liveBytes)
}

func (s *Segment) EntryCount(t EntryType) int64 {
	return atomic.LoadInt64(&s.entryCounts[t])
}

func (s *Segment) CreationTimestamp() int64 {
	return s.creationTimestamp
}

func (s *Segment) LastCompactionTimestamp() int64 {
	return atomic.LoadInt64(&s.lastCompactionTimestamp)
}

func (s *Segment) touchCompaction(now time.Time) {
	atomic.StoreInt64(&s.lastCompactionTimestamp, now.Unix())
}

// MemoryUtilization is appendedLength(s) / (segletsAllocated(s) *
// segletSize), in percent.
func (s *Segment) MemoryUtilization() int {
	s.mu.Lock()
	cap := s.capacity()
	s.mu.Unlock()
	if cap == 0 {
		return 0
	}
	return int(atomic.LoadInt64(&s.appendedLength) * 100 / cap)
}

// DiskUtilization is liveBytes(s) / segmentSize, in percent.
func (s *Segment) DiskUtilization(segmentSize int) int {
	if segmentSize == 0 {
		return 0
	}
	return int(atomic.LoadInt64(&s.liveBytes) * 100 / int64(segmentSize))
}

func (s *Segment) Poisoned() bool {
	return atomic.LoadInt32(&s.poisoned) != 0
}

func (s *Segment) poison() {
	atomic.StoreInt32(&s.poisoned, 1)
}

// Append writes type+payload as one entry. It returns the byte offset the
// entry starts at, or ErrSegmentFull if the entry does not fit in the
// seglets currently backing the segment, or ErrSegmentClosed if the
// segment is no longer HEAD (or a cleaning survivor still being filled).
//
// Append is not lock-free: the whole reserve+copy+publish sequence holds
// s.mu, so concurrent appenders to the *same* segment serialize while
// appenders to *different* segments never contend. Free below never
// takes this lock, so it can proceed even while an append is in flight.
func (s *Segment) Append(t EntryType, payload []byte) (Offset, error) {
	if s.State() != StateHead && s.State() != StateCleaning {
		return 0, ErrSegmentClosed
	}
	n := entryHeaderSize(len(payload)) + len(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.appendedLength
	if offset+int64(n) > s.capacity() {
		return 0, ErrSegmentFull
	}
	dst := make([]byte, n)
	encodeEntry(dst, t, payload)
	s.writeAtLocked(offset, dst)
	s.checksum = crc32.Update(s.checksum, crc32cTable, dst)
	s.appendedLength = offset + int64(n)
	atomic.StoreInt64(&s.committedLength, s.appendedLength)
	if t == EntryTypeObject || t == EntryTypeTombstone {
		atomic.AddInt64(&s.liveBytes, int64(n))
		atomic.AddInt64(&s.entryCounts[t], 1)
	}
	return Offset(offset), nil
}

// rollbackAppend undoes the single most recently appended entry, which
// must have started at offset and been of the given type and payload
// length. It is used only by the cleaner's relocateEntry when the
// external index rejects a relocation after the bytes are already
// written: it restores appendedLength/committedLength to offset,
// reverses the liveBytes/entryCounts bump Append made, and recomputes
// the running checksum over the now-shorter prefix. Rollback
// is rare (only on a live/dead race) so recomputing the checksum from
// scratch over the surviving prefix is simpler and cheap enough compared
// to maintaining a checksum that supports subtraction.
func (s *Segment) rollbackAppend(offset Offset, t EntryType, payloadLen int) error {
	n := entryHeaderSize(payloadLen) + payloadLen
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(offset)+int64(n) != s.appendedLength {
		return &InvariantViolation{What: "rollbackAppend on segment " + s.id.String() + " is not the most recent append"}
	}
	s.appendedLength = int64(offset)
	atomic.StoreInt64(&s.committedLength, s.appendedLength)
	if s.appendedLength > 0 {
		s.checksum = crc32.Checksum(s.readAt(0, int(s.appendedLength)), crc32cTable)
	} else {
		s.checksum = 0
	}
	if t == EntryTypeObject || t == EntryTypeTombstone {
		atomic.AddInt64(&s.liveBytes, -int64(n))
		atomic.AddInt64(&s.entryCounts[t], -1)
	}
	return nil
}

// writeAtLocked copies data into the seglets backing the segment starting
// at byteOffset, which may straddle a seglet boundary (entries never
// straddle segments, but they may straddle seglets).
// Caller holds s.mu.
func (s *Segment) writeAtLocked(byteOffset int64, data []byte) {
	segletIdx := int(byteOffset / int64(s.segletSize))
	within := int(byteOffset % int64(s.segletSize))
	for len(data) > 0 {
		seglet := s.seglets[segletIdx]
		n := copy(seglet.buf[within:], data)
		data = data[n:]
		segletIdx++
		within = 0
	}
}

// readAt returns a contiguous copy of length bytes starting at byteOffset.
// A copy is necessary (rather than a zero-copy slice) whenever the range
// straddles a seglet boundary; Segment always copies for simplicity since
// the caller (getEntry, the iterator) expects a single contiguous buffer.
func (s *Segment) readAt(byteOffset int64, length int) []byte {
	out := make([]byte, length)
	segletIdx := int(byteOffset / int64(s.segletSize))
	within := int(byteOffset % int64(s.segletSize))
	remaining := out
	for len(remaining) > 0 {
		seglet := s.seglets[segletIdx]
		n := copy(remaining, seglet.buf[within:])
		remaining = remaining[n:]
		segletIdx++
		within = 0
	}
	return out
}

// GetEntry returns the type and payload bytes of the entry at offset. The
// returned slice is a private copy, safe to retain.
func (s *Segment) GetEntry(offset Offset) (EntryType, []byte, error) {
	committed := atomic.LoadInt64(&s.committedLength)
	if int64(offset) >= committed {
		return 0, nil, errTruncatedEntry
	}
	headBuf := s.readAt(int64(offset), minInt(1+maxVarintLen, int(committed-int64(offset))))
	length, varintLen := binary.Uvarint(headBuf[1:])
	if varintLen <= 0 {
		return 0, nil, errTruncatedEntry
	}
	fullLen := 1 + varintLen + int(length)
	if int64(offset)+int64(fullLen) > committed {
		return 0, nil, errTruncatedEntry
	}
	full := s.readAt(int64(offset), fullLen)
	t, payload, _, err := decodeEntry(full)
	if err != nil {
		return 0, nil, err
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return t, out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Free decrements liveBytes and the per-type entry count for a freed
// entry of the given type and byte length. It is fully non-blocking: a
// single atomic fetch-and-sub, no lock.
func (s *Segment) Free(t EntryType, length int) error {
	if t != EntryTypeObject && t != EntryTypeTombstone {
		return nil
	}
	newLive := atomic.AddInt64(&s.liveBytes, -int64(length))
	if newLive < 0 {
		return &InvariantViolation{What: "liveBytes went negative on segment " + s.id.String()}
	}
	atomic.AddInt64(&s.entryCounts[t], -1)
	return nil
}

// Close marks the segment IMMUTABLE; subsequent Append calls fail with
// ErrSegmentClosed. It stamps a FOOTER entry with the running crc32c so
// replicas and iterators can verify integrity.
func (s *Segment) Close() error {
	if s.State() == StateImmutable {
		return nil
	}
	s.mu.Lock()
	footer := encodeSegmentFooter(s.checksum)
	n := entryHeaderSize(len(footer)) + len(footer)
	offset := s.appendedLength
	if offset+int64(n) > s.capacity() {
		s.mu.Unlock()
		return ErrSegmentFull
	}
	dst := make([]byte, n)
	encodeEntry(dst, EntryTypeFooter, footer)
	s.writeAtLocked(offset, dst)
	s.checksum = crc32.Update(s.checksum, crc32cTable, dst)
	s.appendedLength = offset + int64(n)
	atomic.StoreInt64(&s.committedLength, s.appendedLength)
	s.mu.Unlock()
	s.setState(StateImmutable)
	return nil
}

// FreeUnusedSeglets returns n trailing unused seglets to the allocator.
// It fails with ErrSegletsNotTrailing if those seglets contain any
// appended bytes.
func (s *Segment) FreeUnusedSeglets(n int, allocator *SegletAllocator) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.seglets) {
		return ErrSegletsNotTrailing
	}
	keepSeglets := len(s.seglets) - n
	boundary := int64(keepSeglets) * int64(s.segletSize)
	if s.appendedLength > boundary {
		return ErrSegletsNotTrailing
	}
	freed := s.seglets[keepSeglets:]
	s.seglets = s.seglets[:keepSeglets]
	allocator.Free(freed)
	return nil
}

// Entry is one (type, payload, offset) triple yielded by Iterator.
type Entry struct {
	Type    EntryType
	Payload []byte
	Offset  Offset
}

// Iterator returns a finite, restartable sequence of entries from byte 0
// to AppendedLength. Calling the returned function repeatedly yields
// successive entries; it returns ok=false once exhausted. A corrupt entry
// (bad length or, at the final footer, a CRC mismatch) poisons the
// segment and returns a *CorruptSegmentError.
func (s *Segment) Iterator() func() (Entry, bool, error) {
	offset := int64(0)
	limit := atomic.LoadInt64(&s.appendedLength)
	runningChecksum := uint32(0)
	return func() (Entry, bool, error) {
		if offset >= limit {
			return Entry{}, false, nil
		}
		headBuf := s.readAt(offset, minInt(1+maxVarintLen, int(limit-offset)))
		length, varintLen := binary.Uvarint(headBuf[1:])
		if varintLen <= 0 {
			s.poison()
			return Entry{}, false, &CorruptSegmentError{SegmentID: s.id, Reason: "bad entry header at offset " + Offset(offset).String()}
		}
		fullLen := 1 + varintLen + int(length)
		if offset+int64(fullLen) > limit {
			s.poison()
			return Entry{}, false, &CorruptSegmentError{SegmentID: s.id, Reason: "entry overruns appended length"}
		}
		raw := s.readAt(offset, fullLen)
		t2, payload, _, err := decodeEntry(raw)
		if err != nil {
			s.poison()
			return Entry{}, false, &CorruptSegmentError{SegmentID: s.id, Reason: "bad entry body at offset " + Offset(offset).String()}
		}
		if t2 == EntryTypeFooter {
			crc, ferr := decodeSegmentFooter(payload)
			if ferr == nil && crc != runningChecksum {
				s.poison()
				return Entry{}, false, &CorruptSegmentError{SegmentID: s.id, Reason: "footer checksum mismatch"}
			}
		} else {
			runningChecksum = crc32.Update(runningChecksum, crc32cTable, raw)
		}
		entry := Entry{Type: t2, Payload: payload, Offset: Offset(offset)}
		offset += int64(fullLen)
		return entry, true, nil
	}
}
