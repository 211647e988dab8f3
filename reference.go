package ramlog

import "strconv"

// SegmentID is a monotonically assigned 64-bit segment identifier.
type SegmentID uint64

func (id SegmentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Offset is a byte offset within a segment's logical, seglet-backed buffer.
type Offset uint32

func (o Offset) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// Reference is an opaque 64-bit handle encoding (segmentId, byteOffset). It
// is stable for the lifetime of the entry it names: once an external
// collaborator (typically the hash-index) has swapped in a new Reference
// after relocation, the cleaner may free the old one's segment.
type Reference uint64

// offsetBits is how many low bits of a Reference hold the byte offset.
// 32 bits covers segments far larger than any sane segmentSize tunable.
const offsetBits = 32

// NewReference packs a segment id and an in-segment offset into a Reference.
func NewReference(id SegmentID, offset Offset) Reference {
	return Reference(uint64(id)<<offsetBits | uint64(offset))
}

// SegmentID returns the segment id encoded in the reference. Note this is
// the id the entry was originally appended under; after compaction it must
// be resolved through the redirection table to find the current segment.
func (r Reference) SegmentID() SegmentID {
	return SegmentID(uint64(r) >> offsetBits)
}

// Offset returns the in-segment byte offset encoded in the reference.
func (r Reference) Offset() Offset {
	return Offset(uint64(r) & (1<<offsetBits - 1))
}
