package ramlog

import (
	"encoding/binary"
	"hash/crc32"
)

// EntryType identifies the kind of record stored at a log offset.
type EntryType uint8

const (
	// EntryTypeInvalid never appears on disk; it is the zero value so a
	// misread offset is easy to catch.
	EntryTypeInvalid EntryType = 0
	// EntryTypeObject is a live key/value record.
	EntryTypeObject EntryType = 1
	// EntryTypeTombstone marks a prior object as deleted.
	EntryTypeTombstone EntryType = 2
	// EntryTypeHeader is the first entry of every segment.
	EntryTypeHeader EntryType = 3
	// EntryTypeFooter is the trailing checksum entry stamped on close.
	EntryTypeFooter EntryType = 4
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeObject:
		return "OBJECT"
	case EntryTypeTombstone:
		return "TOMBSTONE"
	case EntryTypeHeader:
		return "HEADER"
	case EntryTypeFooter:
		return "FOOTER"
	default:
		return "INVALID"
	}
}

// maxVarintLen is the widest a LEB128 varint can be for the lengths this
// package ever encodes (entries never exceed a segment, so 32 bits is
// ample headroom; binary.MaxVarintLen32 is 5 bytes).
const maxVarintLen = binary.MaxVarintLen32

// crc32cTable is the Castagnoli polynomial table backups and iterators use
// to verify a segment's trailing footer.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// entryHeaderSize is the encoded size of type+length for a payload of the
// given length; varint length is LEB128 so it varies.
func entryHeaderSize(length int) int {
	return 1 + uvarintSize(uint64(length))
}

func uvarintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// encodeEntry writes type, LEB128 length, and payload into dst, which must
// be at least entryHeaderSize(len(payload))+len(payload) bytes. It returns
// the number of bytes written.
func encodeEntry(dst []byte, t EntryType, payload []byte) int {
	dst[0] = byte(t)
	n := binary.PutUvarint(dst[1:], uint64(len(payload)))
	copy(dst[1+n:], payload)
	return 1 + n + len(payload)
}

// decodeEntry reads a type, LEB128 length and payload from src. It returns
// the entry type, a view over the payload (no copy), the number of bytes
// consumed, and an error if src does not hold a complete, well-formed
// entry (a truncated varint or a payload longer than what remains).
func decodeEntry(src []byte) (t EntryType, payload []byte, n int, err error) {
	if len(src) < 1 {
		return 0, nil, 0, errTruncatedEntry
	}
	t = EntryType(src[0])
	length, varintLen := binary.Uvarint(src[1:])
	if varintLen <= 0 {
		return 0, nil, 0, errTruncatedEntry
	}
	start := 1 + varintLen
	end := start + int(length)
	if end > len(src) || end < start {
		return 0, nil, 0, errTruncatedEntry
	}
	return t, src[start:end], end, nil
}

// segmentHeaderPayload is the fixed-width body of a segment's first entry.
// Wire layout (little-endian, bit-exact):
//
//	u64 segmentId, u64 logId, u32 segletSize, u32 segmentSize
const segmentHeaderPayloadSize = 8 + 8 + 4 + 4

func encodeSegmentHeader(segmentID SegmentID, logID uint64, segletSize, segmentSize uint32) []byte {
	buf := make([]byte, segmentHeaderPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(segmentID))
	binary.LittleEndian.PutUint64(buf[8:16], logID)
	binary.LittleEndian.PutUint32(buf[16:20], segletSize)
	binary.LittleEndian.PutUint32(buf[20:24], segmentSize)
	return buf
}

type decodedSegmentHeader struct {
	SegmentID   SegmentID
	LogID       uint64
	SegletSize  uint32
	SegmentSize uint32
}

func decodeSegmentHeader(payload []byte) (decodedSegmentHeader, error) {
	if len(payload) != segmentHeaderPayloadSize {
		return decodedSegmentHeader{}, errTruncatedEntry
	}
	return decodedSegmentHeader{
		SegmentID:   SegmentID(binary.LittleEndian.Uint64(payload[0:8])),
		LogID:       binary.LittleEndian.Uint64(payload[8:16]),
		SegletSize:  binary.LittleEndian.Uint32(payload[16:20]),
		SegmentSize: binary.LittleEndian.Uint32(payload[20:24]),
	}, nil
}

// segmentFooterPayloadSize is the width of the footer entry: u32 crc32c of
// all prior bytes in the segment.
const segmentFooterPayloadSize = 4

func encodeSegmentFooter(crc uint32) []byte {
	buf := make([]byte, segmentFooterPayloadSize)
	binary.LittleEndian.PutUint32(buf, crc)
	return buf
}

func decodeSegmentFooter(payload []byte) (uint32, error) {
	if len(payload) != segmentFooterPayloadSize {
		return 0, errTruncatedEntry
	}
	return binary.LittleEndian.Uint32(payload), nil
}
