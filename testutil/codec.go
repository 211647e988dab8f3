// Package testutil provides the mock external collaborators tests need to
// drive a ramlog Engine without a real hash index or backup service.
package testutil

import (
	"encoding/binary"
)

// EncodeObject lays out a test object entry's payload as
// [8 bytes key][8 bytes generation][value...]. generation lets
// MockEntryHandlers tell an overwritten copy of a key apart from the
// current one without needing a Reference in CheckLiveness.
func EncodeObject(key, generation uint64, value []byte) []byte {
	buf := make([]byte, 16+len(value))
	binary.BigEndian.PutUint64(buf[0:8], key)
	binary.BigEndian.PutUint64(buf[8:16], generation)
	copy(buf[16:], value)
	return buf
}

// DecodeObject reverses EncodeObject.
func DecodeObject(payload []byte) (key, generation uint64, value []byte) {
	key = binary.BigEndian.Uint64(payload[0:8])
	generation = binary.BigEndian.Uint64(payload[8:16])
	value = payload[16:]
	return
}

// EncodeTombstone lays out a test tombstone entry's payload as
// [8 bytes key][8 bytes generation], the generation of the delete that
// produced it.
func EncodeTombstone(key, generation uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], key)
	binary.BigEndian.PutUint64(buf[8:16], generation)
	return buf
}

// DecodeTombstone reverses EncodeTombstone.
func DecodeTombstone(payload []byte) (key, generation uint64) {
	key = binary.BigEndian.Uint64(payload[0:8])
	generation = binary.BigEndian.Uint64(payload[8:16])
	return
}
