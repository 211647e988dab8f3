package testutil

import (
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/effy/ramlog"
)

const numShards = 16

type liveEntry struct {
	generation uint64
	ref        ramlog.Reference
}

// shard is one bucket of MockEntryHandlers' index, sized so concurrent
// installs and relocations across different keys don't serialize on one
// lock.
type shard struct {
	mu         sync.Mutex
	current    map[uint64]liveEntry // key -> live object
	tombstoned map[uint64]liveEntry // key -> live tombstone (absent from current)
	refOwner   map[ramlog.Reference]uint64
}

// MockEntryHandlers is a minimal hash-index stand-in for tests: it tracks,
// per key, which generation (object) or which deletion (tombstone) is
// currently live, and performs the same compare-and-swap Relocate
// contract a real hash index would.
type MockEntryHandlers struct {
	shards     [numShards]*shard
	generation uint64 // atomic, monotonic source for NextGeneration
}

// NewMockEntryHandlers constructs an empty index.
func NewMockEntryHandlers() *MockEntryHandlers {
	h := &MockEntryHandlers{}
	for i := range h.shards {
		h.shards[i] = &shard{
			current:    make(map[uint64]liveEntry),
			tombstoned: make(map[uint64]liveEntry),
			refOwner:   make(map[ramlog.Reference]uint64),
		}
	}
	return h
}

// HashKey hashes (tableID, key) with the same murmur3 strategy a real
// index built on this package's mocks would use to place entries into
// buckets. It's exposed standalone so callers building their own test
// indexes over MockEntryHandlers-style sharding get a believable,
// consistent hash without reaching into this file's internals.
func HashKey(tableID uint32, key uint64) uint32 {
	var buf [12]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(tableID >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(key >> (8 * i))
	}
	return murmur3.Sum32(buf[:])
}

func (h *MockEntryHandlers) shardFor(key uint64) *shard {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(key >> (8 * i))
	}
	return h.shards[murmur3.Sum32(buf[:])%numShards]
}

// NextGeneration returns a fresh generation number for a write to key.
func (h *MockEntryHandlers) NextGeneration() uint64 {
	return atomic.AddUint64(&h.generation, 1)
}

// CurrentRef returns key's live object reference, the way a real hash
// index lookup would -- the only reference a caller should hold onto
// across a cleaning pass, since Relocate keeps it current and a Reference
// captured from Append does not.
func (h *MockEntryHandlers) CurrentRef(key uint64) (ramlog.Reference, bool) {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.current[key]
	return entry.ref, ok
}

// Install records that key's live object is now at generation/ref,
// called right after appending the object entry to the log. Any prior
// live object or tombstone for key becomes stale (its CheckLiveness will
// report dead).
func (h *MockEntryHandlers) Install(key, generation uint64, ref ramlog.Reference) {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.current[key]; ok {
		delete(s.refOwner, old.ref)
	}
	if old, ok := s.tombstoned[key]; ok {
		delete(s.refOwner, old.ref)
		delete(s.tombstoned, key)
	}
	s.current[key] = liveEntry{generation: generation, ref: ref}
	s.refOwner[ref] = key
}

// InstallTombstone records key as deleted as of generation/ref, called
// right after appending the tombstone entry. The key's live object entry,
// if any, is dropped from the index, so its CheckLiveness reports dead
// from here on; a fresh Install for the same key later supersedes this
// tombstone the same way Install supersedes a stale object.
func (h *MockEntryHandlers) InstallTombstone(key, generation uint64, ref ramlog.Reference) {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.current[key]; ok {
		delete(s.refOwner, old.ref)
		delete(s.current, key)
	}
	if old, ok := s.tombstoned[key]; ok {
		delete(s.refOwner, old.ref)
	}
	s.tombstoned[key] = liveEntry{generation: generation, ref: ref}
	s.refOwner[ref] = key
}

// GetTimestamp returns the entry's generation, used as its age-ordering
// key by disk cleaning's cold-to-hot sort.
func (h *MockEntryHandlers) GetTimestamp(t ramlog.EntryType, payload []byte) uint32 {
	var generation uint64
	switch t {
	case ramlog.EntryTypeObject:
		_, generation, _ = DecodeObject(payload)
	case ramlog.EntryTypeTombstone:
		_, generation = DecodeTombstone(payload)
	}
	return uint32(generation)
}

// CheckLiveness reports whether payload is still the current entry for
// its key: the current generation for an object, or the current
// tombstone generation for a tombstone (only while the key stays
// deleted).
func (h *MockEntryHandlers) CheckLiveness(t ramlog.EntryType, payload []byte) bool {
	switch t {
	case ramlog.EntryTypeObject:
		key, generation, _ := DecodeObject(payload)
		s := h.shardFor(key)
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.current[key]
		return ok && entry.generation == generation
	case ramlog.EntryTypeTombstone:
		key, generation := DecodeTombstone(payload)
		s := h.shardFor(key)
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.tombstoned[key]
		return ok && entry.generation == generation
	default:
		return false
	}
}

// Relocate performs the compare-and-swap a real hash index does when the
// cleaner moves an entry: if oldRef is still the registered reference
// for its key, swap it for newRef and report true; otherwise report
// false so the caller rolls its write back.
func (h *MockEntryHandlers) Relocate(t ramlog.EntryType, oldRef, newRef ramlog.Reference) bool {
	// oldRef's key lives in whichever shard last installed it; since the
	// shard is a function of the key, not the ref, every shard must be
	// checked for ownership. Index sizes in tests are small enough that
	// this linear scan is cheap; a production index would carry the key
	// inside the reference lookup instead.
	for _, s := range h.shards {
		s.mu.Lock()
		key, ok := s.refOwner[oldRef]
		if !ok {
			s.mu.Unlock()
			continue
		}
		switch t {
		case ramlog.EntryTypeObject:
			entry, ok2 := s.current[key]
			if !ok2 || entry.ref != oldRef {
				s.mu.Unlock()
				return false
			}
			delete(s.refOwner, oldRef)
			s.current[key] = liveEntry{generation: entry.generation, ref: newRef}
			s.refOwner[newRef] = key
			s.mu.Unlock()
			return true
		case ramlog.EntryTypeTombstone:
			entry, ok2 := s.tombstoned[key]
			if !ok2 || entry.ref != oldRef {
				s.mu.Unlock()
				return false
			}
			delete(s.refOwner, oldRef)
			s.tombstoned[key] = liveEntry{generation: entry.generation, ref: newRef}
			s.refOwner[newRef] = key
			s.mu.Unlock()
			return true
		default:
			s.mu.Unlock()
			return false
		}
	}
	return false
}
