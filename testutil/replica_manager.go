package testutil

import (
	"sync"
	"sync/atomic"

	"github.com/effy/ramlog"
)

// MockReplicaManager is an in-memory ReplicaManager: Close and Sync
// succeed immediately by default, with knobs to simulate a flaky or slow
// backup so callers' retry/backoff paths get exercised.
type MockReplicaManager struct {
	mu sync.Mutex

	closedLength int64 // atomic
	freed        int32 // atomic bool

	// FailCloseCount/FailSyncCount make the next N calls to Close/Sync
	// fail before succeeding, simulating a flapping backup.
	FailCloseCount int32 // atomic
	FailSyncCount  int32 // atomic
}

// NewMockReplicaManagerFactory returns a ReplicaManagerFactory handing
// out one MockReplicaManager per segment id, recorded into registry so
// tests can inspect them after the fact.
func NewMockReplicaManagerFactory(registry *MockReplicaRegistry) ramlog.ReplicaManagerFactory {
	return func(id ramlog.SegmentID) ramlog.ReplicaManager {
		r := &MockReplicaManager{}
		registry.put(id, r)
		return r
	}
}

func (r *MockReplicaManager) Close(appendedLength int64) error {
	if atomic.AddInt32(&r.FailCloseCount, -1) >= 0 {
		return ramlog.ErrBackupUnavailable
	}
	atomic.StoreInt64(&r.closedLength, appendedLength)
	return nil
}

func (r *MockReplicaManager) Sync(length int64) error {
	if atomic.AddInt32(&r.FailSyncCount, -1) >= 0 {
		return ramlog.ErrBackupUnavailable
	}
	if atomic.LoadInt64(&r.closedLength) < length {
		return ramlog.ErrBackupUnavailable
	}
	return nil
}

func (r *MockReplicaManager) Free() error {
	atomic.StoreInt32(&r.freed, 1)
	return nil
}

// Freed reports whether Free has been called.
func (r *MockReplicaManager) Freed() bool {
	return atomic.LoadInt32(&r.freed) != 0
}

// MockReplicaRegistry lets a test look up the MockReplicaManager created
// for a given segment id, to assert on FailCloseCount/Freed after a
// cleaning pass.
type MockReplicaRegistry struct {
	mu   sync.Mutex
	byID map[ramlog.SegmentID]*MockReplicaManager
}

func NewMockReplicaRegistry() *MockReplicaRegistry {
	return &MockReplicaRegistry{byID: make(map[ramlog.SegmentID]*MockReplicaManager)}
}

func (reg *MockReplicaRegistry) put(id ramlog.SegmentID, r *MockReplicaManager) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byID[id] = r
}

func (reg *MockReplicaRegistry) Get(id ramlog.SegmentID) *MockReplicaManager {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.byID[id]
}
