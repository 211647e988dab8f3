package ramlog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
)

// SegmentManager owns every live segment, assigns segment ids, tracks
// head/cleanable/free states, serves survivor allocations to the
// cleaner, and publishes newly cleanable segments. It is the hub Log
// and LogCleaner both depend on: each holds only a *SegmentManager,
// never each other, which avoids a cyclic reference between the three.
type SegmentManager struct {
	cfg       Config
	logID     uint64
	allocator *SegletAllocator
	replicas  ReplicaManagerFactory
	metrics   *Metrics

	nextSegmentID int64 // atomic

	mu       sync.Mutex
	byID     map[SegmentID]*Segment
	replicaByID map[SegmentID]ReplicaManager
	head     *Segment

	pendingCleanable []*Segment // segments promoted to CLEANABLE since the last drain

	redirectMu sync.Mutex
	redirect   atomic.Value // map[SegmentID]SegmentID, copy-on-write
}

// NewSegmentManager constructs a manager over cfg's tunables. replicas
// creates the ReplicaManager handle for each segment as it is allocated;
// pass a no-op factory in tests that don't exercise replication.
func NewSegmentManager(cfg Config, logID uint64, allocator *SegletAllocator, replicas ReplicaManagerFactory, metrics *Metrics) *SegmentManager {
	sm := &SegmentManager{
		cfg:       cfg,
		logID:     logID,
		allocator: allocator,
		replicas:  replicas,
		metrics:   metrics,
		byID:      make(map[SegmentID]*Segment),
		replicaByID: make(map[SegmentID]ReplicaManager),
	}
	sm.redirect.Store(map[SegmentID]SegmentID{})
	return sm
}

// InitializeSurvivorReserve delegates to the allocator; called once at
// startup.
func (sm *SegmentManager) InitializeSurvivorReserve(nSeglets int) bool {
	return sm.allocator.InitializeSurvivorReserve(nSeglets)
}

func (sm *SegmentManager) nextID() SegmentID {
	return SegmentID(atomic.AddInt64(&sm.nextSegmentID, 1))
}

// GetSegment looks up a segment by id, resolving through the redirection
// table first so callers never need to know whether a compaction already
// replaced the id they hold.
func (sm *SegmentManager) GetSegment(id SegmentID) (*Segment, bool) {
	id = sm.resolveID(id)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.byID[id]
	return s, ok
}

// resolveID follows the redirection table to find the current id a
// possibly-stale id maps to. Lookups are lock-free: they read an
// atomic.Value snapshot of the map, never SegmentManager's mutex.
func (sm *SegmentManager) resolveID(id SegmentID) SegmentID {
	table := sm.redirect.Load().(map[SegmentID]SegmentID)
	for {
		next, ok := table[id]
		if !ok {
			return id
		}
		id = next
	}
}

// ResolveReference resolves a Reference's segment id through the
// redirection table and returns the (possibly remapped) segment along
// with the reference's unchanged byte offset.
func (sm *SegmentManager) ResolveReference(ref Reference) (*Segment, Offset, bool) {
	s, ok := sm.GetSegment(ref.SegmentID())
	return s, ref.Offset(), ok
}

func (sm *SegmentManager) addRedirect(oldID, newID SegmentID) {
	sm.redirectMu.Lock()
	defer sm.redirectMu.Unlock()
	old := sm.redirect.Load().(map[SegmentID]SegmentID)
	next := make(map[SegmentID]SegmentID, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[oldID] = newID
	sm.redirect.Store(next)
}

// AllocHead allocates a new HEAD segment, writes its segment header as
// the first entry, and retires previousHead (if any) by closing it and
// kicking off the async replicate-then-mark-cleanable sequence.
func (sm *SegmentManager) AllocHead(previousHead *Segment) (*Segment, error) {
	seglets, err := sm.allocator.Alloc(sm.cfg.segletsPerSegment(), FlagNone)
	if err != nil {
		return nil, ErrOutOfSegments
	}
	id := sm.nextID()
	seg := newSegment(id, sm.logID, sm.cfg.SegletSize, seglets, time.Now())
	if _, err := seg.Append(EntryTypeHeader, encodeSegmentHeader(id, sm.logID, uint32(sm.cfg.SegletSize), uint32(sm.cfg.SegmentSize))); err != nil {
		sm.allocator.Free(seglets)
		return nil, err
	}
	replica := sm.replicas(id)

	sm.mu.Lock()
	sm.byID[id] = seg
	sm.replicaByID[id] = replica
	sm.head = seg
	sm.mu.Unlock()

	countlog.Info("event!segmentManager.allocated head", "segmentId", id.String())
	sm.metrics.SegmentsByState.WithLabelValues(StateHead.String()).Inc()

	if previousHead != nil {
		sm.retireHead(previousHead)
	}
	return seg, nil
}

// retireHead closes a former head and, once its replicas acknowledge,
// promotes it to CLEANABLE. The close runs synchronously on the caller's
// goroutine (AllocHead's caller, i.e. Log.Append's roll-over path), so Log
// installs the new head only after it; the wait for replication and the
// promotion run on a separate goroutine and do not hold up appends.
func (sm *SegmentManager) retireHead(seg *Segment) {
	sm.metrics.SegmentsByState.WithLabelValues(StateHead.String()).Dec()
	if err := seg.Close(); err != nil {
		countlog.Error("event!segmentManager.failed to close retired head", "segmentId", seg.id.String(), "err", err)
		return
	}
	sm.metrics.SegmentsByState.WithLabelValues(StateImmutable.String()).Inc()
	go sm.waitForReplicationThenPromote(seg)
}

func (sm *SegmentManager) waitForReplicationThenPromote(seg *Segment) {
	sm.mu.Lock()
	replica := sm.replicaByID[seg.id]
	sm.mu.Unlock()

	length := seg.AppendedLength()
	backoff := time.Millisecond * 10
	for {
		if err := replica.Close(length); err == nil {
			break
		}
		countlog.Error("event!segmentManager.replica close failed, retrying", "segmentId", seg.id.String())
		time.Sleep(backoff)
		backoff = backoffUp(backoff)
	}
	for {
		if err := replica.Sync(length); err == nil {
			break
		}
		countlog.Error("event!segmentManager.backup unavailable, retrying", "segmentId", seg.id.String())
		time.Sleep(backoff)
		backoff = backoffUp(backoff)
	}

	sm.metrics.SegmentsByState.WithLabelValues(StateImmutable.String()).Dec()
	seg.setState(StateCleanable)
	sm.metrics.SegmentsByState.WithLabelValues(StateCleanable.String()).Inc()

	sm.mu.Lock()
	sm.pendingCleanable = append(sm.pendingCleanable, seg)
	sm.mu.Unlock()
	countlog.Info("event!segmentManager.segment cleanable", "segmentId", seg.id.String())
}

func backoffUp(d time.Duration) time.Duration {
	next := d * 2
	if next > 5*time.Second {
		return 5 * time.Second
	}
	return next
}

// CleanableSegments drains newly cleanable segments into out. The
// LogCleaner keeps one accumulating slice shared by its workers (under
// its candidatesMu), and each worker calls this every poll iteration.
func (sm *SegmentManager) CleanableSegments(out []*Segment) []*Segment {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out = append(out, sm.pendingCleanable...)
	sm.pendingCleanable = sm.pendingCleanable[:0]
	return out
}

// AllocSideSegment allocates a survivor used by the cleaner. When hint is
// non-nil, the survivor is sized to hold hint's live bytes up to
// MaxCleanableMemoryUtilization; otherwise it gets a full
// segletsPerSegment allocation (used for every survivor of a
// disk-cleaning chain).
func (sm *SegmentManager) AllocSideSegment(flags AllocFlags, hint *Segment) (*Segment, error) {
	n := sm.cfg.segletsPerSegment()
	if hint != nil {
		n = sm.segletsNeededFor(hint.LiveBytes())
	}
	seglets, err := sm.allocator.Alloc(n, flags)
	if err != nil {
		return nil, err
	}
	id := sm.nextID()
	seg := newSegment(id, sm.logID, sm.cfg.SegletSize, seglets, time.Now())
	seg.setState(StateCleaning)
	replica := sm.replicas(id)

	sm.mu.Lock()
	sm.byID[id] = seg
	sm.replicaByID[id] = replica
	sm.mu.Unlock()
	sm.metrics.SegmentsByState.WithLabelValues(StateCleaning.String()).Inc()
	return seg, nil
}

// segletsNeededFor computes the segletsNeeded formula:
//
//	ceil(liveBytes/segletSize) * 100 / MAX_CLEANABLE_MEMORY_UTILIZATION
//
// Whether this may round to zero under extreme small-entry workloads is
// controlled by Config.FloorSegletsNeededAtOne (see DESIGN.md).
func (sm *SegmentManager) segletsNeededFor(liveBytes int64) int {
	if liveBytes <= 0 {
		if sm.cfg.FloorSegletsNeededAtOne {
			return 1
		}
		return 0
	}
	segletsForLiveBytes := (liveBytes + int64(sm.cfg.SegletSize) - 1) / int64(sm.cfg.SegletSize)
	needed := segletsForLiveBytes * 100 / int64(sm.cfg.MaxCleanableMemoryUtilization)
	if needed == 0 && sm.cfg.FloorSegletsNeededAtOne {
		needed = 1
	}
	max := int64(sm.cfg.segletsPerSegment())
	if needed > max {
		needed = max
	}
	return int(needed)
}

// replicaFor returns the ReplicaManager handle registered for id, if any.
func (sm *SegmentManager) replicaFor(id SegmentID) ReplicaManager {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.replicaByID[id]
}

// AbandonSideSegment discards a survivor that was allocated mid-pass but
// never committed (a corrupt source, a relocation failure that aborted
// the pass, or a shutdown racing a pass). Its seglets return to the
// allocator and its bookkeeping entries are removed.
func (sm *SegmentManager) AbandonSideSegment(seg *Segment) {
	sm.mu.Lock()
	delete(sm.byID, seg.id)
	delete(sm.replicaByID, seg.id)
	sm.mu.Unlock()
	seg.setState(StateFree)
	sm.allocator.Free(seg.seglets)
	sm.metrics.SegmentsByState.WithLabelValues(StateCleaning.String()).Dec()
	sm.metrics.observeSegletPools(sm.allocator)
}

// CompactionComplete swaps source out for survivor in the live set
// atomically with respect to readers, frees source's seglets, and leaves
// the survivor carrying source's id via the redirection table so
// outstanding references keep resolving.
func (sm *SegmentManager) CompactionComplete(source, survivor *Segment) error {
	if survivor.SegletsAllocated() > source.SegletsAllocated() {
		return &InvariantViolation{What: "compaction survivor " + survivor.id.String() + " grew seglets over source " + source.id.String()}
	}
	survivor.setState(StateCleanable)
	sm.metrics.SegmentsByState.WithLabelValues(StateCleaning.String()).Dec()
	sm.metrics.SegmentsByState.WithLabelValues(StateCleanable.String()).Inc()

	sm.mu.Lock()
	sm.byID[survivor.id] = survivor
	sm.replicaByID[survivor.id] = sm.replicaByID[source.id]
	delete(sm.byID, source.id)
	delete(sm.replicaByID, source.id)
	sm.mu.Unlock()

	// Readers resolving source.id now land on survivor via the
	// redirection table; the copy-on-write store here is the
	// release that publishes the map for GetEntry's lock-free load.
	sm.addRedirect(source.id, survivor.id)

	source.setState(StateFree)
	sm.allocator.Free(source.seglets)
	sm.metrics.TotalSegmentsCompacted.Inc()
	sm.metrics.observeSegletPools(sm.allocator)
	countlog.Info("event!segmentManager.compaction complete",
		"source", source.id.String(), "survivor", survivor.id.String())
	return nil
}

// CleaningComplete tells each source's ReplicaManager to free its
// replicas, returns the sources to FREE, and promotes survivors to
// CLEANABLE. This is the only point at which victims become FREE; until
// it runs, references into them must still resolve. Replica frees run
// concurrently, bounded by Config.ReplicaFreeConcurrency.
func (sm *SegmentManager) CleaningComplete(sources, survivors []*Segment) error {
	sm.mu.Lock()
	replicasToFree := make([]ReplicaManager, 0, len(sources))
	for _, src := range sources {
		if r, ok := sm.replicaByID[src.id]; ok {
			replicasToFree = append(replicasToFree, r)
		}
		delete(sm.byID, src.id)
		delete(sm.replicaByID, src.id)
	}
	for _, sv := range survivors {
		sm.byID[sv.id] = sv
	}
	sm.mu.Unlock()

	errs := freeConcurrently(replicasToFree, sm.cfg.ReplicaFreeConcurrency)

	for _, src := range sources {
		src.setState(StateFree)
		sm.allocator.Free(src.seglets)
	}
	sm.metrics.SegmentsByState.WithLabelValues(StateCleaning.String()).Sub(float64(len(sources)))

	for _, sv := range survivors {
		sv.setState(StateCleanable)
	}
	sm.metrics.SegmentsByState.WithLabelValues(StateCleaning.String()).Sub(float64(len(survivors)))
	sm.metrics.SegmentsByState.WithLabelValues(StateCleanable.String()).Add(float64(len(survivors)))

	sm.mu.Lock()
	sm.pendingCleanable = append(sm.pendingCleanable, survivors...)
	sm.mu.Unlock()

	sm.metrics.TotalSegmentsCleaned.Add(float64(len(sources)))
	sm.metrics.observeSegletPools(sm.allocator)
	countlog.Info("event!segmentManager.cleaning complete",
		"sources", len(sources), "survivors", len(survivors))
	return errs
}

// freeConcurrently calls Free on every replica, at most concurrency at a
// time, and merges any errors, so a cleaning pass issues all backup
// free RPCs in parallel before waiting on completion.
func freeConcurrently(replicas []ReplicaManager, concurrency int) error {
	if len(replicas) == 0 {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, r := range replicas {
		r := r
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.Free(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return plz.MergeErrors(errs...)
}
