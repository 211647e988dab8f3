package ramlog

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// noopReplicaManager lets this package's internal tests exercise
// SegmentManager without pulling in testutil (which imports ramlog itself,
// so importing it back here would be a cycle).
type noopReplicaManager struct{}

func (noopReplicaManager) Close(int64) error { return nil }
func (noopReplicaManager) Sync(int64) error  { return nil }
func (noopReplicaManager) Free() error       { return nil }

func noopReplicaFactory(SegmentID) ReplicaManager { return noopReplicaManager{} }

func newTestSegmentManager(t *testing.T, cfg Config) *SegmentManager {
	t.Helper()
	cfg = cfg.applyDefaults()
	allocator := NewSegletAllocator(cfg.SegletSize)
	require.True(t, allocator.GrowGeneralPool(cfg.GeneralPoolSeglets))
	require.True(t, allocator.InitializeSurvivorReserve(cfg.SurvivorSegmentsToReserve * cfg.segletsPerSegment()))
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewSegmentManager(cfg, 1, allocator, noopReplicaFactory, metrics)
}

func smallConfig() Config {
	return Config{
		SegmentSize:               1024,
		SegletSize:                256,
		GeneralPoolSeglets:        64,
		SurvivorSegmentsToReserve: 2,
		MaxCleanableMemoryUtilization: 98,
	}
}

func TestSegmentManagerAllocHeadWritesHeaderEntry(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())

	seg, err := sm.AllocHead(nil)
	require.NoError(t, err)
	require.Equal(t, StateHead, seg.State())

	got, ok := sm.GetSegment(seg.ID())
	require.True(t, ok)
	require.Same(t, seg, got)

	entry, ok, err := seg.Iterator()()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, EntryTypeHeader, entry.Type)
}

func TestSegmentManagerAllocHeadRetiresPreviousHead(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())

	first, err := sm.AllocHead(nil)
	require.NoError(t, err)

	second, err := sm.AllocHead(first)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())

	var drained []*Segment
	require.Eventually(t, func() bool {
		drained = sm.CleanableSegments(drained)
		for _, s := range drained {
			if s == first {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	require.Contains(t, drained, first)
}

func TestSegmentManagerResolveReferenceFollowsRedirect(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())

	source, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)
	off, err := source.Append(EntryTypeObject, []byte("abc"))
	require.NoError(t, err)
	ref := NewReference(source.ID(), off)

	survivor, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)
	_, err = survivor.Append(EntryTypeObject, []byte("abc"))
	require.NoError(t, err)

	require.NoError(t, sm.CompactionComplete(source, survivor))

	resolved, resolvedOffset, ok := sm.ResolveReference(ref)
	require.True(t, ok)
	require.Same(t, survivor, resolved)
	require.Equal(t, off, resolvedOffset)

	// GetSegment follows the redirect too, so check the live set directly:
	// source itself must no longer be in it.
	sm.mu.Lock()
	_, ok = sm.byID[source.ID()]
	sm.mu.Unlock()
	require.False(t, ok)
}

func TestSegmentManagerCompactionCompleteRejectsGrowth(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())

	source, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)

	bigger, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)
	extra, err := sm.allocator.Alloc(1, FlagNone)
	require.NoError(t, err)
	bigger.mu.Lock()
	bigger.seglets = append(bigger.seglets, extra...)
	bigger.mu.Unlock()

	err = sm.CompactionComplete(source, bigger)
	require.Error(t, err)
	var invariant *InvariantViolation
	require.ErrorAs(t, err, &invariant)
}

func TestSegmentManagerAbandonSideSegmentReturnsSeglets(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())
	before, _ := sm.allocator.Stats()

	seg, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)

	sm.AbandonSideSegment(seg)

	after, _ := sm.allocator.Stats()
	require.Equal(t, before, after)

	_, ok := sm.GetSegment(seg.ID())
	require.False(t, ok)
}

func TestSegmentManagerCleaningCompleteFreesSourcesAndPromotesSurvivors(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())

	source, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)
	survivor, err := sm.AllocSideSegment(FlagNone, nil)
	require.NoError(t, err)

	err = sm.CleaningComplete([]*Segment{source}, []*Segment{survivor})
	require.NoError(t, err)

	require.Equal(t, StateFree, source.State())
	require.Equal(t, StateCleanable, survivor.State())

	drained := sm.CleanableSegments(nil)
	require.Contains(t, drained, survivor)
}

func TestSegmentManagerSegletsNeededForFloorsAtOne(t *testing.T) {
	cfg := smallConfig().applyDefaults()
	cfg.FloorSegletsNeededAtOne = true
	sm := newTestSegmentManager(t, cfg)

	require.Equal(t, 1, sm.segletsNeededFor(1))
	require.Equal(t, 1, sm.segletsNeededFor(0))
}

func TestSegmentManagerSegletsNeededForNeverExceedsSegmentCapacity(t *testing.T) {
	sm := newTestSegmentManager(t, smallConfig())
	huge := int64(sm.cfg.SegmentSize * 100)
	require.Equal(t, sm.cfg.segletsPerSegment(), sm.segletsNeededFor(huge))
}
