package ramlog

import (
	"context"
	"time"

	"github.com/v2pro/plz/countlog"
)

// relocationOutcome is what happened when relocateEntry tried to move one
// entry into a survivor.
type relocationOutcome int

const (
	relocationDead relocationOutcome = iota
	relocationRelocated
	relocationFailed
)

// doMemoryCleaning picks one candidate by the greedy freeable-seglets
// heuristic (or the tombstone fallback), relocates its live entries into
// a freshly allocated survivor, trims the survivor's unused tail
// seglets, and commits via SegmentManager.CompactionComplete.
func (c *LogCleaner) doMemoryCleaning(candidates []*Segment) (bool, error) {
	start := time.Now()
	source, delta := pickCompactionVictim(candidates, c.cfg.SegletSize, c.cfg.MaxCleanableMemoryUtilization)
	if source == nil {
		return false, nil
	}
	c.removeCandidates([]*Segment{source})
	defer func() { c.metrics.CleanerPassDuration.Observe(time.Since(start).Seconds()) }()

	source.setState(StateCleaning)
	survivor, err := c.sm.AllocSideSegment(FlagForCleaning|FlagMustNotFail, source)
	if err != nil {
		c.reinstateCandidate(source)
		return false, err
	}

	iter := source.Iterator()
	for {
		entry, ok, err := iter()
		if err != nil {
			logCleaningError("event!cleaner.corrupt segment during compaction", err, "segmentId", source.id.String())
			c.sm.AbandonSideSegment(survivor)
			c.reinstateCandidate(source)
			return true, err
		}
		if !ok {
			break
		}
		if entry.Type != EntryTypeObject && entry.Type != EntryTypeTombstone {
			continue
		}
		oldRef := NewReference(source.id, entry.Offset)
		outcome, err := c.relocateEntry(entry, oldRef, survivor)
		if err != nil {
			c.sm.AbandonSideSegment(survivor)
			c.reinstateCandidate(source)
			return true, err
		}
		if outcome == relocationFailed {
			// The survivor is sized for source's live bytes up to
			// MaxCleanableMemoryUtilization; in normal operation it
			// should never fill mid-pass. Unlike the disk-cleaning
			// chain, which closes a full survivor and moves on to a
			// fresh one, compaction has a single survivor: the pass
			// aborts for this source and a later pass retries against
			// whatever is still live.
			c.metrics.TotalRelocationFailures.Inc()
			countlog.Error("event!cleaner.survivor full during compaction", "segmentId", source.id.String())
			c.sm.AbandonSideSegment(survivor)
			c.reinstateCandidate(source)
			return true, ErrRelocationFailed
		}
	}

	keepSeglets := survivorSegletsToKeep(survivor, delta, c.cfg.SegletSize)
	trim := survivor.SegletsAllocated() - keepSeglets
	if trim > 0 {
		if err := survivor.FreeUnusedSeglets(trim, c.allocator); err != nil {
			countlog.Error("event!cleaner.failed to trim survivor", "err", err)
		}
	}

	// The survivor must be CLEANABLE by the same definition any other
	// segment is -- immutable and durably replicated -- before it is
	// eligible for a future disk-cleaning pass, so it goes through the
	// same close-then-replicate-then-sync sequence a retired head does.
	if err := survivor.Close(); err != nil {
		c.sm.AbandonSideSegment(survivor)
		c.reinstateCandidate(source)
		return true, err
	}
	if replica := c.sm.replicaFor(survivor.id); replica != nil {
		c.closeReplicaWithBackoff(replica, survivor)
		c.syncWithBackoff(context.Background(), replica, survivor)
	}

	source.touchCompaction(time.Now())
	if err := c.sm.CompactionComplete(source, survivor); err != nil {
		logCleaningError("event!cleaner.compaction complete rejected", err, "segmentId", source.id.String())
		c.sm.AbandonSideSegment(survivor)
		c.reinstateCandidate(source)
		return true, err
	}
	return true, nil
}

func (c *LogCleaner) closeReplicaWithBackoff(replica ReplicaManager, seg *Segment) {
	backoff := 10 * time.Millisecond
	for {
		if err := replica.Close(seg.AppendedLength()); err == nil {
			return
		}
		countlog.Error("event!cleaner.replica close failed, retrying", "segmentId", seg.id.String())
		time.Sleep(backoff)
		backoff = backoffUp(backoff)
	}
}

func (c *LogCleaner) reinstateCandidate(s *Segment) {
	s.setState(StateCleanable)
	c.candidatesMu.Lock()
	c.candidates = append(c.candidates, s)
	c.candidatesMu.Unlock()
}

// pickCompactionVictim selects the candidate with the largest positive
//
//	delta = segletsAllocated - segletsNeeded(liveBytes)
//
// or, if none is positive, the candidate maximizing
// tombstoneCount*(now-lastCompactionTimestamp) (the 128-bit-safe
// tombstone fallback), with delta forced to 0 in that case so compaction
// keeps the survivor's memory footprint unchanged.
func pickCompactionVictim(candidates []*Segment, segletSize, maxUtilPercent int) (*Segment, int) {
	var best *Segment
	bestDelta := -1
	for _, s := range candidates {
		needed := segletsNeededStatic(s.LiveBytes(), segletSize, maxUtilPercent)
		delta := s.SegletsAllocated() - needed
		if delta > bestDelta {
			bestDelta = delta
			best = s
		}
	}
	if best != nil && bestDelta > 0 {
		return best, bestDelta
	}

	now := time.Now().Unix()
	var fallback *Segment
	var fallbackScore uint128
	for _, s := range candidates {
		tombstones := uint64(s.EntryCount(EntryTypeTombstone))
		if tombstones == 0 {
			continue
		}
		age := now - s.LastCompactionTimestamp()
		if age < 0 {
			age = 0
		}
		score := mul64(tombstones, uint64(age))
		if fallback == nil || fallbackScore.less(score) {
			fallback = s
			fallbackScore = score
		}
	}
	if fallback != nil {
		return fallback, 0
	}
	return best, 0
}

// segletsNeededStatic mirrors SegmentManager.segletsNeededFor without
// needing a *SegmentManager; pickCompactionVictim runs inside the cleaner,
// which only has Config's numbers, not a manager reference, at this call
// site. Floors at 1 to match Config.FloorSegletsNeededAtOne's default;
// callers that need the operator's override go through
// SegmentManager.segletsNeededFor instead (used for the actual allocation
// size in AllocSideSegment).
func segletsNeededStatic(liveBytes int64, segletSize, maxUtilPercent int) int {
	if liveBytes <= 0 {
		return 1
	}
	segletsForLiveBytes := (liveBytes + int64(segletSize) - 1) / int64(segletSize)
	needed := segletsForLiveBytes * 100 / int64(maxUtilPercent)
	if needed == 0 {
		needed = 1
	}
	return int(needed)
}

// survivorSegletsToKeep returns how many seglets the compaction survivor
// keeps. With delta == 0 (the tombstone fallback) it keeps everything it
// was allocated. Otherwise it keeps just enough seglets to cover the
// survivor's appended bytes, at least 1 and at most what it holds.
// AllocSideSegment already sized the survivor with segletsNeededFor (not
// source.allocated), so the count is taken from the survivor's own
// contents rather than from source.allocated - delta.
func survivorSegletsToKeep(survivor *Segment, delta, segletSize int) int {
	minimal := int((survivor.AppendedLength() + int64(segletSize) - 1) / int64(segletSize))
	if minimal < 1 {
		minimal = 1
	}
	if delta == 0 {
		return survivor.SegletsAllocated()
	}
	if minimal > survivor.SegletsAllocated() {
		minimal = survivor.SegletsAllocated()
	}
	return minimal
}

// relocateEntry asks the external index whether the entry is still
// live, appends it to survivor, asks the index to atomically swap
// itself over, and rolls back the append if the swap didn't take (the
// entry died in the race window between CheckLiveness and Relocate).
func (c *LogCleaner) relocateEntry(entry Entry, oldRef Reference, survivor *Segment) (relocationOutcome, error) {
	if !c.handlers.CheckLiveness(entry.Type, entry.Payload) {
		return relocationDead, nil
	}
	newOffset, err := survivor.Append(entry.Type, entry.Payload)
	if err == ErrSegmentFull {
		return relocationFailed, nil
	}
	if err != nil {
		return relocationDead, err
	}
	newRef := NewReference(survivor.id, newOffset)
	if !c.handlers.Relocate(entry.Type, oldRef, newRef) {
		// Lost the race: undo the append by restoring appendedLength so
		// the bytes we just wrote are overwritten by the next relocation.
		if err := survivor.rollbackAppend(newOffset, entry.Type, len(entry.Payload)); err != nil {
			logCleaningError("event!cleaner.accounting error on rollback", err)
		}
		return relocationDead, nil
	}
	return relocationRelocated, nil
}
