package ramlog

import (
	"context"
	"sort"
	"time"

	"github.com/v2pro/plz/countlog"
)

// timestampedEntry is one live entry collected across disk-cleaning
// victims, ready to be sorted cold-to-hot.
type timestampedEntry struct {
	source    *Segment
	entry     Entry
	timestamp uint32
}

// doDiskCleaning selects victims by cost-benefit, collects and
// timestamp-sorts their live entries, relocates them into a chain of
// survivors, syncs each survivor's replication, and commits via
// SegmentManager.CleaningComplete.
func (c *LogCleaner) doDiskCleaning(ctx context.Context, candidates []*Segment) (bool, error) {
	start := time.Now()
	victims := c.getSegmentsToClean(candidates)
	if len(victims) == 0 {
		return false, nil
	}
	c.removeCandidates(victims)
	defer func() { c.metrics.CleanerPassDuration.Observe(time.Since(start).Seconds()) }()

	for _, v := range victims {
		v.setState(StateCleaning)
	}

	entries, err := c.collectLiveEntries(victims)
	if err != nil {
		c.abortDiskCleaning(victims, nil)
		return true, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].timestamp < entries[j].timestamp })

	survivors, err := c.relocateIntoSurvivorChain(ctx, entries, victims)
	if err != nil {
		c.abortDiskCleaning(victims, survivors)
		return true, err
	}

	// Wait for each survivor's replication to reach its appended length,
	// retrying indefinitely on BackupUnavailable -- disk cleaning must
	// never drop data for a slow or flapping backup.
	for _, sv := range survivors {
		replica := c.sm.replicaFor(sv.id)
		if replica == nil {
			continue
		}
		c.syncWithBackoff(ctx, replica, sv)
	}

	if err := c.sm.CleaningComplete(victims, survivors); err != nil {
		countlog.Error("event!cleaner.cleaning complete reported errors", "err", err)
	}
	return true, nil
}

func (c *LogCleaner) syncWithBackoff(ctx context.Context, replica ReplicaManager, sv *Segment) {
	backoff := 10 * time.Millisecond
	for {
		if err := replica.Sync(sv.AppendedLength()); err == nil {
			return
		}
		countlog.Error("event!cleaner.backup unavailable, retrying sync", "segmentId", sv.id.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = backoffUp(backoff)
	}
}

// abortDiskCleaning reinstates victims as cleanable candidates and
// abandons any survivors allocated so far: survivors allocated mid-pass
// are either finished and committed, or dropped with their seglets
// returned to the allocator.
func (c *LogCleaner) abortDiskCleaning(victims, survivors []*Segment) {
	for _, sv := range survivors {
		c.sm.AbandonSideSegment(sv)
	}
	for _, v := range victims {
		c.reinstateCandidate(v)
	}
}

// getSegmentsToClean sorts candidates by cost-benefit descending, skips
// any whose memoryUtilization exceeds MaxCleanableMemoryUtilization, and
// accumulates victims until their summed liveBytes exceeds
// MaxLiveSegmentsPerDiskPass*segmentSize.
func (c *LogCleaner) getSegmentsToClean(candidates []*Segment) []*Segment {
	eligible := make([]*Segment, 0, len(candidates))
	for _, s := range candidates {
		if s.MemoryUtilization() > c.cfg.MaxCleanableMemoryUtilization {
			continue
		}
		eligible = append(eligible, s)
	}
	if c.cfg.DisableDiskCleaning {
		// Cost-benefit accounting disabled: fall back to plain FIFO
		// (oldest creationTimestamp first).
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].CreationTimestamp() < eligible[j].CreationTimestamp()
		})
	} else {
		version := c.nextCostBenefitVersion()
		sortCandidatesByCostBenefitDesc(eligible, c.cfg.SegmentSize, time.Now().Unix(), version)
	}

	budget := int64(c.cfg.MaxLiveSegmentsPerDiskPass) * int64(c.cfg.SegmentSize)
	var victims []*Segment
	var sum int64
	for _, s := range eligible {
		if sum > budget {
			break
		}
		victims = append(victims, s)
		sum += s.LiveBytes()
	}
	return victims
}

// collectLiveEntries iterates every victim, asking EntryHandlers for each
// live entry's timestamp.
func (c *LogCleaner) collectLiveEntries(victims []*Segment) ([]timestampedEntry, error) {
	var entries []timestampedEntry
	for _, v := range victims {
		iter := v.Iterator()
		for {
			entry, ok, err := iter()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if entry.Type != EntryTypeObject && entry.Type != EntryTypeTombstone {
				continue
			}
			if !c.handlers.CheckLiveness(entry.Type, entry.Payload) {
				continue
			}
			entries = append(entries, timestampedEntry{
				source:    v,
				entry:     entry,
				timestamp: c.handlers.GetTimestamp(entry.Type, entry.Payload),
			})
		}
	}
	return entries, nil
}

// relocateIntoSurvivorChain relocates entries in timestamp order into a
// chain of survivors, allocating a new one each time the current one
// fills.
func (c *LogCleaner) relocateIntoSurvivorChain(ctx context.Context, entries []timestampedEntry, victims []*Segment) ([]*Segment, error) {
	var survivors []*Segment
	var current *Segment
	for i := 0; i < len(entries); i++ {
		te := entries[i]
		if current == nil {
			var err error
			current, err = c.sm.AllocSideSegment(FlagForCleaning|FlagMustNotFail, nil)
			if err != nil {
				return survivors, err
			}
			survivors = append(survivors, current)
		}
		oldRef := NewReference(te.source.id, te.entry.Offset)
		outcome, err := c.relocateEntry(te.entry, oldRef, current)
		if err != nil {
			return survivors, err
		}
		if outcome == relocationFailed {
			c.closeAndReplicate(current)
			current = nil
			i-- // retry this entry against the next survivor
			continue
		}
	}
	if current != nil {
		c.closeAndReplicate(current)
	}
	return survivors, nil
}

// closeAndReplicate closes a filled survivor and tells its
// ReplicaManager handle to begin asynchronous replication.
func (c *LogCleaner) closeAndReplicate(sv *Segment) {
	if err := sv.Close(); err != nil {
		countlog.Error("event!cleaner.failed to close survivor", "segmentId", sv.id.String(), "err", err)
		return
	}
	if replica := c.sm.replicaFor(sv.id); replica != nil {
		if err := replica.Close(sv.AppendedLength()); err != nil {
			countlog.Error("event!cleaner.replica close failed", "segmentId", sv.id.String(), "err", err)
		}
	}
}
