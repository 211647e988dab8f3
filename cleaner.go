package ramlog

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/v2pro/plz/concurrent"
	"github.com/v2pro/plz/countlog"
)

// LogCleaner runs cfg.CleanerThreadCount background worker goroutines
// that reclaim dead entries by memory compaction and disk cleaning.
// Workers are started with v2pro/plz/concurrent's UnboundedExecutor.
type LogCleaner struct {
	cfg       Config
	sm        *SegmentManager
	allocator *SegletAllocator
	handlers  EntryHandlers
	metrics   *Metrics

	executor *concurrent.UnboundedExecutor

	candidatesMu sync.Mutex
	candidates   []*Segment

	costBenefitVersion int64 // atomic, bumped once per disk-cleaning sort (stand-in for rdtsc())
}

// NewLogCleaner constructs a cleaner. Call Start to spawn its worker
// goroutines.
func NewLogCleaner(cfg Config, sm *SegmentManager, allocator *SegletAllocator, handlers EntryHandlers, metrics *Metrics) *LogCleaner {
	return &LogCleaner{
		cfg:       cfg,
		sm:        sm,
		allocator: allocator,
		handlers:  handlers,
		metrics:   metrics,
	}
}

// Start spawns cfg.CleanerThreadCount worker goroutines. Thread 0 is the
// policy thread (it alone does disk cleaning); threads >= 1 only help
// with memory compaction
func (c *LogCleaner) Start() {
	c.executor = concurrent.NewUnboundedExecutor()
	for i := 0; i < c.cfg.CleanerThreadCount; i++ {
		threadNumber := i
		c.executor.Go(func(ctx context.Context) {
			countlog.Info("event!cleaner.worker start", "threadNumber", threadNumber)
			defer countlog.Info("event!cleaner.worker stop", "threadNumber", threadNumber)
			c.runWorker(ctx, threadNumber)
		})
	}
}

// Stop signals every worker to exit and waits for them to drain. It
// returns once all workers have observed the cancellation; in-flight
// relocations finish naturally (they are small) and any survivor
// allocated mid-pass is either committed or has its seglets returned.
func (c *LogCleaner) Stop(ctx context.Context) {
	if c.executor == nil {
		return
	}
	c.executor.StopAndWait(ctx)
}

func (c *LogCleaner) runWorker(ctx context.Context, threadNumber int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		didWork, err := c.runOneIteration(ctx, threadNumber)
		if err != nil {
			logCleaningError("event!cleaner.pass failed", err, "threadNumber", threadNumber)
		}
		if !didWork {
			c.sleepJittered(ctx)
		}
	}
}

// logCleaningError logs a cleaning-pass error, escalating to
// countlog.Fatal for InvariantViolation and CorruptSegmentError the same
// way Log.Free already does: both mean the log's own accounting or
// on-disk data is wrong, so the process must stop rather than retry past
// it like an ordinary transient failure.
func logCleaningError(event string, err error, kv ...interface{}) {
	kv = append(kv, "err", err)
	switch err.(type) {
	case *InvariantViolation, *CorruptSegmentError:
		countlog.Fatal(event, kv...)
	default:
		countlog.Error(event, kv...)
	}
}

func (c *LogCleaner) sleepJittered(ctx context.Context) {
	base := time.Duration(c.cfg.PollMicros) * time.Microsecond
	jitter := time.Duration(float64(base) * 0.1 * (2*rand.Float64() - 1))
	d := base + jitter
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// runOneIteration runs one pass of the worker loop: refresh candidates,
// decide memory vs disk pressure, and dispatch to the matching cleaning
// routine. It returns didWork=false when there was nothing worth doing
// this iteration, so the caller sleeps.
func (c *LogCleaner) runOneIteration(ctx context.Context, threadNumber int) (bool, error) {
	candidates := c.refreshCandidates()

	memUtil := c.allocator.GeneralPoolUtilization()
	diskUtil := averageDiskUtilization(candidates, c.cfg.SegmentSize)

	memoryPressure := memUtil >= c.cfg.MinMemoryUtilization
	diskPressure := diskUtil >= c.cfg.MinDiskUtilization

	if threadNumber == 0 {
		if !memoryPressure && !diskPressure {
			return false, nil
		}
		memoryExhausted := memUtil >= 100
		if diskPressure || memoryExhausted {
			return c.doDiskCleaning(ctx, candidates)
		}
		return c.doMemoryCleaningIfEnabled(candidates, memUtil)
	}

	threshold := 90 + 2*threadNumber
	if threshold > 99 {
		threshold = 99
	}
	if memUtil >= threshold {
		return c.doMemoryCleaningIfEnabled(candidates, memUtil)
	}
	return false, nil
}

func (c *LogCleaner) doMemoryCleaningIfEnabled(candidates []*Segment, memUtil int) (bool, error) {
	if c.cfg.DisableInMemoryCleaning || c.cfg.CleanerWriteCostThreshold == 0 {
		return false, nil
	}
	return c.doMemoryCleaning(candidates)
}

// refreshCandidates pulls newly cleanable segments from SegmentManager
// into the shared candidates vector, holding candidatesMu only while
// mutating that list. It also drops any candidate that has left the
// CLEANABLE state (picked up by another worker, or freed) and returns a
// snapshot slice safe to read without the lock.
func (c *LogCleaner) refreshCandidates() []*Segment {
	c.candidatesMu.Lock()
	defer c.candidatesMu.Unlock()
	c.candidates = c.sm.CleanableSegments(c.candidates)
	kept := c.candidates[:0]
	for _, s := range c.candidates {
		if s.State() == StateCleanable {
			kept = append(kept, s)
		}
	}
	c.candidates = kept
	snapshot := make([]*Segment, len(c.candidates))
	copy(snapshot, c.candidates)
	return snapshot
}

// removeCandidates drops segments from the shared candidates vector once
// a worker has claimed them as victims, under candidatesLock.
func (c *LogCleaner) removeCandidates(victims []*Segment) {
	c.candidatesMu.Lock()
	defer c.candidatesMu.Unlock()
	victimSet := make(map[SegmentID]bool, len(victims))
	for _, v := range victims {
		victimSet[v.id] = true
	}
	kept := c.candidates[:0]
	for _, s := range c.candidates {
		if !victimSet[s.id] {
			kept = append(kept, s)
		}
	}
	c.candidates = kept
}

func averageDiskUtilization(candidates []*Segment, segmentSize int) int {
	if len(candidates) == 0 {
		return 0
	}
	sum := 0
	for _, s := range candidates {
		sum += s.DiskUtilization(segmentSize)
	}
	return sum / len(candidates)
}

func (c *LogCleaner) nextCostBenefitVersion() uint64 {
	return uint64(atomic.AddInt64(&c.costBenefitVersion, 1))
}
