package ramlog

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine wires together SegletAllocator, SegmentManager, Log, and
// LogCleaner into the full log-structured storage engine. It is the
// module's entry point: defaults applied once, background workers
// spawned, and a single value handed back for the caller to drive.
type Engine struct {
	cfg       Config
	allocator *SegletAllocator
	sm        *SegmentManager
	log       *Log
	cleaner   *LogCleaner
	metrics   *Metrics
}

// Start builds an Engine for one log (logID distinguishes logs when a
// process runs more than one, e.g. one per tablet). handlers and
// replicas are the external collaborators; registry receives the
// Prometheus collectors Metrics registers.
func Start(cfg Config, logID uint64, handlers EntryHandlers, replicas ReplicaManagerFactory, registry *prometheus.Registry) (*Engine, error) {
	cfg = cfg.applyDefaults()
	metrics := NewMetrics(registry)

	allocator := NewSegletAllocator(cfg.SegletSize)
	if !allocator.GrowGeneralPool(cfg.GeneralPoolSeglets) {
		return nil, ErrAllocatorExhausted
	}

	sm := NewSegmentManager(cfg, logID, allocator, replicas, metrics)
	reserveSeglets := cfg.CleanerThreadCount * cfg.SurvivorSegmentsToReserve * cfg.segletsPerSegment()
	if !sm.InitializeSurvivorReserve(reserveSeglets) {
		return nil, ErrAllocatorExhausted
	}

	log, err := NewLog(logID, sm, metrics)
	if err != nil {
		return nil, err
	}

	cleaner := NewLogCleaner(cfg, sm, allocator, handlers, metrics)
	cleaner.Start()

	return &Engine{
		cfg:       cfg,
		allocator: allocator,
		sm:        sm,
		log:       log,
		cleaner:   cleaner,
		metrics:   metrics,
	}, nil
}

// Log returns the public append/free/getEntry facade.
func (e *Engine) Log() *Log { return e.log }

// SegmentManager exposes the hub directly for callers that need it (a
// recovery manager replaying segments, an operator inspecting state).
func (e *Engine) SegmentManager() *SegmentManager { return e.sm }

// Stop halts the cleaner's worker goroutines and releases every seglet
// the allocator ever handed out. Callers should have stopped issuing
// Append/Free calls before calling Stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.cleaner.Stop(ctx)
	return e.allocator.Close()
}
