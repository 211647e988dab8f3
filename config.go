package ramlog

// Config holds every runtime tunable named in the log engine's external
// interfaces. Field names mirror the tunables table verbatim; a
// zero-value Config is filled in by applyDefaults before Start.
type Config struct {
	// SegmentSize is the fixed size in bytes of every segment.
	SegmentSize int
	// SegletSize is the fixed size in bytes of every seglet. SegmentSize
	// must be a multiple of SegletSize.
	SegletSize int

	// CleanerThreadCount is the number of background cleaner goroutines.
	// Thread 0 is the policy thread (disk cleaning or memory compaction);
	// threads >= 1 only help with memory compaction.
	CleanerThreadCount int
	// CleanerWriteCostThreshold disables in-memory cleaning entirely when 0.
	// The cleaner checks for 0, but applyDefaults replaces a zero value
	// with the default (6), so a Config that went through Start never
	// carries 0 here; DisableInMemoryCleaning is the switch that turns
	// compaction off for such a Config.
	CleanerWriteCostThreshold int
	// DisableInMemoryCleaning skips compaction; only disk cleaning runs.
	DisableInMemoryCleaning bool
	// DisableDiskCleaning skips disk cleaning's cost-benefit accounting;
	// disk cleaning then falls back to plain FIFO victim selection.
	DisableDiskCleaning bool

	MinMemoryUtilization         int // percent, triggers memory pressure
	MinDiskUtilization           int // percent, triggers disk pressure
	MaxCleanableMemoryUtilization int // percent, upper bound for compaction candidates
	MaxLiveSegmentsPerDiskPass    int // bounds work per disk cleaning pass

	SurvivorSegmentsToReserve int // per cleaner thread

	PollMicros int // idle sleep between cleaner poll iterations

	// ReplicaFreeConcurrency bounds how many ReplicaManager.free() calls a
	// cleaningComplete pass issues concurrently.
	ReplicaFreeConcurrency int

	// FloorSegletsNeededAtOne decides whether the segletsNeeded
	// computation (ceil(liveBytes/segletSize)*100/MAX_UTIL) is allowed to
	// round down to zero under extreme small-entry workloads. Default
	// true: any segment with live bytes needs at least one seglet.
	// applyDefaults cannot distinguish an explicit false from an unset
	// zero value here, as it can for the int fields; callers who want the
	// default should start from DefaultConfig() rather than a bare
	// Config{}.
	FloorSegletsNeededAtOne bool

	// GeneralPoolSeglets is how many seglets are mapped into the general
	// pool at Start, ahead of any head allocation.
	GeneralPoolSeglets int
}

// DefaultConfig returns a Config with every field set to a sane default.
func DefaultConfig() Config {
	return Config{
		SegmentSize: 1 << 20, // 1 MiB
		SegletSize:  64 << 10,

		CleanerThreadCount:        3,
		CleanerWriteCostThreshold: 6,
		DisableInMemoryCleaning:   false,
		DisableDiskCleaning:       false,

		MinMemoryUtilization:          90,
		MinDiskUtilization:            95,
		MaxCleanableMemoryUtilization: 98,
		MaxLiveSegmentsPerDiskPass:    10,

		SurvivorSegmentsToReserve: 2,

		PollMicros: 10000,

		ReplicaFreeConcurrency: 4,

		FloorSegletsNeededAtOne: true,

		GeneralPoolSeglets: 64,
	}
}

// applyDefaults fills zero-valued fields of cfg with DefaultConfig's
// values.
func (cfg Config) applyDefaults() Config {
	def := DefaultConfig()
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = def.SegmentSize
	}
	if cfg.SegletSize == 0 {
		cfg.SegletSize = def.SegletSize
	}
	if cfg.CleanerThreadCount == 0 {
		cfg.CleanerThreadCount = def.CleanerThreadCount
	}
	if cfg.CleanerWriteCostThreshold == 0 {
		cfg.CleanerWriteCostThreshold = def.CleanerWriteCostThreshold
	}
	if cfg.MinMemoryUtilization == 0 {
		cfg.MinMemoryUtilization = def.MinMemoryUtilization
	}
	if cfg.MinDiskUtilization == 0 {
		cfg.MinDiskUtilization = def.MinDiskUtilization
	}
	if cfg.MaxCleanableMemoryUtilization == 0 {
		cfg.MaxCleanableMemoryUtilization = def.MaxCleanableMemoryUtilization
	}
	if cfg.MaxLiveSegmentsPerDiskPass == 0 {
		cfg.MaxLiveSegmentsPerDiskPass = def.MaxLiveSegmentsPerDiskPass
	}
	if cfg.SurvivorSegmentsToReserve == 0 {
		cfg.SurvivorSegmentsToReserve = def.SurvivorSegmentsToReserve
	}
	if cfg.PollMicros == 0 {
		cfg.PollMicros = def.PollMicros
	}
	if cfg.ReplicaFreeConcurrency == 0 {
		cfg.ReplicaFreeConcurrency = def.ReplicaFreeConcurrency
	}
	if cfg.GeneralPoolSeglets == 0 {
		cfg.GeneralPoolSeglets = def.GeneralPoolSeglets
	}
	return cfg
}

// segletsPerSegment is SegmentSize / SegletSize.
func (cfg Config) segletsPerSegment() int {
	return cfg.SegmentSize / cfg.SegletSize
}
