package ramlog

import (
	"sync"

	"github.com/v2pro/plz"
	"github.com/v2pro/plz/countlog"
)

// SegletAllocator owns a fixed pool of seglets partitioned into a general
// pool and a survivor reserve. The reserve is sized so the cleaner can
// always make forward progress: foreground head allocations (FlagNone)
// can never exhaust it, only FlagForCleaning allocations may draw from
// it. It is safe for concurrent use: foreground appenders and cleaner
// threads call Alloc/Free from different goroutines.
type SegletAllocator struct {
	segletSize int

	mu          sync.Mutex
	reserveCond *sync.Cond

	general []*seglet
	reserve []*seglet

	reserveSize  int // target count of seglets held back for FOR_CLEANING
	totalGeneral int // seglets ever granted to the general pool
	allSeglets   []*seglet
}

// NewSegletAllocator creates an allocator of segletSize-byte seglets. Call
// InitializeSurvivorReserve once at startup before any FOR_CLEANING
// allocation is attempted.
func NewSegletAllocator(segletSize int) *SegletAllocator {
	a := &SegletAllocator{segletSize: segletSize}
	a.reserveCond = sync.NewCond(&a.mu)
	return a
}

// InitializeSurvivorReserve allocates nSeglets fresh seglets into the
// survivor reserve and sets the reserve's target size. It is called once
// at startup.
func (a *SegletAllocator) InitializeSurvivorReserve(nSeglets int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < nSeglets; i++ {
		s, err := newSeglet(a.segletSize)
		if err != nil {
			countlog.Error("event!segletAllocator.failed to map reserve seglet", "err", err)
			return false
		}
		a.reserve = append(a.reserve, s)
		a.allSeglets = append(a.allSeglets, s)
	}
	a.reserveSize = nSeglets
	return true
}

// GrowGeneralPool maps nSeglets additional seglets into the general pool.
// Unlike the reserve, the general pool is allowed to grow on demand,
// bounded only by the caller's own memory budget.
func (a *SegletAllocator) GrowGeneralPool(nSeglets int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < nSeglets; i++ {
		s, err := newSeglet(a.segletSize)
		if err != nil {
			countlog.Error("event!segletAllocator.failed to map seglet", "err", err)
			return false
		}
		a.general = append(a.general, s)
		a.allSeglets = append(a.allSeglets, s)
	}
	a.totalGeneral += nSeglets
	a.reserveCond.Broadcast()
	return true
}

// GeneralPoolUtilization is the percentage of the general pool's
// ever-granted capacity currently handed out to segments (i.e. not
// sitting free). The cleaner uses this as the log-wide memoryUtilization
// signal.
func (a *SegletAllocator) GeneralPoolUtilization() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.totalGeneral == 0 {
		return 0
	}
	used := a.totalGeneral - len(a.general)
	return used * 100 / a.totalGeneral
}

// Alloc hands out count seglets. With FlagForCleaning, once the general
// pool is drained the reserve is drawn. With FlagMustNotFail, Alloc
// blocks on the reserve's condition variable until satisfied rather than
// returning ErrAllocatorExhausted.
func (a *SegletAllocator) Alloc(count int, flags AllocFlags) ([]*seglet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if got := a.tryAllocLocked(count, flags); got != nil {
			return got, nil
		}
		if !flags.has(FlagMustNotFail) {
			return nil, ErrAllocatorExhausted
		}
		countlog.Trace("event!segletAllocator.blocking for seglets",
			"count", count, "forCleaning", flags.has(FlagForCleaning))
		a.reserveCond.Wait()
	}
}

func (a *SegletAllocator) tryAllocLocked(count int, flags AllocFlags) []*seglet {
	if len(a.general) >= count {
		got := a.general[len(a.general)-count:]
		a.general = a.general[:len(a.general)-count]
		out := make([]*seglet, count)
		copy(out, got)
		return out
	}
	if !flags.has(FlagForCleaning) {
		return nil
	}
	needFromReserve := count - len(a.general)
	if len(a.reserve) < needFromReserve {
		return nil
	}
	out := make([]*seglet, 0, count)
	out = append(out, a.general...)
	a.general = a.general[:0]
	out = append(out, a.reserve[len(a.reserve)-needFromReserve:]...)
	a.reserve = a.reserve[:len(a.reserve)-needFromReserve]
	return out
}

// Free returns seglets to the pools. Freed seglets refill the survivor
// reserve up to its target size first, whichever pool they were drawn
// from, and any surplus goes to the general pool, so the reserve's
// forward-progress guarantee is restored before anything else benefits.
func (a *SegletAllocator) Free(seglets []*seglet) {
	if len(seglets) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range seglets {
		if len(a.reserve) < a.reserveSize {
			a.reserve = append(a.reserve, s)
		} else {
			a.general = append(a.general, s)
		}
	}
	a.reserveCond.Broadcast()
}

// Stats reports the current size of each pool, for metrics and tests.
func (a *SegletAllocator) Stats() (general, reserve int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.general), len(a.reserve)
}

// Close unmaps every seglet this allocator ever handed out, general and
// reserve alike. It is only safe once no segment holds a reference to any
// of them.
func (a *SegletAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, s := range a.allSeglets {
		if err := s.unmap(); err != nil {
			errs = append(errs, err)
		}
	}
	return plz.MergeErrors(errs...)
}
