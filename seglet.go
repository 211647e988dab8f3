package ramlog

import "github.com/edsrzf/mmap-go"

// AllocFlags controls how SegletAllocator.Alloc behaves.
type AllocFlags uint8

const (
	// FlagNone requests seglets from the general pool only, failing
	// immediately if it is exhausted.
	FlagNone AllocFlags = 0
	// FlagForCleaning allows the allocation to draw from the survivor
	// reserve once the general pool is exhausted. Only the cleaner is
	// allowed to pass this flag; foreground head allocations never do.
	FlagForCleaning AllocFlags = 1 << 0
	// FlagMustNotFail makes Alloc block on the reserve's condition
	// variable until enough seglets are available, rather than return
	// ErrAllocatorExhausted. Callers must be prepared to suspend.
	FlagMustNotFail AllocFlags = 1 << 1
)

func (f AllocFlags) has(bit AllocFlags) bool { return f&bit != 0 }

// seglet is a fixed-size contiguous memory block, the atomic unit of
// memory allocation for a segment. It is backed by an anonymous mmap
// region rather than a Go slice off the heap so large seglet pools don't
// pressure the GC.
type seglet struct {
	region mmap.MMap
	buf    []byte
}

func newSeglet(size int) (*seglet, error) {
	region, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	return &seglet{region: region, buf: region[:]}, nil
}

func (s *seglet) unmap() error {
	return s.region.Unmap()
}
