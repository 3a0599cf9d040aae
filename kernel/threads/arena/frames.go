// Package arena owns hardware-visible memory: a contiguous frame arena that
// stands in for the physical allocator, and the pool that recycles packet
// buffers carved from it.
package arena

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

const (
	// PageSize is the frame granularity.
	PageSize = 4096

	// DefaultPhysBase is where the arena's simulated physical range begins.
	DefaultPhysBase uint64 = 0x0010_0000
)

// Frame is a physically contiguous, page-aligned run of pages.
type Frame struct {
	Phys  uint64
	Pages int
	Mem   []byte
}

// FrameArena hands out contiguous page runs from one anonymous mapping.
// Frames are never returned: callers recycle them in their own pools.
type FrameArena struct {
	mem      []byte
	physBase uint64
	pages    uint32

	// next free page index; allocation is a bump over the mapping
	next uint32

	mu sync.Mutex
}

// NewFrameArena maps `pages` zeroed pages of anonymous memory.
func NewFrameArena(pages int, physBase uint64) (*FrameArena, error) {
	if pages <= 0 {
		return nil, utils.NewKernelError(utils.ErrCodeInvalidConfig, "arena needs at least one page").
			WithContext("pages", pages)
	}
	if physBase%PageSize != 0 {
		return nil, utils.NewKernelError(utils.ErrCodeInvalidConfig, "physical base must be page aligned").
			WithContext("phys_base", physBase)
	}

	mem, err := unix.Mmap(-1, 0, pages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap frame arena: %w", err)
	}

	return &FrameArena{
		mem:      mem,
		physBase: physBase,
		pages:    uint32(pages),
	}, nil
}

// AllocateContiguous returns `pages` contiguous zeroed pages.
func (a *FrameArena) AllocateContiguous(pages int) (Frame, error) {
	if pages <= 0 {
		return Frame{}, utils.NewKernelError(utils.ErrCodeInvalidState, "page count must be positive").
			WithContext("pages", pages)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return Frame{}, utils.NewKernelError(utils.ErrCodeInvalidState, "frame arena closed")
	}
	if uint32(pages) > a.pages-a.next {
		return Frame{}, utils.WrapError(utils.ErrCodeAllocationExhausted, "frame arena exhausted", nil).
			WithContext("requested", pages).
			WithContext("free", int(a.pages-a.next))
	}

	start := a.next
	a.next += uint32(pages)

	off := int(start) * PageSize
	return Frame{
		Phys:  a.physBase + uint64(off),
		Pages: pages,
		Mem:   a.mem[off : off+pages*PageSize : off+pages*PageSize],
	}, nil
}

// Close unmaps the arena. Any frame still referenced becomes invalid.
func (a *FrameArena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Stats reports page usage of the arena.
type Stats struct {
	TotalPages     int
	AllocatedPages int
}

// FreePages is the number of pages still available to AllocateContiguous.
func (s Stats) FreePages() int { return s.TotalPages - s.AllocatedPages }

// Stats returns the current page usage.
func (a *FrameArena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{TotalPages: int(a.pages), AllocatedPages: int(a.next)}
}
