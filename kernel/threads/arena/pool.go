package arena

import (
	"sync"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// DmaBuffer is a hardware-visible buffer sized for one descriptor slot.
// At any time it is held by exactly one owner: the pool, an in-flight
// receive slot, or an in-flight transmit slot.
type DmaBuffer struct {
	phys  uint64
	pages int
	mem   []byte
}

// Bytes returns the whole buffer.
func (b *DmaBuffer) Bytes() []byte { return b.mem }

// Phys returns the buffer's physical address.
func (b *DmaBuffer) Phys() uint64 { return b.phys }

// Len returns the buffer size in bytes.
func (b *DmaBuffer) Len() int { return len(b.mem) }

// BufferPool recycles DMA buffers between the receive and transmit paths.
// Every critical section is a single push or pop.
type BufferPool struct {
	arena          *FrameArena
	pagesPerBuffer int

	free      []*DmaBuffer
	allocated int

	mu sync.Mutex
}

// NewBufferPool creates an empty pool that grows from the arena on demand.
func NewBufferPool(a *FrameArena, pagesPerBuffer int) *BufferPool {
	if pagesPerBuffer <= 0 {
		pagesPerBuffer = 1
	}
	return &BufferPool{
		arena:          a,
		pagesPerBuffer: pagesPerBuffer,
		free:           make([]*DmaBuffer, 0, 64),
	}
}

// Get reuses a pooled buffer or allocates a new one from the arena.
func (p *BufferPool) Get() (*DmaBuffer, error) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()

	frame, err := p.arena.AllocateContiguous(p.pagesPerBuffer)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeAllocationExhausted, "no buffer obtainable", err)
	}

	p.mu.Lock()
	p.allocated++
	p.mu.Unlock()

	return &DmaBuffer{phys: frame.Phys, pages: frame.Pages, mem: frame.Mem}, nil
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf *DmaBuffer) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// Len returns the number of pooled (idle) buffers.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocated returns how many buffers were ever carved from the arena.
func (p *BufferPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// BufferSize returns the size of every buffer handed out by the pool.
func (p *BufferPool) BufferSize() int {
	return p.pagesPerBuffer * PageSize
}
