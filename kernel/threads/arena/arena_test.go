package arena

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

func newTestArena(t *testing.T, pages int) *FrameArena {
	t.Helper()
	a, err := NewFrameArena(pages, DefaultPhysBase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestFrameArena_AllocateContiguous(t *testing.T) {
	a := newTestArena(t, 16)

	f1, err := a.AllocateContiguous(1)
	require.NoError(t, err)
	assert.Equal(t, DefaultPhysBase, f1.Phys, "first frame starts at the physical base")
	assert.Len(t, f1.Mem, PageSize)

	f2, err := a.AllocateContiguous(4)
	require.NoError(t, err)
	assert.Equal(t, DefaultPhysBase+PageSize, f2.Phys)
	assert.Len(t, f2.Mem, 4*PageSize)
	assert.Zero(t, f2.Phys%PageSize, "frames are page aligned")

	for _, b := range f2.Mem {
		require.Zero(t, b)
	}

	stats := a.Stats()
	assert.Equal(t, 16, stats.TotalPages)
	assert.Equal(t, 5, stats.AllocatedPages)
	assert.Equal(t, 11, stats.FreePages())
}

func TestFrameArena_Exhaustion(t *testing.T) {
	a := newTestArena(t, 2)

	_, err := a.AllocateContiguous(2)
	require.NoError(t, err)

	_, err = a.AllocateContiguous(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrAllocationExhausted))
}

func TestNewFrameArena_RejectsBadInput(t *testing.T) {
	_, err := NewFrameArena(0, DefaultPhysBase)
	assert.True(t, errors.Is(err, utils.ErrInvalidConfig))

	_, err = NewFrameArena(1, DefaultPhysBase+1)
	assert.True(t, errors.Is(err, utils.ErrInvalidConfig))
}

func TestBufferPool_ReuseBeforeAllocate(t *testing.T) {
	pool := NewBufferPool(newTestArena(t, 8), 1)

	b1, err := pool.Get()
	require.NoError(t, err)
	assert.Equal(t, PageSize, b1.Len())
	assert.Equal(t, 1, pool.Allocated())

	pool.Put(b1)
	assert.Equal(t, 1, pool.Len())

	b2, err := pool.Get()
	require.NoError(t, err)
	assert.Same(t, b1, b2, "a pooled buffer is reused before a new one is carved")
	assert.Equal(t, 1, pool.Allocated())
	assert.Equal(t, 0, pool.Len())
}

func TestBufferPool_Conservation(t *testing.T) {
	pool := NewBufferPool(newTestArena(t, 32), 1)

	var held []*DmaBuffer
	for i := 0; i < 10; i++ {
		b, err := pool.Get()
		require.NoError(t, err)
		held = append(held, b)
	}
	for _, b := range held[:4] {
		pool.Put(b)
	}
	assert.Equal(t, pool.Allocated(), pool.Len()+len(held[4:]))

	for i := 0; i < 3; i++ {
		b, err := pool.Get()
		require.NoError(t, err)
		held = append(held, b)
	}
	assert.Equal(t, 10, pool.Allocated(), "reuse keeps the total constant")
	assert.Equal(t, 1, pool.Len())
}

func TestBufferPool_ExhaustedArena(t *testing.T) {
	pool := NewBufferPool(newTestArena(t, 1), 1)
	_, err := pool.Get()
	require.NoError(t, err)

	_, err = pool.Get()
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrAllocationExhausted))

	pool.Put(nil)
	assert.Equal(t, 0, pool.Len())
}
