package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countdown completes after it has been polled `remaining` times.
type countdown struct {
	polls     int
	remaining int
	trace     *[]int
	id        int
}

func (c *countdown) Poll(cx *Context) Status {
	c.polls++
	if c.trace != nil {
		*c.trace = append(*c.trace, c.id)
	}
	c.remaining--
	if c.remaining <= 0 {
		return Ready
	}
	return Pending
}

func TestExecutor_RoundRobinFairness(t *testing.T) {
	ex := New(nil)
	var trace []int
	tasks := make([]*countdown, 5)
	for i := range tasks {
		tasks[i] = &countdown{remaining: 100, trace: &trace, id: i}
		ex.Spawn(tasks[i])
	}

	ex.Poll()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, trace, "each task polled once, in FIFO order")
	for i, task := range tasks {
		assert.Equal(t, 1, task.polls, "task %d polled more than once in a pass", i)
	}
	assert.Equal(t, 5, ex.Len())

	ex.Poll()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4}, trace)
}

func TestExecutor_ReadyTasksAreDropped(t *testing.T) {
	ex := New(nil)
	short := &countdown{remaining: 1}
	long := &countdown{remaining: 3}
	ex.Spawn(short)
	ex.Spawn(long)

	ex.Poll()
	assert.Equal(t, 1, ex.Len())

	ex.Poll()
	ex.Poll()
	assert.Equal(t, 0, ex.Len())
	assert.Equal(t, 1, short.polls)
	assert.Equal(t, 3, long.polls)

	stats := ex.Stats()
	assert.Equal(t, uint64(3), stats.Passes)
	assert.Equal(t, uint64(2), stats.Completed)
}

func TestExecutor_SpawnDuringPassRunsNextPass(t *testing.T) {
	ex := New(nil)
	child := &countdown{remaining: 1}
	spawned := 0

	parent := TaskFunc(func(cx *Context) Status {
		spawned++
		ex.Spawn(child)
		return Pending
	})
	ex.Spawn(parent)

	ex.Poll()
	assert.Equal(t, 1, spawned)
	assert.Equal(t, 0, child.polls, "child spawned mid-pass must wait for the next pass")
	assert.Equal(t, 2, ex.Len())

	ex.Poll()
	assert.Equal(t, 2, spawned, "parent spawning every pass never loops within one pass")
	assert.Equal(t, 1, child.polls)
}

func TestExecutor_EmptyPollAndNilSpawn(t *testing.T) {
	ex := New(nil)
	ex.Spawn(nil)
	require.NotPanics(t, ex.Poll)
	assert.Equal(t, 0, ex.Len())
}

func TestYield_OneShot(t *testing.T) {
	y := &Yield{}
	cx := &Context{}
	assert.Equal(t, Pending, y.Poll(cx))
	assert.Equal(t, Ready, y.Poll(cx))
	assert.Equal(t, Ready, y.Poll(cx))

	y.Reset()
	assert.Equal(t, Pending, y.Poll(cx))
}
