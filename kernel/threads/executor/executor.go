// Package executor runs cooperative tasks without threads.
//
// A Task is polled once per scheduling pass and reports whether it is Ready
// (complete, dropped) or Pending (re-queued at the tail). Every live task is
// re-polled unconditionally on every pass; the Waker handed to a task is
// inert and exists only to satisfy the suspension contract.
package executor

import (
	"sync"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// Status is the outcome of a single poll step.
type Status uint8

const (
	// Pending means the task needs to be polled again.
	Pending Status = iota
	// Ready means the task finished and can be discarded.
	Ready
)

func (s Status) String() string {
	if s == Ready {
		return "ready"
	}
	return "pending"
}

// Waker is the signaling handle passed into a poll step. Waking does nothing:
// the executor visits every live task on every pass regardless.
type Waker struct{}

// Wake is a no-op.
func (Waker) Wake() {}

// Context is handed to Task.Poll.
type Context struct {
	waker Waker
}

// Waker returns the inert waker for this pass.
func (c *Context) Waker() Waker {
	return c.waker
}

// Task is an opaque suspendable computation. Failures must be folded into the
// task's own terminal state; the executor has no notion of task failure.
type Task interface {
	Poll(cx *Context) Status
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(cx *Context) Status

// Poll calls f.
func (f TaskFunc) Poll(cx *Context) Status {
	return f(cx)
}

// Executor is a round-robin busy-poller over a FIFO queue of tasks.
type Executor struct {
	mu     sync.Mutex
	queue  []Task
	logger *utils.Logger

	passes    uint64
	completed uint64
}

// New creates an empty executor.
func New(logger *utils.Logger) *Executor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Executor{
		queue:  make([]Task, 0, 16),
		logger: logger,
	}
}

// Spawn enqueues a task at the tail. Safe to call from inside a running task;
// the new task first runs on the next pass.
func (e *Executor) Spawn(t Task) {
	if t == nil {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, t)
	e.mu.Unlock()
}

// Poll performs exactly one scheduling pass over the tasks queued at entry.
func (e *Executor) Poll() {
	e.mu.Lock()
	n := len(e.queue)
	e.passes++
	e.mu.Unlock()

	cx := &Context{}
	for ; n > 0; n-- {
		t, ok := e.pop()
		if !ok {
			return
		}
		// the lock is not held across the poll so tasks may Spawn
		if t.Poll(cx) == Ready {
			e.mu.Lock()
			e.completed++
			e.mu.Unlock()
			continue
		}
		e.push(t)
	}
}

// Len returns the number of live tasks.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Stats holds executor counters.
type Stats struct {
	Live      int
	Passes    uint64
	Completed uint64
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Live: len(e.queue), Passes: e.passes, Completed: e.completed}
}

func (e *Executor) pop() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil, false
	}
	t := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return t, true
}

func (e *Executor) push(t Task) {
	e.mu.Lock()
	e.queue = append(e.queue, t)
	e.mu.Unlock()
}

// Yield is a one-shot yield point: the first Poll reports Pending, the next
// one reports Ready. Reset re-arms it.
type Yield struct {
	yielded bool
}

// Poll implements Task.
func (y *Yield) Poll(cx *Context) Status {
	if y.yielded {
		return Ready
	}
	y.yielded = true
	cx.Waker().Wake()
	return Pending
}

// Reset re-arms the yield point for the next loop iteration.
func (y *Yield) Reset() {
	y.yielded = false
}
