package netif

import (
	"sync"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// sentHistory bounds how many transmitted frames Sent remembers.
const sentHistory = 1024

type rxCompletion struct {
	token  uint16
	length int
}

// LoopbackQueue emulates a device queue pair in memory. Transmitted frames
// are recorded and, when Loopback is set, delivered into the next posted
// receive buffer. Inject simulates a frame arriving from the wire.
type LoopbackQueue struct {
	// Loopback delivers every transmitted frame to the receive side.
	Loopback bool

	mu       sync.Mutex
	capacity int

	rxFree   []uint16
	rxPosted []uint16
	rxBufs   [][]byte
	rxUsed   []rxCompletion
	rxLen    []int

	txFree []uint16
	txBufs [][]byte
	txUsed []uint16

	sent      [][]byte
	dropped   int
	interrupt bool
	detached  bool
}

// NewLoopbackQueue creates a queue pair with `capacity` descriptors each way.
func NewLoopbackQueue(capacity int) *LoopbackQueue {
	q := &LoopbackQueue{
		capacity: capacity,
		rxFree:   make([]uint16, 0, capacity),
		rxBufs:   make([][]byte, capacity),
		rxLen:    make([]int, capacity),
		txFree:   make([]uint16, 0, capacity),
		txBufs:   make([][]byte, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		q.rxFree = append(q.rxFree, uint16(i))
		q.txFree = append(q.txFree, uint16(i))
		q.rxLen[i] = -1
	}
	return q
}

func (q *LoopbackQueue) Capacity() int { return q.capacity }

// AckInterrupt clears and reports the pending interrupt flag.
func (q *LoopbackQueue) AckInterrupt() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.interrupt
	q.interrupt = false
	return pending
}

func (q *LoopbackQueue) ReceiveBegin(buf []byte) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.detached {
		return 0, utils.ErrClosed("receive")
	}
	token, ok := pop(&q.rxFree)
	if !ok {
		return 0, utils.ErrQueueFull
	}
	q.rxBufs[token] = buf
	q.rxPosted = append(q.rxPosted, token)
	return token, nil
}

func (q *LoopbackQueue) PollReceive() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.rxUsed) == 0 {
		return 0, false
	}
	c := q.rxUsed[0]
	q.rxUsed = q.rxUsed[1:]
	q.rxLen[c.token] = c.length
	return c.token, true
}

func (q *LoopbackQueue) ReceiveComplete(token uint16, buf []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if int(token) >= q.capacity {
		return 0, utils.ErrTokenOutOfRange(int(token), q.capacity)
	}
	n := q.rxLen[token]
	if n < 0 {
		return 0, utils.ErrQueueEmpty
	}
	q.rxLen[token] = -1
	q.rxBufs[token] = nil
	q.rxFree = append(q.rxFree, token)
	return n, nil
}

func (q *LoopbackQueue) TransmitBegin(buf []byte) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.detached {
		return 0, utils.ErrClosed("transmit")
	}
	token, ok := pop(&q.txFree)
	if !ok {
		return 0, utils.ErrQueueFull
	}
	q.txBufs[token] = buf

	frame := make([]byte, 0, len(buf))
	if len(buf) > HeaderLen {
		frame = append(frame, buf[HeaderLen:]...)
	}
	if len(q.sent) == sentHistory {
		q.sent = append(q.sent[:0], q.sent[1:]...)
	}
	q.sent = append(q.sent, frame)
	if q.Loopback {
		q.deliverLocked(frame)
	}

	// The emulated wire is instantaneous.
	q.txUsed = append(q.txUsed, token)
	q.interrupt = true
	return token, nil
}

func (q *LoopbackQueue) PollTransmit() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.txUsed) == 0 {
		return 0, false
	}
	token := q.txUsed[0]
	q.txUsed = q.txUsed[1:]
	return token, true
}

func (q *LoopbackQueue) TransmitComplete(token uint16, buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int(token) >= q.capacity {
		return utils.ErrTokenOutOfRange(int(token), q.capacity)
	}
	if q.txBufs[token] == nil {
		return utils.ErrQueueEmpty
	}
	q.txBufs[token] = nil
	q.txFree = append(q.txFree, token)
	return nil
}

// Inject places frame into the oldest posted receive buffer. It reports
// false and counts a drop when no buffer is posted or the frame does not fit.
func (q *LoopbackQueue) Inject(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deliverLocked(frame)
}

// Detach drops every reference to posted buffers so their backing memory
// can be released. Later posts fail and injected frames are dropped.
func (q *LoopbackQueue) Detach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.detached = true
	q.rxPosted = nil
	q.rxUsed = nil
	q.txUsed = nil
	clear(q.rxBufs)
	clear(q.txBufs)
}

func (q *LoopbackQueue) deliverLocked(frame []byte) bool {
	if q.detached || len(q.rxPosted) == 0 {
		q.dropped++
		return false
	}
	token := q.rxPosted[0]
	buf := q.rxBufs[token]
	if HeaderLen+len(frame) > len(buf) {
		q.dropped++
		return false
	}
	q.rxPosted = q.rxPosted[1:]

	clear(buf[:HeaderLen])
	copy(buf[HeaderLen:], frame)
	q.rxUsed = append(q.rxUsed, rxCompletion{token: token, length: len(frame)})
	q.interrupt = true
	return true
}

// Sent returns the most recent transmitted frames, header stripped.
func (q *LoopbackQueue) Sent() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.sent))
	copy(out, q.sent)
	return out
}

// Dropped counts frames that found no receive buffer.
func (q *LoopbackQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Posted counts receive buffers waiting for a frame.
func (q *LoopbackQueue) Posted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rxPosted)
}

func pop(stack *[]uint16) (uint16, bool) {
	s := *stack
	if len(s) == 0 {
		return 0, false
	}
	v := s[len(s)-1]
	*stack = s[:len(s)-1]
	return v, true
}
