package netif

import (
	"errors"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/nmxmxh/inos_netcore/kernel/threads/arena"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// SlotState tags who owns the buffer parked in a descriptor slot.
type SlotState uint8

const (
	SlotFree SlotState = iota
	SlotInFlightRx
	SlotInFlightTx
)

func (s SlotState) String() string {
	switch s {
	case SlotInFlightRx:
		return "in-flight-rx"
	case SlotInFlightTx:
		return "in-flight-tx"
	default:
		return "free"
	}
}

type slot struct {
	state SlotState
	buf   *arena.DmaBuffer
}

// Device drives a hardware Queue with buffers from a shared pool.
// Receive and transmit slots are indexed directly by hardware token.
type Device struct {
	queue    Queue
	pool     *arena.BufferPool
	logger   *utils.Logger
	capacity int

	mu sync.Mutex
	rx []slot
	tx []slot

	inFlightRx int
	inFlightTx int
	rxFrames   uint64
	txFrames   uint64
	violations uint64
}

// NewDevice wraps q and fills its receive queue.
func NewDevice(q Queue, pool *arena.BufferPool, logger *utils.Logger) (*Device, error) {
	if q == nil || pool == nil {
		return nil, utils.NewKernelError(utils.ErrCodeInvalidState, "device needs a queue and a buffer pool")
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	capacity := q.Capacity()
	if capacity <= 0 || capacity > 1<<16 {
		return nil, utils.NewKernelError(utils.ErrCodeInvalidConfig, "queue capacity out of range").
			WithContext("capacity", capacity)
	}

	d := &Device{
		queue:    q,
		pool:     pool,
		logger:   logger,
		capacity: capacity,
		rx:       make([]slot, capacity),
		tx:       make([]slot, capacity),
	}

	for i := 0; i < capacity; i++ {
		if !d.submitRx() {
			break
		}
	}
	d.logger.Info("Device ready",
		utils.Int("queue_size", capacity),
		utils.Int("rx_posted", d.Stats().InFlightRx),
	)
	return d, nil
}

// Capabilities reports what the device offers the protocol stack.
func (d *Device) Capabilities() Capabilities {
	return DefaultCapabilities()
}

// Receive runs one receive poll: reap transmit completions, refill the
// receive queue, then hand at most one received frame to consume. The
// frame's buffer returns to the pool when consume returns or panics.
// It reports whether a frame was delivered.
func (d *Device) Receive(consume func(frame []byte)) bool {
	d.queue.AckInterrupt()
	d.ReapTransmit()
	d.Replenish()

	token, ok := d.queue.PollReceive()
	if !ok {
		return false
	}
	if !d.inRange(token) {
		d.violation("rx completion", token)
		return false
	}

	buf := d.take(d.rx, token, SlotInFlightRx)
	if buf == nil {
		d.logger.Error("RX token has no buffer", utils.Uint16("token", token))
		return false
	}

	n, err := d.queue.ReceiveComplete(token, buf.Bytes())
	if err != nil {
		d.logger.Error("RX complete failed", utils.Uint16("token", token), utils.Err(err))
		d.pool.Put(buf)
		return false
	}
	if n < 0 || HeaderLen+n > buf.Len() {
		d.violation("rx length", token)
		d.pool.Put(buf)
		return false
	}

	d.mu.Lock()
	d.rxFrames++
	d.mu.Unlock()

	rx := &rxToken{buf: buf, length: HeaderLen + n, pool: d.pool}
	rx.consume(func(frame []byte) {
		d.logger.Debug("RX frame", utils.Int("bytes", n), utils.String("eth_type", etherType(frame)))
		if consume != nil {
			consume(frame)
		}
	})
	return true
}

// Transmit obtains a buffer, zeroes its header, lets fill write `length`
// frame bytes in place, and posts it. The buffer stays parked under its
// token until the completion is reaped.
func (d *Device) Transmit(length int, fill func(frame []byte) error) error {
	d.ReapTransmit()

	d.mu.Lock()
	full := d.inFlightTx >= d.capacity
	d.mu.Unlock()
	if full {
		return utils.ErrQueueFull
	}

	limit := d.pool.BufferSize() - HeaderLen
	if length < 0 || length > limit {
		return utils.ErrFrameTooLarge(length, limit)
	}

	buf, err := d.pool.Get()
	if err != nil {
		return err
	}
	mem := buf.Bytes()
	clear(mem[:HeaderLen])

	if fill != nil {
		if err := fill(mem[HeaderLen : HeaderLen+length]); err != nil {
			d.pool.Put(buf)
			return err
		}
	}
	d.logger.Debug("TX frame", utils.Int("bytes", length), utils.String("eth_type", etherType(mem[HeaderLen:HeaderLen+length])))

	token, err := d.queue.TransmitBegin(mem[:HeaderLen+length])
	if err != nil {
		if !errors.Is(err, utils.ErrQueueFull) {
			d.logger.Error("Transmit failed", utils.Err(err))
		}
		d.pool.Put(buf)
		return err
	}
	if !d.inRange(token) {
		d.violation("tx begin", token)
		d.pool.Put(buf)
		return utils.ErrTokenOutOfRange(int(token), d.capacity)
	}

	d.mu.Lock()
	s := &d.tx[token]
	old := s.buf
	if s.state == SlotInFlightTx {
		d.inFlightTx--
	}
	s.state, s.buf = SlotInFlightTx, buf
	d.inFlightTx++
	d.txFrames++
	d.mu.Unlock()

	if old != nil {
		d.logger.Warn("Overwriting active TX buffer", utils.Uint16("token", token))
		d.pool.Put(old)
	}
	return nil
}

// ReapTransmit returns buffers of completed transmissions to the pool.
func (d *Device) ReapTransmit() {
	for {
		token, ok := d.queue.PollTransmit()
		if !ok {
			return
		}
		if !d.inRange(token) {
			d.violation("tx completion", token)
			continue
		}
		buf := d.take(d.tx, token, SlotInFlightTx)
		if buf == nil {
			continue
		}
		if err := d.queue.TransmitComplete(token, buf.Bytes()); err != nil {
			d.logger.Debug("TX complete reported error", utils.Uint16("token", token), utils.Err(err))
		}
		d.pool.Put(buf)
	}
}

// Replenish posts buffers until the receive queue reports it is full.
func (d *Device) Replenish() {
	for d.submitRx() {
	}
}

// submitRx obtains one buffer and posts it. It reports whether the caller
// should keep going.
func (d *Device) submitRx() bool {
	buf, err := d.pool.Get()
	if err != nil {
		d.logger.Warn("RX buffer unavailable", utils.Err(err))
		return false
	}

	token, err := d.queue.ReceiveBegin(buf.Bytes())
	if err != nil {
		d.pool.Put(buf)
		if !errors.Is(err, utils.ErrQueueFull) {
			d.logger.Error("receive_begin failed", utils.Err(err))
		}
		return false
	}
	if !d.inRange(token) {
		d.violation("rx begin", token)
		d.pool.Put(buf)
		return false
	}

	d.mu.Lock()
	s := &d.rx[token]
	old := s.buf
	if s.state != SlotInFlightRx {
		d.inFlightRx++
	}
	s.state, s.buf = SlotInFlightRx, buf
	d.mu.Unlock()

	if old != nil {
		d.logger.Warn("Overwriting active RX buffer", utils.Uint16("token", token))
		d.pool.Put(old)
	}
	return true
}

// take moves the buffer out of a slot, leaving it free.
func (d *Device) take(table []slot, token uint16, want SlotState) *arena.DmaBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &table[token]
	if s.state != want || s.buf == nil {
		return nil
	}
	buf := s.buf
	s.state, s.buf = SlotFree, nil
	if want == SlotInFlightRx {
		d.inFlightRx--
	} else {
		d.inFlightTx--
	}
	return buf
}

func (d *Device) inRange(token uint16) bool {
	return int(token) < d.capacity
}

func (d *Device) violation(stage string, token uint16) {
	d.mu.Lock()
	d.violations++
	d.mu.Unlock()
	d.logger.Error("Driver returned token outside queue",
		utils.String("stage", stage),
		utils.Uint16("token", token),
		utils.Int("capacity", d.capacity),
	)
}

// Stats is a snapshot of buffer ownership. Pooled+InFlightRx+InFlightTx
// equals Allocated except after out-of-range discards.
type Stats struct {
	Pooled     int
	InFlightRx int
	InFlightTx int
	Allocated  int
	RxFrames   uint64
	TxFrames   uint64
	Violations uint64
}

// Stats returns the current buffer accounting.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		InFlightRx: d.inFlightRx,
		InFlightTx: d.inFlightTx,
		RxFrames:   d.rxFrames,
		TxFrames:   d.txFrames,
		Violations: d.violations,
	}
	d.mu.Unlock()
	s.Pooled = d.pool.Len()
	s.Allocated = d.pool.Allocated()
	return s
}

// rxToken is a received frame whose buffer goes back to the pool once used.
type rxToken struct {
	buf    *arena.DmaBuffer
	length int
	pool   *arena.BufferPool
}

func (t *rxToken) consume(fn func(frame []byte)) {
	defer t.release()
	fn(t.buf.Bytes()[HeaderLen:t.length])
}

func (t *rxToken) release() {
	if t.buf != nil {
		t.pool.Put(t.buf)
		t.buf = nil
	}
}

func etherType(frame []byte) string {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return "short"
	}
	return eth.EthernetType.String()
}
