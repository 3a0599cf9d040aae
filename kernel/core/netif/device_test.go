package netif

import (
	"errors"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_netcore/kernel/threads/arena"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

func newTestDevice(t *testing.T, q Queue, arenaPages int) (*Device, *arena.BufferPool) {
	t.Helper()
	a, err := arena.NewFrameArena(arenaPages, arena.DefaultPhysBase)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	pool := arena.NewBufferPool(a, 1)
	dev, err := NewDevice(q, pool, utils.NewTestLogger(t))
	require.NoError(t, err)
	return dev, pool
}

func requireConserved(t *testing.T, dev *Device) {
	t.Helper()
	s := dev.Stats()
	require.Equal(t, s.Allocated, s.Pooled+s.InFlightRx+s.InFlightTx,
		"pool=%d rx=%d tx=%d allocated=%d", s.Pooled, s.InFlightRx, s.InFlightTx, s.Allocated)
}

func ethernetFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{
		SrcMAC:       []byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		DstMAC:       []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)))
	return buf.Bytes()
}

// stalledQueue never reports transmit completions.
type stalledQueue struct {
	*LoopbackQueue
}

func (s *stalledQueue) PollTransmit() (uint16, bool) { return 0, false }

// faultyQueue reports tokens beyond its capacity on demand.
type faultyQueue struct {
	*LoopbackQueue
	badRx bool
	badTx bool
}

func (f *faultyQueue) PollReceive() (uint16, bool) {
	if f.badRx {
		f.badRx = false
		return 999, true
	}
	return f.LoopbackQueue.PollReceive()
}

func (f *faultyQueue) TransmitBegin(buf []byte) (uint16, error) {
	if f.badTx {
		f.badTx = false
		return 999, nil
	}
	return f.LoopbackQueue.TransmitBegin(buf)
}

func TestNewDevice_FillsReceiveQueue(t *testing.T) {
	dev, _ := newTestDevice(t, NewLoopbackQueue(8), 64)

	s := dev.Stats()
	assert.Equal(t, 8, s.InFlightRx)
	assert.Equal(t, 0, s.InFlightTx)
	requireConserved(t, dev)
}

func TestNewDevice_StopsWhenArenaExhausted(t *testing.T) {
	dev, _ := newTestDevice(t, NewLoopbackQueue(8), 3)

	s := dev.Stats()
	assert.Equal(t, 3, s.InFlightRx)
	assert.Equal(t, 3, s.Allocated)
	requireConserved(t, dev)
}

func TestNewDevice_RejectsMissingCollaborators(t *testing.T) {
	_, err := NewDevice(nil, nil, nil)
	assert.True(t, errors.Is(err, utils.ErrInvalidState))
}

func TestDevice_Capabilities(t *testing.T) {
	dev, _ := newTestDevice(t, NewLoopbackQueue(4), 16)
	caps := dev.Capabilities()
	assert.Equal(t, 1500, caps.MTU)
	assert.Equal(t, 1, caps.MaxBurstSize)
	assert.Equal(t, "ethernet", caps.Medium)
	assert.Equal(t, ChecksumNone, caps.Checksum.TCP)
	assert.Equal(t, ChecksumNone, caps.Checksum.UDP)
}

func TestDevice_ReceiveSkipsHeader(t *testing.T) {
	q := NewLoopbackQueue(8)
	dev, _ := newTestDevice(t, q, 64)

	frame := ethernetFrame(t, []byte("hello"))
	require.True(t, q.Inject(frame))

	var got []byte
	delivered := dev.Receive(func(f []byte) {
		got = append([]byte(nil), f...)
	})
	require.True(t, delivered)
	assert.Equal(t, frame, got)
	assert.Equal(t, uint64(1), dev.Stats().RxFrames)
	requireConserved(t, dev)

	assert.False(t, dev.Receive(nil), "nothing left to receive")
	assert.Equal(t, 8, dev.Stats().InFlightRx, "the next poll refills the slot")
	requireConserved(t, dev)
}

func TestDevice_ReceiveReleasesOnPanic(t *testing.T) {
	q := NewLoopbackQueue(4)
	dev, _ := newTestDevice(t, q, 32)
	require.True(t, q.Inject(ethernetFrame(t, []byte{1, 2, 3})))

	before := dev.Stats().Pooled
	assert.Panics(t, func() {
		dev.Receive(func([]byte) { panic("consumer failed") })
	})
	assert.Greater(t, dev.Stats().Pooled, before)
	requireConserved(t, dev)
}

func TestDevice_TransmitLoopback(t *testing.T) {
	q := NewLoopbackQueue(8)
	q.Loopback = true
	dev, _ := newTestDevice(t, q, 64)

	frame := ethernetFrame(t, []byte("ping"))
	err := dev.Transmit(len(frame), func(f []byte) error {
		copy(f, frame)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, q.Sent(), 1)
	assert.Equal(t, frame, q.Sent()[0])
	assert.Equal(t, 1, dev.Stats().InFlightTx)
	requireConserved(t, dev)

	var got []byte
	require.True(t, dev.Receive(func(f []byte) { got = append([]byte(nil), f...) }))
	assert.Equal(t, frame, got)
	assert.Equal(t, 0, dev.Stats().InFlightTx, "receive poll reaps transmit completions")
	requireConserved(t, dev)
}

func TestDevice_TransmitRejectsOversizeFrame(t *testing.T) {
	dev, pool := newTestDevice(t, NewLoopbackQueue(4), 16)
	allocated := pool.Allocated()

	err := dev.Transmit(pool.BufferSize(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrProtocolViolation))
	assert.Equal(t, allocated, pool.Allocated())
	requireConserved(t, dev)
}

func TestDevice_TransmitFillErrorReturnsBuffer(t *testing.T) {
	dev, _ := newTestDevice(t, NewLoopbackQueue(4), 16)
	boom := errors.New("fill failed")

	err := dev.Transmit(64, func([]byte) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, dev.Stats().InFlightTx)
	requireConserved(t, dev)
}

func TestDevice_TransmitZeroesHeader(t *testing.T) {
	q := &stalledQueue{NewLoopbackQueue(2)}
	dev, pool := newTestDevice(t, q, 16)

	// Dirty a pooled buffer so reuse would leak stale header bytes.
	buf, err := pool.Get()
	require.NoError(t, err)
	for i := range buf.Bytes()[:HeaderLen] {
		buf.Bytes()[i] = 0xEE
	}
	pool.Put(buf)

	require.NoError(t, dev.Transmit(14, func(f []byte) error { return nil }))
	assert.Equal(t, make([]byte, HeaderLen), buf.Bytes()[:HeaderLen])
}

func TestDevice_TransmitAdmission(t *testing.T) {
	q := &stalledQueue{NewLoopbackQueue(4)}
	dev, _ := newTestDevice(t, q, 32)

	for i := 0; i < 4; i++ {
		require.NoError(t, dev.Transmit(60, nil))
	}
	err := dev.Transmit(60, nil)
	assert.True(t, errors.Is(err, utils.ErrQueueFull))
	assert.Equal(t, 4, dev.Stats().InFlightTx)
	requireConserved(t, dev)
}

func TestDevice_OutOfRangeReceiveToken(t *testing.T) {
	q := &faultyQueue{LoopbackQueue: NewLoopbackQueue(8), badRx: true}
	dev, _ := newTestDevice(t, q, 64)

	assert.False(t, dev.Receive(func([]byte) { t.Fatal("must not deliver") }))
	s := dev.Stats()
	assert.Equal(t, uint64(1), s.Violations)
	assert.Equal(t, 8, s.InFlightRx)
	requireConserved(t, dev)
}

func TestDevice_OutOfRangeTransmitToken(t *testing.T) {
	q := &faultyQueue{LoopbackQueue: NewLoopbackQueue(8), badTx: true}
	dev, _ := newTestDevice(t, q, 64)

	err := dev.Transmit(60, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrProtocolViolation))

	s := dev.Stats()
	assert.Equal(t, uint64(1), s.Violations)
	assert.Equal(t, 0, s.InFlightTx)
	requireConserved(t, dev)
}

func TestDevice_ConservationUnderMixedTraffic(t *testing.T) {
	q := NewLoopbackQueue(16)
	q.Loopback = true
	dev, _ := newTestDevice(t, q, 256)

	frame := ethernetFrame(t, make([]byte, 46))
	for i := 0; i < 300; i++ {
		switch i % 5 {
		case 0, 1:
			err := dev.Transmit(len(frame), func(f []byte) error {
				copy(f, frame)
				return nil
			})
			if err != nil {
				require.True(t, errors.Is(err, utils.ErrQueueFull), "unexpected: %v", err)
			}
		case 2:
			q.Inject(frame)
		default:
			dev.Receive(func([]byte) {})
		}
		requireConserved(t, dev)
	}
	assert.Zero(t, dev.Stats().Violations)
}

func TestLoopbackQueue_ReceiveCompleteWithoutCompletion(t *testing.T) {
	q := NewLoopbackQueue(2)
	token, err := q.ReceiveBegin(make([]byte, 64))
	require.NoError(t, err)

	_, err = q.ReceiveComplete(token, nil)
	assert.True(t, errors.Is(err, utils.ErrQueueEmpty))

	_, err = q.ReceiveBegin(make([]byte, 64))
	require.NoError(t, err)
	_, err = q.ReceiveBegin(make([]byte, 64))
	assert.True(t, errors.Is(err, utils.ErrQueueFull))

	assert.False(t, q.Inject(make([]byte, 1000)), "frame larger than the posted buffer")
	assert.Equal(t, 1, q.Dropped())
}

func TestLoopbackQueue_DetachReleasesBuffers(t *testing.T) {
	q := NewLoopbackQueue(4)
	_, err := q.ReceiveBegin(make([]byte, 64))
	require.NoError(t, err)
	require.True(t, q.Inject([]byte{1, 2, 3}))

	q.Detach()
	assert.False(t, q.Inject([]byte{1, 2, 3}))
	_, ok := q.PollReceive()
	assert.False(t, ok, "completions dropped")

	_, err = q.ReceiveBegin(make([]byte, 64))
	assert.True(t, errors.Is(err, utils.ErrConnectionClosed))
	_, err = q.TransmitBegin(make([]byte, 64))
	assert.True(t, errors.Is(err, utils.ErrConnectionClosed))
}
