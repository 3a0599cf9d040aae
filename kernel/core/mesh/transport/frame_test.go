package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_netcore/kernel/core/netstack"
	"github.com/nmxmxh/inos_netcore/kernel/threads/executor"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// exchange steps a writer and a reader alternately until both finish.
func exchange(t *testing.T, w *FrameWriter, r *FrameReader) ([]byte, error) {
	t.Helper()
	var wDone, rDone bool
	for i := 0; i < 1<<20 && !(wDone && rDone); i++ {
		if !wDone {
			st, err := w.Step()
			require.NoError(t, err)
			wDone = st == executor.Ready
		}
		if !rDone {
			st, err := r.Step()
			if err != nil {
				return nil, err
			}
			rDone = st == executor.Ready
		}
	}
	require.True(t, wDone && rDone, "exchange did not converge")
	return r.Payload(), nil
}

func TestFrame_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 3, 4, 5, 1500, 4096, 65537, MaxFrameSize}
	rng := rand.New(rand.NewSource(1))

	for _, size := range sizes {
		size := size
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			a, b := netstack.Pair(netstack.WithMSS(1000))
			payload := make([]byte, size)
			rng.Read(payload)

			w, err := NewFrameWriter(a, payload)
			require.NoError(t, err)
			got, err := exchange(t, w, NewFrameReader(b))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "size %d", size)
			assert.Equal(t, PrefixSize+size, w.Written())
		})
	}
}

func TestFrame_ByteAtATime(t *testing.T) {
	a, b := netstack.Pair(netstack.WithBuffer(1))
	payload := []byte("identity exchange")

	w, err := NewFrameWriter(a, payload)
	require.NoError(t, err)
	got, err := exchange(t, w, NewFrameReader(b))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameReader_RejectsOversizeBeforeAllocating(t *testing.T) {
	a, b := netstack.Pair()
	var header [PrefixSize]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := a.Send(header[:])
	require.NoError(t, err)

	r := NewFrameReader(b)
	st, err := r.Step()
	assert.Equal(t, executor.Ready, st)
	assert.True(t, errors.Is(err, utils.ErrProtocolViolation))
	assert.Nil(t, r.Payload(), "no buffer allocated for a rejected frame")
}

func TestFrameWriter_RejectsOversizePayload(t *testing.T) {
	a, _ := netstack.Pair()
	_, err := NewFrameWriter(a, make([]byte, MaxFrameSize+1))
	assert.True(t, errors.Is(err, utils.ErrProtocolViolation))
}

func TestFrameReader_PendingUntilData(t *testing.T) {
	a, b := netstack.Pair()
	r := NewFrameReader(b)

	st, err := r.Step()
	require.NoError(t, err)
	assert.Equal(t, executor.Pending, st)

	_, err = a.Send([]byte{2, 0})
	require.NoError(t, err)
	st, err = r.Step()
	require.NoError(t, err)
	assert.Equal(t, executor.Pending, st, "half a prefix")

	_, err = a.Send([]byte{0, 0, 'o', 'k'})
	require.NoError(t, err)
	st, err = r.Step()
	require.NoError(t, err)
	assert.Equal(t, executor.Ready, st)
	assert.Equal(t, []byte("ok"), r.Payload())
}

func TestFrame_PeerClosesMidFrame(t *testing.T) {
	a, b := netstack.Pair()
	_, err := a.Send([]byte{10, 0, 0, 0, 'x'})
	require.NoError(t, err)
	a.Close()

	r := NewFrameReader(b)
	st, err := r.Step()
	assert.Equal(t, executor.Ready, st)
	assert.True(t, errors.Is(err, utils.ErrConnectionClosed))

	w, err := NewFrameWriter(a, []byte("late"))
	require.NoError(t, err)
	_, err = w.Step()
	assert.True(t, errors.Is(err, utils.ErrConnectionClosed))
}

func TestBlockingFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))
	assert.Equal(t, []byte{5, 0, 0, 0}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf)
	assert.Error(t, err, "stream exhausted")

	buf.Reset()
	buf.Write([]byte{0x01, 0x00, 0x10, 0x00})
	_, err = ReadFrame(&buf)
	assert.True(t, errors.Is(err, utils.ErrProtocolViolation))
}
