// Package transport puts message boundaries on raw byte streams: every
// frame is a 4-byte little-endian length followed by that many bytes.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/nmxmxh/inos_netcore/kernel/threads/executor"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

const (
	// PrefixSize is the length prefix width.
	PrefixSize = 4

	// MaxFrameSize caps the payload a peer can make us allocate.
	MaxFrameSize = 1 << 20
)

// Stream is a non-blocking byte stream. Send and Recv return (0, nil) when
// they would block and an error once the stream is closed.
type Stream interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
}

// FrameWriter sends one frame across as many steps as the stream needs.
type FrameWriter struct {
	stream  Stream
	header  [PrefixSize]byte
	payload []byte
	off     int
}

// NewFrameWriter prepares payload for sending. Payloads over MaxFrameSize
// are refused, since no conforming reader would accept them.
func NewFrameWriter(s Stream, payload []byte) (*FrameWriter, error) {
	if len(payload) > MaxFrameSize {
		return nil, utils.ErrFrameTooLarge(len(payload), MaxFrameSize)
	}
	w := &FrameWriter{stream: s, payload: payload}
	binary.LittleEndian.PutUint32(w.header[:], uint32(len(payload)))
	return w, nil
}

// Step writes as much as the stream accepts. It returns Ready with a nil
// error once the whole frame is out, Ready with an error if the stream
// closed first, and Pending when the stream is full.
func (w *FrameWriter) Step() (executor.Status, error) {
	total := PrefixSize + len(w.payload)
	for w.off < total {
		var chunk []byte
		if w.off < PrefixSize {
			chunk = w.header[w.off:]
		} else {
			chunk = w.payload[w.off-PrefixSize:]
		}

		n, err := w.stream.Send(chunk)
		if err != nil {
			return executor.Ready, err
		}
		if n == 0 {
			return executor.Pending, nil
		}
		w.off += n
	}
	return executor.Ready, nil
}

// Written returns the bytes sent so far, prefix included.
func (w *FrameWriter) Written() int { return w.off }

// FrameReader assembles one frame across as many steps as the stream needs.
type FrameReader struct {
	stream  Stream
	header  [PrefixSize]byte
	hdrRead int

	payload []byte
	read    int
	sized   bool
}

// NewFrameReader starts reading a frame from s.
func NewFrameReader(s Stream) *FrameReader {
	return &FrameReader{stream: s}
}

// Step reads what is available. The declared length is checked against
// MaxFrameSize before the payload buffer is allocated.
func (r *FrameReader) Step() (executor.Status, error) {
	for !r.sized {
		n, err := r.stream.Recv(r.header[r.hdrRead:])
		if err != nil {
			return executor.Ready, err
		}
		if n == 0 {
			return executor.Pending, nil
		}
		r.hdrRead += n
		if r.hdrRead < PrefixSize {
			continue
		}

		length := binary.LittleEndian.Uint32(r.header[:])
		if length > MaxFrameSize {
			return executor.Ready, utils.ErrFrameTooLarge(int(length), MaxFrameSize)
		}
		r.payload = make([]byte, length)
		r.sized = true
	}

	for r.read < len(r.payload) {
		n, err := r.stream.Recv(r.payload[r.read:])
		if err != nil {
			return executor.Ready, err
		}
		if n == 0 {
			return executor.Pending, nil
		}
		r.read += n
	}
	return executor.Ready, nil
}

// Payload returns the assembled frame once Step has returned Ready with
// a nil error.
func (r *FrameReader) Payload() []byte { return r.payload }

// WriteFrame writes one frame to a blocking writer.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return utils.ErrFrameTooLarge(len(payload), MaxFrameSize)
	}
	var header [PrefixSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from a blocking reader.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [PrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, utils.ErrFrameTooLarge(int(length), MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
