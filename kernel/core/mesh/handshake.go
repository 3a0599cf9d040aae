package mesh

import (
	"io"

	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/routing"
	"github.com/nmxmxh/inos_netcore/kernel/core/mesh/transport"
	"github.com/nmxmxh/inos_netcore/kernel/threads/executor"
)

// PeerSink receives peers learned from handshakes. *routing.Table and
// *Node implement it.
type PeerSink interface {
	AddPeer(peer routing.PeerInfo) bool
}

type handshakePhase uint8

const (
	phaseSend handshakePhase = iota
	phaseRecv
	phaseDone
)

// Handshake exchanges identities over a stream: send ours framed, receive
// theirs framed, then hand them to the sink. Both ends run the same
// procedure. Identities are taken as claimed; nothing is signed.
type Handshake struct {
	sink   PeerSink
	stream transport.Stream
	local  routing.PeerInfo

	phase  handshakePhase
	writer *transport.FrameWriter
	reader *transport.FrameReader

	remote   routing.PeerInfo
	accepted bool
	err      error
}

// NewHandshake prepares a handshake announcing local over stream.
func NewHandshake(stream transport.Stream, local routing.PeerInfo, sink PeerSink) *Handshake {
	h := &Handshake{sink: sink, stream: stream, local: local}
	h.writer, h.err = transport.NewFrameWriter(stream, EncodeIdentity(local))
	if h.err != nil {
		h.phase = phaseDone
	}
	return h
}

// Step advances the exchange as far as the stream allows. It returns Ready
// once finished; the error is nil only if the peer was parsed.
func (h *Handshake) Step() (executor.Status, error) {
	for {
		switch h.phase {
		case phaseSend:
			st, err := h.writer.Step()
			if err != nil {
				return h.fail(err)
			}
			if st == executor.Pending {
				return executor.Pending, nil
			}
			h.reader = transport.NewFrameReader(h.stream)
			h.phase = phaseRecv

		case phaseRecv:
			st, err := h.reader.Step()
			if err != nil {
				return h.fail(err)
			}
			if st == executor.Pending {
				return executor.Pending, nil
			}
			info, err := DecodeIdentity(h.reader.Payload())
			if err != nil {
				return h.fail(err)
			}
			h.remote = info
			h.accepted = h.sink.AddPeer(info)
			h.phase = phaseDone
			return executor.Ready, nil

		default:
			return executor.Ready, h.err
		}
	}
}

func (h *Handshake) fail(err error) (executor.Status, error) {
	h.err = err
	h.phase = phaseDone
	return executor.Ready, err
}

// Remote returns the peer parsed from the exchange.
func (h *Handshake) Remote() routing.PeerInfo { return h.remote }

// Accepted reports whether the sink kept the remote peer.
func (h *Handshake) Accepted() bool { return h.accepted }

// Exchange runs the same handshake over a blocking stream, for callers
// outside the executor. A nil sink only returns the remote peer.
func Exchange(rw io.ReadWriter, local routing.PeerInfo, sink PeerSink) (routing.PeerInfo, error) {
	if err := transport.WriteFrame(rw, EncodeIdentity(local)); err != nil {
		return routing.PeerInfo{}, err
	}
	payload, err := transport.ReadFrame(rw)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	info, err := DecodeIdentity(payload)
	if err != nil {
		return routing.PeerInfo{}, err
	}
	if sink != nil {
		sink.AddPeer(info)
	}
	return info, nil
}
