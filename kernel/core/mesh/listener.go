package mesh

import (
	"sync/atomic"

	"github.com/nmxmxh/inos_netcore/kernel/core/netstack"
	"github.com/nmxmxh/inos_netcore/kernel/threads/executor"
	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

type listenerPhase uint8

const (
	phaseInspect listenerPhase = iota
	phaseHandshake
	phaseYield
)

// ListenerStats counts listener outcomes.
type ListenerStats struct {
	Iterations uint64
	Handshakes uint64
	Failures   uint64
	Relistens  uint64
}

// Listener is the persistent overlay task. Each iteration inspects the
// well-known socket: an active connection gets a handshake and is then
// closed, a closed socket is re-armed. Every iteration ends with exactly
// one yield. The task never completes.
type Listener struct {
	node    *Node
	sockets *netstack.SocketSet
	handle  netstack.Handle
	port    uint16
	logger  *utils.Logger

	phase listenerPhase
	sock  netstack.Socket
	hs    *Handshake
	yield executor.Yield

	iterations atomic.Uint64
	handshakes atomic.Uint64
	failures   atomic.Uint64
	relistens  atomic.Uint64
}

// Poll implements executor.Task.
func (l *Listener) Poll(cx *executor.Context) executor.Status {
	for {
		switch l.phase {
		case phaseInspect:
			l.iterations.Add(1)
			l.inspect()

		case phaseHandshake:
			st, err := l.hs.Step()
			if st == executor.Pending {
				return executor.Pending
			}
			if err != nil {
				l.failures.Add(1)
				l.logger.Warn("Handshake failed or connection closed", utils.Err(err))
			} else {
				l.handshakes.Add(1)
				remote := l.hs.Remote()
				l.logger.Info("Handshake verified",
					utils.String("remote_peer_id", remote.PeerID),
					utils.String("remote_node_id", remote.NodeID.String()),
					utils.Bool("added", l.hs.Accepted()),
					utils.Int("table_size", l.node.Table.Len()),
				)
			}
			l.sock.Close()
			l.sock, l.hs = nil, nil
			l.phase = phaseYield

		case phaseYield:
			if l.yield.Poll(cx) == executor.Pending {
				return executor.Pending
			}
			l.yield.Reset()
			l.phase = phaseInspect
		}
	}
}

func (l *Listener) inspect() {
	l.phase = phaseYield

	sock, err := l.sockets.Get(l.handle)
	if err != nil {
		l.logger.Error("P2P socket missing", utils.Err(err))
		return
	}

	switch state := sock.State(); state {
	case netstack.StateEstablished, netstack.StateCloseWait:
		l.logger.Info("New connection detected, exchanging identities", utils.String("state", state.String()))
		l.sock = sock
		l.hs = NewHandshake(sock, l.node.Identity.PeerInfo(), l.node)
		l.phase = phaseHandshake
	case netstack.StateClosed:
		if err := sock.Listen(l.port); err != nil {
			l.logger.Warn("Re-listen failed", utils.Uint16("port", l.port), utils.Err(err))
			return
		}
		l.relistens.Add(1)
		l.logger.Debug("Socket closed, re-listening", utils.Uint16("port", l.port))
	}
}

// Stats returns the listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Iterations: l.iterations.Load(),
		Handshakes: l.handshakes.Load(),
		Failures:   l.failures.Load(),
		Relistens:  l.relistens.Load(),
	}
}
