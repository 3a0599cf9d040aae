// Package netstack is the socket layer that sits on the device pipeline: it
// exposes connection state and non-blocking byte-stream operations to the
// overlay, and drives the device once per kernel tick.
package netstack

import (
	"sync"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// P2PPort is the well-known overlay listening port.
const P2PPort uint16 = 40444

// State is a TCP connection state as seen by the socket owner.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateEstablished
	// StateCloseWait means the peer closed its side; buffered data may remain.
	StateCloseWait
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "Listen"
	case StateEstablished:
		return "Established"
	case StateCloseWait:
		return "CloseWait"
	default:
		return "Closed"
	}
}

// Socket is a non-blocking stream socket. Send and Recv return (0, nil)
// when they would block and an error once the stream can make no further
// progress in that direction.
type Socket interface {
	State() State
	Listen(port uint16) error
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	Close()
}

// Handle names a socket inside a SocketSet.
type Handle int

// SocketSet owns the sockets of one stack.
type SocketSet struct {
	mu      sync.Mutex
	sockets []Socket
}

// NewSocketSet creates an empty set.
func NewSocketSet() *SocketSet {
	return &SocketSet{}
}

// Add registers s and returns its handle.
func (ss *SocketSet) Add(s Socket) Handle {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sockets = append(ss.sockets, s)
	return Handle(len(ss.sockets) - 1)
}

// Get returns the socket behind h.
func (ss *SocketSet) Get(h Handle) (Socket, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if h < 0 || int(h) >= len(ss.sockets) {
		return nil, utils.NewKernelError(utils.ErrCodeInvalidState, "unknown socket handle").
			WithContext("handle", int(h))
	}
	return ss.sockets[h], nil
}

// Len returns the number of registered sockets.
func (ss *SocketSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sockets)
}
