package netstack

import (
	"sync"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// DefaultSocketBuffer matches the P2P socket's receive and send buffers.
const DefaultSocketBuffer = 4096

// pipe is one connection between two MemSockets. Side i reads inbound[i]
// and writes inbound[1-i].
type pipe struct {
	mu       sync.Mutex
	inbound  [2][]byte
	fin      [2]bool
	capacity int
	mss      int
}

// MemSocket is an in-memory stream socket. A listening MemSocket accepts
// exactly one connection from Dial.
type MemSocket struct {
	mu        sync.Mutex
	listening bool
	port      uint16
	conn      *pipe
	side      int

	capacity int
	mss      int
}

// MemOption configures a MemSocket.
type MemOption func(*MemSocket)

// WithBuffer sets the per-direction buffer size.
func WithBuffer(n int) MemOption {
	return func(s *MemSocket) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithMSS caps the bytes moved by a single Send, forcing partial writes.
func WithMSS(n int) MemOption {
	return func(s *MemSocket) { s.mss = n }
}

// NewMemSocket creates a closed socket.
func NewMemSocket(opts ...MemOption) *MemSocket {
	s := &MemSocket{capacity: DefaultSocketBuffer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects a new socket to listener, which must be listening.
func Dial(listener *MemSocket, opts ...MemOption) (*MemSocket, error) {
	client := NewMemSocket(opts...)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if !listener.listening || listener.conn != nil {
		return nil, utils.NewKernelError(utils.ErrCodeConnectionClosed, "connection refused").
			WithContext("port", listener.port)
	}

	p := &pipe{capacity: listener.capacity, mss: client.mss}
	listener.conn, listener.side = p, 0
	listener.listening = false
	client.conn, client.side = p, 1
	return client, nil
}

// Pair returns two connected sockets.
func Pair(opts ...MemOption) (*MemSocket, *MemSocket) {
	server := NewMemSocket(opts...)
	_ = server.Listen(P2PPort)
	client, _ := Dial(server, opts...)
	return server, client
}

func (s *MemSocket) State() State {
	s.mu.Lock()
	p, side, listening := s.conn, s.side, s.listening
	s.mu.Unlock()

	if p == nil {
		if listening {
			return StateListen
		}
		return StateClosed
	}

	// Close detaches the local side, so only the peer's FIN is visible here.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fin[1-side] {
		return StateCloseWait
	}
	return StateEstablished
}

func (s *MemSocket) Listen(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return utils.NewKernelError(utils.ErrCodeInvalidState, "socket is connected")
	}
	s.listening, s.port = true, port
	return nil
}

func (s *MemSocket) Send(b []byte) (int, error) {
	p, side := s.connection()
	if p == nil {
		return 0, utils.ErrClosed("send")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fin[side] {
		return 0, utils.ErrClosed("send")
	}

	peer := 1 - side
	space := p.capacity - len(p.inbound[peer])
	if space == 0 {
		if p.fin[peer] {
			return 0, utils.ErrClosed("send")
		}
		return 0, nil
	}

	n := len(b)
	if n > space {
		n = space
	}
	if p.mss > 0 && n > p.mss {
		n = p.mss
	}
	p.inbound[peer] = append(p.inbound[peer], b[:n]...)
	return n, nil
}

func (s *MemSocket) Recv(b []byte) (int, error) {
	p, side := s.connection()
	if p == nil {
		return 0, utils.ErrClosed("recv")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbound[side]) > 0 {
		n := copy(b, p.inbound[side])
		p.inbound[side] = p.inbound[side][n:]
		return n, nil
	}
	if p.fin[side] || p.fin[1-side] {
		return 0, utils.ErrClosed("recv")
	}
	return 0, nil
}

// Close shuts the local side and detaches the socket from its connection.
func (s *MemSocket) Close() {
	s.mu.Lock()
	p, side := s.conn, s.side
	s.conn = nil
	s.listening = false
	s.mu.Unlock()

	if p == nil {
		return
	}
	p.mu.Lock()
	p.fin[side] = true
	p.inbound[side] = nil
	p.mu.Unlock()
}

func (s *MemSocket) connection() (*pipe, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.side
}
