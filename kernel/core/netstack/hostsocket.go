package netstack

import (
	"errors"
	"net"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/net/netutil"

	"github.com/nmxmxh/inos_netcore/kernel/utils"
)

// hostConn is one accepted TCP connection with its staging buffers.
type hostConn struct {
	c      net.Conn
	in     []byte
	out    []byte
	eof    bool
	err    error
	closed bool
}

// HostSocket adapts a host TCP listener to the Socket contract so the
// overlay can be reached from outside the process. One connection is
// served at a time; later ones wait in the accept backlog until the
// current connection is closed. Reader and writer goroutines stage bytes
// so Send and Recv never block.
type HostSocket struct {
	host     string
	capacity int
	logger   *utils.Logger

	mu   sync.Mutex
	cond *sync.Cond
	ln   net.Listener
	cur  *hostConn
}

// NewHostSocket creates a socket that listens on host once Listen is called.
func NewHostSocket(host string, logger *utils.Logger) *HostSocket {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &HostSocket{host: host, capacity: DefaultSocketBuffer, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Addr returns the bound address, or nil before Listen.
func (s *HostSocket) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *HostSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.cur != nil && s.cur.eof && len(s.cur.in) == 0:
		return StateCloseWait
	case s.cur != nil:
		return StateEstablished
	case s.ln != nil:
		return StateListen
	default:
		return StateClosed
	}
}

// Listen binds the host listener. Later calls while bound are no-ops.
func (s *HostSocket) Listen(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(int(port))))
	if err != nil {
		return utils.WrapError(utils.ErrCodeInvalidState, "listen failed", err).WithContext("port", port)
	}
	s.ln = netutil.LimitListener(ln, 1)
	go s.acceptLoop(s.ln)
	return nil
}

func (s *HostSocket) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.ln != ln {
			s.mu.Unlock()
			s.logger.Warn("Dropping connection accepted after shutdown", utils.String("remote", c.RemoteAddr().String()))
			_ = c.Close()
			continue
		}
		hc := &hostConn{c: c}
		s.cur = hc
		s.mu.Unlock()

		s.logger.Debug("Accepted connection", utils.String("remote", c.RemoteAddr().String()))
		go s.readLoop(hc)
		go s.writeLoop(hc)
	}
}

func (s *HostSocket) readLoop(hc *hostConn) {
	buf := make([]byte, DefaultSocketBuffer)
	for {
		n, err := hc.c.Read(buf)

		s.mu.Lock()
		for len(hc.in)+n > s.capacity && !hc.closed {
			s.cond.Wait()
		}
		if hc.closed {
			s.mu.Unlock()
			return
		}
		hc.in = append(hc.in, buf[:n]...)
		if err != nil {
			hc.eof = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *HostSocket) writeLoop(hc *hostConn) {
	s.mu.Lock()
	for {
		for len(hc.out) == 0 && !hc.closed {
			s.cond.Wait()
		}
		if len(hc.out) == 0 {
			s.mu.Unlock()
			_ = hc.c.Close()
			return
		}
		data := hc.out
		hc.out = nil
		s.cond.Broadcast()
		s.mu.Unlock()

		if _, err := hc.c.Write(data); err != nil {
			s.mu.Lock()
			hc.err = err
			s.mu.Unlock()
			_ = hc.c.Close()
			return
		}
		s.mu.Lock()
	}
}

func (s *HostSocket) Send(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hc := s.cur
	if hc == nil || hc.err != nil {
		return 0, utils.ErrClosed("send")
	}
	n := s.capacity - len(hc.out)
	if n > len(b) {
		n = len(b)
	}
	if n <= 0 {
		return 0, nil
	}
	hc.out = append(hc.out, b[:n]...)
	s.cond.Broadcast()
	return n, nil
}

func (s *HostSocket) Recv(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hc := s.cur
	if hc == nil {
		return 0, utils.ErrClosed("recv")
	}
	if len(hc.in) > 0 {
		n := copy(b, hc.in)
		hc.in = hc.in[n:]
		s.cond.Broadcast()
		return n, nil
	}
	if hc.eof {
		return 0, utils.ErrClosed("recv")
	}
	return 0, nil
}

// Close flushes pending output and ends the current connection. The
// listener stays bound, so the socket returns to StateListen.
func (s *HostSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return
	}
	s.cur.closed = true
	s.cur = nil
	s.cond.Broadcast()
}

// Shutdown closes the listener and the current connection.
func (s *HostSocket) Shutdown() error {
	s.mu.Lock()
	ln, hc := s.ln, s.cur
	s.ln, s.cur = nil, nil
	if hc != nil {
		hc.closed = true
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	if hc != nil {
		if cerr := hc.c.Close(); !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
