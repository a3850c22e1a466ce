package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/mateo/testfarm/internal/protocol"
)

// DefaultSendBuffer is the number of outbound frames queued per connection.
const DefaultSendBuffer = 64

// Handler receives connection events. Calls for one connection arrive in
// order from that connection's reader goroutine.
type Handler interface {
	OnConnect(c *Conn)
	OnMessage(c *Conn, msg protocol.Message)
	OnDisconnect(c *Conn)
}

// Server accepts slave connections and frames their streams.
type Server struct {
	handler    Handler
	sendBuffer int

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(h Handler, sendBuffer int) *Server {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Server{
		handler:    h,
		sendBuffer: sendBuffer,
		conns:      make(map[*Conn]struct{}),
	}
}

// Listen binds addr. Failure here is the only fatal transport error.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	log.Printf("Slave server listening on %s", ln.Addr())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(nc)
	}
}

func (s *Server) track(nc net.Conn) {
	c := newConn(nc, s.sendBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	s.handler.OnConnect(c)

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump(s.handler)
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes every open connection and waits for the
// per-connection goroutines to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
