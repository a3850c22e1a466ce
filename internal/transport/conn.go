package transport

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mateo/testfarm/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	readBufferSize = 4096
)

// Conn is one slave connection. Reads and writes run on their own
// goroutines; Send never blocks the caller.
type Conn struct {
	id         string
	netConn    net.Conn
	remoteIP   string
	acceptedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(nc net.Conn, sendBuffer int) *Conn {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	return &Conn{
		id:         uuid.NewString(),
		netConn:    nc,
		remoteIP:   host,
		acceptedAt: time.Now(),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *Conn) ID() string            { return c.id }
func (c *Conn) RemoteIP() string      { return c.remoteIP }
func (c *Conn) AcceptedAt() time.Time { return c.acceptedAt }

// Send queues msg for the writer. A peer whose buffer is full is
// disconnected rather than allowed to stall the caller.
func (c *Conn) Send(msg protocol.Message) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("conn %s: %v", c.id, err)
		return
	}
	frame := protocol.AppendFrame(make([]byte, 0, len(payload)+4), payload)

	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		log.Printf("conn %s (%s): send buffer full, closing", c.id, c.remoteIP)
		c.Close()
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.netConn.Close()
	})
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// readPump delivers decoded messages to h until the stream ends or a
// protocol violation is seen. It reports the disconnect exactly once.
func (c *Conn) readPump(h Handler) {
	defer func() {
		c.Close()
		h.OnDisconnect(c)
	}()

	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !c.drain(&dec, h) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("conn %s (%s): read error: %v", c.id, c.remoteIP, err)
			}
			return
		}
	}
}

func (c *Conn) drain(dec *protocol.Decoder, h Handler) bool {
	for {
		payload, ok, err := dec.Next()
		if err != nil {
			log.Printf("conn %s (%s): protocol error: %v", c.id, c.remoteIP, err)
			return false
		}
		if !ok {
			return true
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			log.Printf("conn %s (%s): protocol error: %v", c.id, c.remoteIP, err)
			return false
		}
		h.OnMessage(c, msg)
	}
}

func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := c.netConn.Write(frame); err != nil {
				log.Printf("conn %s (%s): write error: %v", c.id, c.remoteIP, err)
				return
			}
		}
	}
}
