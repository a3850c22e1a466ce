package farm

import (
	"context"
	"errors"
	"log"

	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/store"
	"github.com/mateo/testfarm/internal/transport"
)

var _ transport.Handler = (*Coordinator)(nil)

// OnConnect, OnMessage and OnDisconnect adapt the coordinator to the
// slave transport.
func (c *Coordinator) OnConnect(conn *transport.Conn) { c.Connect(conn) }

func (c *Coordinator) OnMessage(conn *transport.Conn, msg protocol.Message) { c.Receive(conn, msg) }

func (c *Coordinator) OnDisconnect(conn *transport.Conn) { c.Disconnect(conn) }

// Connect tracks a new connection. It stays unassociated until a
// successful registration and is pruned if it never registers.
func (c *Coordinator) Connect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn.ID()] = conn
	log.Printf("New connection %s from %s", conn.ID(), conn.RemoteIP())
}

// Disconnect takes the owning slave, if any, offline.
func (c *Coordinator) Disconnect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.conns, conn.ID())
	if s, ok := c.slaves.ByConn(conn.ID()); ok {
		log.Printf("Slave [%s] goes offline because connection lost", s.Name)
		c.goOffline(s, "connection lost")
	}
}

// Receive dispatches one decoded message to its handler.
func (c *Coordinator) Receive(conn Conn, msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Register:
		c.register(conn, m)
	case *protocol.Heartbeat:
		c.heartbeat(conn)
	case *protocol.ClientStatus:
		c.clientStatus(conn, m)
	case *protocol.ScriptStatus:
		c.scriptStatus(conn, m)
	case *protocol.CaseStatus:
		c.caseStatus(m)
	default:
		log.Printf("Protocol error on %s: unexpected %s message from slave, closing", conn.ID(), msg.Kind())
		c.closeConn(conn)
	}
}

func (c *Coordinator) register(conn Conn, m *protocol.Register) {
	ctx, cancel := opContext(context.Background())
	defer cancel()

	s, err := c.store.SlaveByName(ctx, m.Name)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("An unauthorized slave [%s] tried to connect from %s", m.Name, conn.RemoteIP())
		conn.Send(&protocol.UnauthorizedSlave{})
		return
	}
	if err != nil {
		log.Printf("Registration of slave [%s] skipped: %v", m.Name, err)
		return
	}

	if old, ok := c.slaves.Get(m.Name); ok {
		if oc := old.Conn(); oc != nil && oc.ID() != conn.ID() {
			log.Printf("Slave [%s] registered again from %s, closing previous connection %s", m.Name, conn.RemoteIP(), oc.ID())
			delete(c.conns, oc.ID())
			oc.Close()
		}
	}

	caps := m.Capabilities()
	if err := c.store.ReplaceCapabilities(ctx, s.ID, caps); err != nil {
		log.Printf("Warning: storing capabilities of slave [%s]: %v", s.Name, err)
	}
	s.ComeOnline(conn, caps, m.Status, c.now())
	c.slaves.Add(s)
	c.saveSlave(ctx, s)

	log.Printf("Slave [%s] connected from %s, status %s, %d capabilities", s.Name, s.IPAddress, s.Status, len(caps))
	if m.RequestedAssignmentID != 0 {
		log.Printf("Slave [%s] reports it holds assignment %d", s.Name, m.RequestedAssignmentID)
	}
	c.publish(Event{Type: EventSlaveOnline, SlaveID: s.ID, SlaveName: s.Name, Status: string(s.Status)})
}

func (c *Coordinator) heartbeat(conn Conn) {
	if s, ok := c.slaves.ByConn(conn.ID()); ok {
		s.LastHeartbeat = c.now()
	}
	conn.Send(&protocol.Heartbeat{})
}

// clientStatus lets an unbound slave report itself idle or busy.
func (c *Coordinator) clientStatus(conn Conn, m *protocol.ClientStatus) {
	s, ok := c.slaves.ByConn(conn.ID())
	if !ok {
		log.Printf("Client status %q from unregistered connection %s ignored", m.Status, conn.ID())
		return
	}
	if s.AssignmentID != 0 {
		return
	}

	next := registry.StatusBusy
	if m.Status == protocol.ClientIdle {
		next = registry.StatusFree
	}
	if s.Status == next {
		return
	}
	s.Status = next

	ctx, cancel := opContext(context.Background())
	defer cancel()
	c.saveSlave(ctx, s)
}

// evict removes a live slave and closes its connection in one step.
func (c *Coordinator) evict(s *registry.Slave, reason string) {
	if conn := s.Conn(); conn != nil {
		delete(c.conns, conn.ID())
		conn.Close()
	}
	c.goOffline(s, reason)
}

func (c *Coordinator) goOffline(s *registry.Slave, reason string) {
	s.GoOffline()
	c.slaves.Remove(s)

	ctx, cancel := opContext(context.Background())
	defer cancel()
	c.saveSlave(ctx, s)
	c.publish(Event{Type: EventSlaveOffline, SlaveID: s.ID, SlaveName: s.Name, Reason: reason})
}

func (c *Coordinator) closeConn(conn Conn) {
	delete(c.conns, conn.ID())
	conn.Close()
}

func (c *Coordinator) saveSlave(ctx context.Context, s *registry.Slave) {
	if err := c.store.SaveSlave(ctx, s); err != nil {
		log.Printf("Warning: saving slave [%s]: %v", s.Name, err)
	}
}
