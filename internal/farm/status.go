package farm

import (
	"context"
	"log"

	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/reporter"
)

// scriptStatus applies a lifecycle report to the assignment it names.
func (c *Coordinator) scriptStatus(conn Conn, m *protocol.ScriptStatus) {
	ctx, cancel := opContext(context.Background())
	defer cancel()

	owner, _ := c.slaves.ByConn(conn.ID())
	a, ok := c.queue.FindScript(m.RoundID, m.ScriptName)
	if !ok {
		// A slave already rebound to queued work keeps it.
		if m.Status != protocol.ScriptRunning && owner != nil && !c.queue.Contains(owner.AssignmentID) {
			// Recovery heuristic for status races, not a correctness guarantee.
			log.Printf("Unmatched %s status for round %d script %s, freeing slave [%s]", m.Status, m.RoundID, m.ScriptName, owner.Name)
			owner.Release()
			c.saveSlave(ctx, owner)
		} else {
			log.Printf("Unmatched %s status for round %d script %s", m.Status, m.RoundID, m.ScriptName)
		}
		c.results.Forward(reporter.ScriptNotice(m))
		return
	}

	// The slave bound to the assignment wins over whoever reported it.
	s := owner
	if bound, ok := c.slaves.ByID(a.SlaveID); ok && a.SlaveID != 0 {
		s = bound
	}

	switch m.Status {
	case protocol.ScriptRunning:
		c.start(ctx, a, s)
	case protocol.ScriptDone, protocol.ScriptFailed:
		c.complete(ctx, a, s)
	case protocol.ScriptKilled, protocol.ScriptTimeout:
		c.kill(ctx, a)
		c.release(ctx, s)
	default:
		log.Printf("Unknown script status %q for assignment %d", m.Status, a.ID)
	}
	c.results.Forward(reporter.ScriptNotice(m))
}

func (c *Coordinator) start(ctx context.Context, a *queue.Assignment, s *registry.Slave) {
	now := c.now()
	a.Status = queue.StatusRunning
	a.UpdatedAt = now
	if s != nil && a.SlaveID != s.ID {
		log.Printf("Assignment %d reported running by slave [%s], rebinding from slave %d", a.ID, s.Name, a.SlaveID)
		a.SlaveID = s.ID
	}
	if err := c.store.SaveAssignment(ctx, a); err != nil {
		log.Printf("Warning: saving assignment %d: %v", a.ID, err)
	}
	if err := c.store.MarkStarted(ctx, a, now); err != nil {
		log.Printf("Warning: stamping start of assignment %d: %v", a.ID, err)
	}
	if s != nil {
		s.Status = registry.StatusBusy
		s.AssignmentID = a.ID
		c.saveSlave(ctx, s)
	}
	c.publish(Event{Type: EventAssignmentRunning, AssignmentID: a.ID, SlaveID: a.SlaveID, Status: string(a.Status)})
}

// complete records a finished run. A kill already recorded, here or in
// the store, is never overwritten.
func (c *Coordinator) complete(ctx context.Context, a *queue.Assignment, s *registry.Slave) {
	current := a.Status
	if stored, err := c.store.AssignmentStatus(ctx, a.ID); err == nil {
		current = stored
	} else {
		log.Printf("Warning: reloading status of assignment %d: %v", a.ID, err)
	}

	if current != queue.StatusComplete && current != queue.StatusKilled {
		a.Status = queue.StatusComplete
		a.UpdatedAt = c.now()
		if err := c.store.SaveAssignment(ctx, a); err != nil {
			log.Printf("Warning: saving assignment %d: %v", a.ID, err)
		}
	} else {
		a.Status = current
	}
	c.finish(a)
	c.release(ctx, s)
}

// kill forwards a kill notice, records the assignment as killed and drops
// it from the queue. The bound slave is left to the caller.
func (c *Coordinator) kill(ctx context.Context, a *queue.Assignment) {
	c.results.Forward(reporter.KillNotice(a.RoundID, a.ScriptName))

	a.Status = queue.StatusKilled
	a.UpdatedAt = c.now()
	if err := c.store.SaveAssignment(ctx, a); err != nil {
		log.Printf("Warning: saving killed assignment %d: %v", a.ID, err)
	}
	c.finish(a)
}

func (c *Coordinator) finish(a *queue.Assignment) {
	c.queue.Remove(a.ID)
	c.publish(Event{Type: EventAssignmentFinished, AssignmentID: a.ID, SlaveID: a.SlaveID, Status: string(a.Status)})
}

func (c *Coordinator) release(ctx context.Context, s *registry.Slave) {
	if s == nil || s.Conn() == nil {
		return
	}
	s.Release()
	c.saveSlave(ctx, s)
}

func (c *Coordinator) caseStatus(m *protocol.CaseStatus) {
	c.results.Forward(reporter.CaseNotice(m))
}
