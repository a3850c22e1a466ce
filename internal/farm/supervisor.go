package farm

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/store"
)

// pruneConnections closes connections that never registered within one
// tick interval of being accepted.
func (c *Coordinator) pruneConnections(now time.Time) {
	for id, conn := range c.conns {
		if _, ok := c.slaves.ByConn(id); ok {
			continue
		}
		if now.Sub(conn.AcceptedAt()) < c.tickInterval {
			continue
		}
		log.Printf("Closing connection %s from %s: no registration", id, conn.RemoteIP())
		c.closeConn(conn)
	}
}

// refreshRegistry picks up durable edits to live slaves. Renamed or
// deleted slaves are evicted and must register again.
func (c *Coordinator) refreshRegistry(ctx context.Context) {
	ids, err := c.intake.DrainUpdatedSlaves(ctx)
	if err != nil {
		log.Printf("Warning: draining updated slaves: %v", err)
		return
	}

	for _, id := range ids {
		live, ok := c.slaves.ByID(id)
		if !ok {
			continue
		}

		opCtx, cancel := opContext(ctx)
		rec, err := c.store.SlaveByID(opCtx, id)
		cancel()

		switch {
		case errors.Is(err, store.ErrNotFound):
			log.Printf("Slave [%s] was removed, evicting", live.Name)
			c.evict(live, "removed")
		case err != nil:
			log.Printf("Warning: refreshing slave [%s]: %v", live.Name, err)
		case rec.Name != live.Name:
			log.Printf("Slave [%s] was renamed to [%s], evicting", live.Name, rec.Name)
			c.evict(live, "renamed")
		default:
			live.Merge(registry.Attributes{
				ProjectName: rec.ProjectName,
				TestType:    rec.TestType,
				Priority:    rec.Priority,
				Active:      rec.Active,
			})
		}
	}
}

func (c *Coordinator) sweepHeartbeats(now time.Time) {
	for _, s := range c.slaves.List() {
		if now.Sub(s.LastHeartbeat) <= c.heartbeatTimeout {
			continue
		}
		log.Printf("Slave [%s] heartbeat timeout, last seen %s", s.Name, s.LastHeartbeat.Format(time.RFC3339))
		c.evict(s, "heartbeat timeout")
	}
}

// sweepTimeouts kills every assigned or running assignment past its limit.
// A live slave still bound to it is told to stop and freed, so the same
// tick can schedule it again.
func (c *Coordinator) sweepTimeouts(ctx context.Context, now time.Time) {
	for _, a := range c.queue.List() {
		if !a.TimedOut(now) {
			continue
		}
		log.Printf("Assignment %d (%s) timed out after %s", a.ID, a.ScriptName, a.Timeout())

		bound, ok := c.slaves.ByID(a.SlaveID)
		if ok && bound.AssignmentID == a.ID {
			bound.Conn().Send(&protocol.StopSlave{})
		} else {
			bound = nil
		}

		opCtx, cancel := opContext(ctx)
		c.kill(opCtx, a)
		c.release(opCtx, bound)
		cancel()
	}
}
