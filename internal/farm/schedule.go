package farm

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/scheduler"
	"github.com/mateo/testfarm/internal/store"
)

// admit queues a loaded assignment unless it is already queued or no
// longer active.
func (c *Coordinator) admit(a *queue.Assignment) bool {
	if a.TimeoutLimit <= 0 {
		a.TimeoutLimit = int64(c.defaultTimeout / time.Second)
	}
	if !c.queue.Add(a) {
		log.Printf("Assignment %d not queued (status %s)", a.ID, a.Status)
		return false
	}
	return true
}

func (c *Coordinator) drainPending(ctx context.Context) {
	ids, err := c.intake.DrainPending(ctx)
	if err != nil {
		log.Printf("Warning: draining pending assignments: %v", err)
		return
	}

	for _, id := range ids {
		if c.queue.Contains(id) {
			continue
		}

		opCtx, cancel := opContext(ctx)
		a, err := c.store.Assignment(opCtx, id)
		cancel()
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("Pending assignment %d does not exist, skipped", id)
			continue
		}
		if err != nil {
			log.Printf("Warning: loading assignment %d: %v", id, err)
			continue
		}
		if c.admit(a) {
			log.Printf("Assignment %d (%s) queued", a.ID, a.ScriptName)
		}
	}
}

// drainStops forwards operator stop requests to slaves still running the
// named assignment.
func (c *Coordinator) drainStops(ctx context.Context) {
	reqs, err := c.intake.DrainStop(ctx)
	if err != nil {
		log.Printf("Warning: draining stop requests: %v", err)
		return
	}

	for _, req := range reqs {
		s, ok := c.slaves.ByID(req.SlaveID)
		if !ok {
			log.Printf("Stop of assignment %d skipped: slave %d is not online", req.AssignmentID, req.SlaveID)
			continue
		}
		if req.AssignmentID == 0 || s.AssignmentID != req.AssignmentID {
			log.Printf("Stop of assignment %d skipped: slave [%s] holds %d", req.AssignmentID, s.Name, s.AssignmentID)
			continue
		}
		log.Printf("Stopping assignment %d on slave [%s]", req.AssignmentID, s.Name)
		s.Conn().Send(&protocol.StopSlave{})
	}
}

// schedule binds pending assignments to slaves in queue order. Anything
// left unmatched waits for the next tick.
func (c *Coordinator) schedule(ctx context.Context, now time.Time) {
	for _, a := range c.queue.Pending() {
		if a.Driver == "" {
			log.Printf("Assignment %d (%s) has no automation driver, skipped", a.ID, a.ScriptName)
			continue
		}

		s := scheduler.Match(c.slaves.List(), a)
		if s == nil {
			continue
		}

		a.Status = queue.StatusAssigned
		a.SlaveID = s.ID
		a.UpdatedAt = now

		opCtx, cancel := opContext(ctx)
		if err := c.store.SaveAssignment(opCtx, a); err != nil {
			cancel()
			log.Printf("Warning: saving assignment %d, left pending: %v", a.ID, err)
			a.Status = queue.StatusPending
			a.SlaveID = 0
			continue
		}

		s.Bind(a.ID)
		s.Conn().Send(buildCommand(a, s))
		c.saveSlave(opCtx, s)
		cancel()

		log.Printf("Assignment %d (%s) assigned to slave [%s]", a.ID, a.ScriptName, s.Name)
		c.publish(Event{Type: EventAssignmentAssigned, AssignmentID: a.ID, SlaveID: s.ID, SlaveName: s.Name, Status: string(a.Status)})
	}
}

func buildCommand(a *queue.Assignment, s *registry.Slave) *protocol.AutomationCommand {
	return &protocol.AutomationCommand{
		Driver:         a.Driver,
		TimeoutLimit:   a.Timeout().Milliseconds(),
		TestCasePath:   a.ScriptPath,
		TestRoundID:    a.RoundID,
		BranchName:     a.BranchName,
		Parameter:      a.Parameter,
		ScriptName:     a.ScriptName,
		Environment:    a.Environment,
		TestType:       a.TestType,
		SlaveID:        s.ID,
		AssignmentID:   a.ID,
		VersionTool:    a.VersionTool,
		SCUsername:     a.SCUsername,
		SCPassword:     a.SCPassword,
		CheckoutPaths:  a.CheckoutMap(),
		BrowserName:    a.BrowserName,
		BrowserVersion: a.BrowserVersion,
	}
}
