// Package farm is the coordinator: it owns the slave registry and the
// assignment queue and mutates them only from connection events and the
// periodic tick, one step at a time.
package farm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mateo/testfarm/internal/intake"
	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/reporter"
	"golang.org/x/exp/slices"
)

const (
	DefaultTickInterval     = 5 * time.Second
	DefaultHeartbeatTimeout = 20 * time.Second

	storeTimeout = 10 * time.Second
)

// Store is the durable side of slaves and assignments.
type Store interface {
	ResetSlaves(ctx context.Context) error
	SlaveByName(ctx context.Context, name string) (*registry.Slave, error)
	SlaveByID(ctx context.Context, id int64) (*registry.Slave, error)
	SaveSlave(ctx context.Context, s *registry.Slave) error
	ReplaceCapabilities(ctx context.Context, slaveID int64, caps []protocol.Capability) error

	UnfinishedAssignments(ctx context.Context) ([]*queue.Assignment, error)
	Assignment(ctx context.Context, id int64) (*queue.Assignment, error)
	AssignmentStatus(ctx context.Context, id int64) (queue.Status, error)
	SaveAssignment(ctx context.Context, a *queue.Assignment) error
	MarkStarted(ctx context.Context, a *queue.Assignment, at time.Time) error
}

// Forwarder delivers result notices to the web front end.
type Forwarder interface {
	Forward(n reporter.Notice)
}

// Conn is a slave connection as the coordinator sees it.
type Conn interface {
	registry.Conn
	AcceptedAt() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.tickInterval = d }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.heartbeatTimeout = d }
}

// WithDefaultAssignmentTimeout applies to scripts that declare no limit.
func WithDefaultAssignmentTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.defaultTimeout = d }
}

type Coordinator struct {
	mu       sync.Mutex
	slaves   *registry.Registry
	queue    *queue.Queue
	conns    map[string]Conn
	lastTick time.Time

	store   Store
	intake  intake.Intake
	results Forwarder
	events  eventBus

	now              func() time.Time
	tickInterval     time.Duration
	heartbeatTimeout time.Duration
	defaultTimeout   time.Duration
}

func New(st Store, in intake.Intake, fwd Forwarder, opts ...Option) *Coordinator {
	c := &Coordinator{
		slaves:           registry.New(),
		queue:            queue.New(),
		conns:            make(map[string]Conn),
		store:            st,
		intake:           in,
		results:          fwd,
		now:              time.Now,
		tickInterval:     DefaultTickInterval,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		defaultTimeout:   queue.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Preload marks every durable slave offline and seeds the queue with
// unfinished assignments. Call once before accepting connections.
func (c *Coordinator) Preload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.ResetSlaves(ctx); err != nil {
		return err
	}
	unfinished, err := c.store.UnfinishedAssignments(ctx)
	if err != nil {
		return fmt.Errorf("preloading assignments: %w", err)
	}
	for _, a := range unfinished {
		c.admit(a)
	}
	log.Printf("Preloaded %d unfinished assignments", c.queue.Len())
	return nil
}

// Run ticks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one control loop pass. The order is fixed: stale sessions go
// before scheduling can see them, and timed-out work is killed before its
// slave could be reused.
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastTick = now

	c.pruneConnections(now)
	c.refreshRegistry(ctx)
	c.sweepHeartbeats(now)
	c.sweepTimeouts(ctx, now)
	c.drainStops(ctx)
	c.drainPending(ctx)
	c.schedule(ctx, now)
}

// Subscribe returns a channel of farm events. Call Unsubscribe when done.
func (c *Coordinator) Subscribe() <-chan Event {
	return c.events.subscribe()
}

func (c *Coordinator) Unsubscribe(ch <-chan Event) {
	c.events.unsubscribe(ch)
}

// Snapshot is a point-in-time copy of coordinator state.
type Snapshot struct {
	Slaves      []registry.Slave   `json:"slaves"`
	Assignments []queue.Assignment `json:"assignments"`
	Connections int                `json:"connections"`
	LastTick    time.Time          `json:"lastTick"`
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Slaves:      make([]registry.Slave, 0, c.slaves.Len()),
		Assignments: make([]queue.Assignment, 0, c.queue.Len()),
		Connections: len(c.conns),
		LastTick:    c.lastTick,
	}
	for _, s := range c.slaves.List() {
		cp := *s
		cp.Capabilities = slices.Clone(s.Capabilities)
		snap.Slaves = append(snap.Slaves, cp)
	}
	for _, a := range c.queue.List() {
		cp := *a
		cp.CheckoutPaths = slices.Clone(a.CheckoutPaths)
		snap.Assignments = append(snap.Assignments, cp)
	}
	return snap
}

func (c *Coordinator) publish(e Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.events.publish(e)
}

func opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, storeTimeout)
}
