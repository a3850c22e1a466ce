package farm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/mateo/testfarm/internal/reporter"
	"github.com/mateo/testfarm/internal/store"
	"golang.org/x/exp/slices"
)

var (
	_ Store = (*store.GormStore)(nil)
	_ Store = (*fakeStore)(nil)
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeConn struct {
	id         string
	ip         string
	acceptedAt time.Time

	mu     sync.Mutex
	sent   []protocol.Message
	closes int
}

func newFakeConn(at time.Time) *fakeConn {
	return &fakeConn{id: uuid.NewString(), ip: "10.0.0.7", acceptedAt: at}
}

func (f *fakeConn) ID() string            { return f.id }
func (f *fakeConn) RemoteIP() string      { return f.ip }
func (f *fakeConn) AcceptedAt() time.Time { return f.acceptedAt }

func (f *fakeConn) Send(msg protocol.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeConn) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Sent returns the kinds sent so far, in order.
func (f *fakeConn) Sent() []protocol.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]protocol.Kind, 0, len(f.sent))
	for _, m := range f.sent {
		kinds = append(kinds, m.Kind())
	}
	return kinds
}

func (f *fakeConn) LastCommand() *protocol.AutomationCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if cmd, ok := f.sent[i].(*protocol.AutomationCommand); ok {
			return cmd
		}
	}
	return nil
}

type fakeStore struct {
	slaves       map[string]*registry.Slave
	slaveStatus  map[int64]registry.Status
	caps         map[int64][]protocol.Capability
	assignments  map[int64]*queue.Assignment
	started      map[int64]int
	saveErr      error
	resetCalled  bool
	assignmentIO []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		slaves:      make(map[string]*registry.Slave),
		slaveStatus: make(map[int64]registry.Status),
		caps:        make(map[int64][]protocol.Capability),
		assignments: make(map[int64]*queue.Assignment),
		started:     make(map[int64]int),
	}
}

func (f *fakeStore) addSlave(id int64, name, project, testType string, priority int) {
	f.slaves[name] = &registry.Slave{
		ID:          id,
		Name:        name,
		ProjectName: project,
		TestType:    testType,
		Priority:    priority,
		Active:      true,
		Status:      registry.StatusOffline,
	}
}

func (f *fakeStore) addAssignment(a queue.Assignment) {
	f.assignments[a.ID] = &a
}

func (f *fakeStore) ResetSlaves(ctx context.Context) error {
	f.resetCalled = true
	for id := range f.slaveStatus {
		f.slaveStatus[id] = registry.StatusOffline
	}
	return nil
}

func (f *fakeStore) SlaveByName(ctx context.Context, name string) (*registry.Slave, error) {
	rec, ok := f.slaves[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) SlaveByID(ctx context.Context, id int64) (*registry.Slave, error) {
	for _, rec := range f.slaves {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SaveSlave(ctx context.Context, s *registry.Slave) error {
	f.slaveStatus[s.ID] = s.Status
	return nil
}

func (f *fakeStore) ReplaceCapabilities(ctx context.Context, slaveID int64, caps []protocol.Capability) error {
	f.caps[slaveID] = append([]protocol.Capability(nil), caps...)
	return nil
}

func (f *fakeStore) UnfinishedAssignments(ctx context.Context) ([]*queue.Assignment, error) {
	var out []*queue.Assignment
	for _, id := range f.sortedAssignmentIDs() {
		a := f.assignments[id]
		if a.Status.Active() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) sortedAssignmentIDs() []int64 {
	ids := make([]int64, 0, len(f.assignments))
	for id := range f.assignments {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (f *fakeStore) Assignment(ctx context.Context, id int64) (*queue.Assignment, error) {
	f.assignmentIO = append(f.assignmentIO, id)
	a, ok := f.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) AssignmentStatus(ctx context.Context, id int64) (queue.Status, error) {
	a, ok := f.assignments[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return a.Status, nil
}

func (f *fakeStore) SaveAssignment(ctx context.Context, a *queue.Assignment) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	rec, ok := f.assignments[a.ID]
	if !ok {
		return errors.New("no such assignment")
	}
	rec.Status = a.Status
	rec.SlaveID = a.SlaveID
	rec.UpdatedAt = a.UpdatedAt
	return nil
}

func (f *fakeStore) MarkStarted(ctx context.Context, a *queue.Assignment, at time.Time) error {
	f.started[a.ID]++
	return nil
}

type recordingForwarder struct {
	mu      sync.Mutex
	notices []reporter.Notice
}

func (r *recordingForwarder) Forward(n reporter.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// States returns the script states forwarded so far.
func (r *recordingForwarder) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		if d, ok := n.Protocol.Data.(reporter.ScriptData); ok {
			out = append(out, d.State)
		}
	}
	return out
}

func (r *recordingForwarder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}
