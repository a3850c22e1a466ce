package farm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mateo/testfarm/internal/intake"
	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	c     *Coordinator
	st    *fakeStore
	in    *intake.Memory
	fwd   *recordingForwarder
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		st:    newFakeStore(),
		in:    intake.NewMemory(),
		fwd:   &recordingForwarder{},
		clock: &fakeClock{t: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
	}
	h.c = New(h.st, h.in, h.fwd, WithClock(h.clock.Now))
	return h
}

// online connects and registers a slave that declares the given drivers
// and reports itself idle.
func (h *harness) online(name string, drivers ...string) *fakeConn {
	conn := newFakeConn(h.clock.Now())
	h.c.Connect(conn)
	reg := &protocol.Register{
		Name:            name,
		OperationSystem: &protocol.Capability{Name: "linux", Version: "6"},
		Status:          protocol.ClientIdle,
	}
	for _, d := range drivers {
		reg.Drivers = append(reg.Drivers, protocol.Capability{Name: d, Version: "2"})
	}
	h.c.Receive(conn, reg)
	return conn
}

func (h *harness) enqueue(t *testing.T, ids ...int64) {
	t.Helper()
	require.NoError(t, h.in.EnqueuePending(context.Background(), ids...))
}

func (h *harness) slave(t *testing.T, name string) registry.Slave {
	t.Helper()
	for _, s := range h.c.Snapshot().Slaves {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("slave %s not in registry", name)
	return registry.Slave{}
}

func queuedIDs(snap Snapshot) []int64 {
	var ids []int64
	for _, a := range snap.Assignments {
		ids = append(ids, a.ID)
	}
	return ids
}

func loginAssignment(id int64) queue.Assignment {
	return queue.Assignment{
		ID:          id,
		Status:      queue.StatusPending,
		RoundID:     3,
		ScriptName:  "login",
		ScriptPath:  "scripts/login.rb",
		ProjectName: "proj",
		TestType:    "ui",
		Driver:      "selenium",
		CheckoutPaths: []queue.CheckoutPath{
			{Local: "src", Remote: "trunk/src"},
		},
	}
}

func countKind(kinds []protocol.Kind, k protocol.Kind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestTick_BindsMatchingSlave(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))

	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	cmd := conn.LastCommand()
	require.NotNil(t, cmd, "expected an automation command")
	assert.Equal(t, int64(11), cmd.AssignmentID)
	assert.Equal(t, int64(1), cmd.SlaveID)
	assert.Equal(t, int64(7200*1000), cmd.TimeoutLimit)
	assert.Equal(t, "scripts/login.rb", cmd.TestCasePath)
	assert.Equal(t, int64(3), cmd.TestRoundID)
	assert.Equal(t, map[string]string{"src": "trunk/src"}, cmd.CheckoutPaths)

	assert.Equal(t, queue.StatusAssigned, h.st.assignments[11].Status)
	assert.Equal(t, int64(1), h.st.assignments[11].SlaveID)
	assert.Equal(t, registry.StatusAssigned, h.st.slaveStatus[1])

	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusAssigned, w1.Status)
	assert.Equal(t, int64(11), w1.AssignmentID)
}

func TestTick_NoAffinityLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "other", "ui", 5)
	h.st.addAssignment(loginAssignment(11))

	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	assert.Nil(t, conn.LastCommand())
	assert.Equal(t, queue.StatusPending, h.st.assignments[11].Status)
	snap := h.c.Snapshot()
	require.Len(t, snap.Assignments, 1)
	assert.Equal(t, queue.StatusPending, snap.Assignments[0].Status)
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestTick_MissingCapabilityLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	a := loginAssignment(11)
	a.BrowserName = "firefox"
	h.st.addAssignment(a)

	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	assert.Nil(t, conn.LastCommand())
}

func TestScriptStatus_DoneCompletesAndFrees(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptDone})

	assert.Empty(t, h.c.Snapshot().Assignments)
	assert.Equal(t, queue.StatusComplete, h.st.assignments[11].Status)
	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusFree, w1.Status)
	assert.Zero(t, w1.AssignmentID)
	assert.Equal(t, []string{protocol.ScriptDone}, h.fwd.States())
}

func TestScriptStatus_RunningMarksStart(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	h.clock.Advance(3 * time.Second)
	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptRunning})

	assert.Equal(t, queue.StatusRunning, h.st.assignments[11].Status)
	assert.Equal(t, h.clock.Now(), h.st.assignments[11].UpdatedAt)
	assert.Equal(t, 1, h.st.started[11])
	assert.Equal(t, []int64{11}, queuedIDs(h.c.Snapshot()))
	assert.Equal(t, registry.StatusBusy, h.slave(t, "w1").Status)
}

func TestScriptStatus_DoneDoesNotOverwriteKill(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	h.st.assignments[11].Status = queue.StatusKilled
	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptFailed})

	assert.Equal(t, queue.StatusKilled, h.st.assignments[11].Status)
	assert.Empty(t, h.c.Snapshot().Assignments)
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestScriptStatus_KilledRunsKillProcedure(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptTimeout})

	assert.Equal(t, queue.StatusKilled, h.st.assignments[11].Status)
	assert.Empty(t, h.c.Snapshot().Assignments)
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
	assert.Equal(t, []string{protocol.ScriptKilled, protocol.ScriptTimeout}, h.fwd.States())
}

func TestScriptStatus_UnmatchedFreesSlave(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := h.online("w1", "selenium")
	h.c.Receive(conn, &protocol.ClientStatus{Status: "busy"})
	require.Equal(t, registry.StatusBusy, h.slave(t, "w1").Status)

	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 9, ScriptName: "ghost", Status: protocol.ScriptRunning})
	assert.Equal(t, registry.StatusBusy, h.slave(t, "w1").Status, "running never frees")

	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 9, ScriptName: "ghost", Status: protocol.ScriptDone})
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestScriptStatus_ReportFromOtherSlaveUsesBoundSlave(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addSlave(2, "w2", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())
	require.Equal(t, int64(1), h.st.assignments[11].SlaveID)

	other := h.online("w2", "selenium")
	h.c.Receive(other, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptRunning})

	assert.Equal(t, int64(1), h.st.assignments[11].SlaveID)
	assert.Equal(t, int64(11), h.slave(t, "w1").AssignmentID)
	w2 := h.slave(t, "w2")
	assert.Zero(t, w2.AssignmentID)
	assert.Equal(t, registry.StatusFree, w2.Status)

	h.c.Receive(other, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptDone})
	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusFree, w1.Status)
	assert.Zero(t, w1.AssignmentID)
}

func TestScriptStatus_RunningRebindsWhenBoundSlaveIsGone(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addSlave(2, "w2", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	first := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())
	h.c.Disconnect(first)

	other := h.online("w2", "selenium")
	h.c.Receive(other, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptRunning})

	assert.Equal(t, int64(2), h.st.assignments[11].SlaveID)
	w2 := h.slave(t, "w2")
	assert.Equal(t, int64(11), w2.AssignmentID)
	assert.Equal(t, registry.StatusBusy, w2.Status)
}

func TestCaseStatus_ForwardedVerbatim(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := h.online("w1", "selenium")

	h.c.Receive(conn, &protocol.CaseStatus{RoundID: 3, ScriptName: "login", CaseID: "c-1", Status: "pass"})

	require.Equal(t, 1, h.fwd.Len())
	assert.Equal(t, "Case", h.fwd.notices[0].Protocol.What)
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestRegister_UnknownSlaveIsRejected(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn(h.clock.Now())
	h.c.Connect(conn)

	h.c.Receive(conn, &protocol.Register{Name: "ghost", Status: protocol.ClientIdle})

	assert.Equal(t, []protocol.Kind{protocol.KindUnauthorizedSlave}, conn.Sent())
	assert.Empty(t, h.c.Snapshot().Slaves)

	h.c.Tick(context.Background())
	assert.Zero(t, conn.Closes(), "young connections are not pruned")

	h.clock.Advance(DefaultTickInterval)
	h.c.Tick(context.Background())
	assert.Equal(t, 1, conn.Closes())
	assert.Zero(t, h.c.Snapshot().Connections)
}

func TestRegister_ReportsBusyAndStoresCapabilities(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := newFakeConn(h.clock.Now())
	h.c.Connect(conn)

	h.c.Receive(conn, &protocol.Register{
		Name:     "w1",
		Drivers:  []protocol.Capability{{Name: "selenium", Version: "2"}},
		Browsers: []protocol.Capability{{Name: "chrome", Version: "1"}},
		Status:   "running",
	})

	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusBusy, w1.Status)
	assert.Equal(t, "10.0.0.7", w1.IPAddress)
	assert.Equal(t, []protocol.Capability{{Name: "selenium", Version: "2"}, {Name: "chrome", Version: "1"}}, h.st.caps[1])
}

func TestRegister_SecondConnectionReplacesFirst(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	first := h.online("w1", "selenium")
	second := h.online("w1", "selenium")

	assert.Equal(t, 1, first.Closes())
	assert.Zero(t, second.Closes())
	assert.Len(t, h.c.Snapshot().Slaves, 1)

	// The old connection's late disconnect must not take the new session down.
	h.c.Disconnect(first)
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestHeartbeat_RepliesAndKeepsAlive(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := h.online("w1", "selenium")

	h.clock.Advance(15 * time.Second)
	h.c.Receive(conn, &protocol.Heartbeat{})
	h.clock.Advance(15 * time.Second)
	h.c.Tick(context.Background())

	assert.Equal(t, []protocol.Kind{protocol.KindHeartbeat}, conn.Sent())
	assert.Zero(t, conn.Closes())
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestHeartbeat_TimeoutEvictsAndClosesOnce(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := h.online("w1", "selenium")

	h.clock.Advance(DefaultHeartbeatTimeout + time.Second)
	h.c.Tick(context.Background())

	snap := h.c.Snapshot()
	assert.Empty(t, snap.Slaves)
	assert.Zero(t, snap.Connections)
	assert.Equal(t, 1, conn.Closes())
	assert.Equal(t, registry.StatusOffline, h.st.slaveStatus[1])

	// The transport reports the close afterwards.
	h.c.Disconnect(conn)
	h.c.Tick(context.Background())
	assert.Equal(t, 1, conn.Closes())
}

func TestDisconnect_TakesSlaveOffline(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	h.c.Disconnect(conn)

	assert.Empty(t, h.c.Snapshot().Slaves)
	assert.Zero(t, conn.Closes())
	assert.Equal(t, registry.StatusOffline, h.st.slaveStatus[1])
	assert.Equal(t, queue.StatusAssigned, h.st.assignments[11].Status)
}

func TestTick_TimedOutAssignmentIsKilled(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	h.clock.Advance(queue.DefaultTimeout + time.Second)
	h.c.Receive(conn, &protocol.Heartbeat{})
	h.c.Tick(context.Background())

	assert.Equal(t, 1, countKind(conn.Sent(), protocol.KindStopSlave))
	assert.Equal(t, queue.StatusKilled, h.st.assignments[11].Status)
	assert.Empty(t, h.c.Snapshot().Assignments)
	assert.Equal(t, []string{protocol.ScriptKilled}, h.fwd.States())

	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusFree, w1.Status)
	assert.Zero(t, w1.AssignmentID)
	assert.Equal(t, registry.StatusFree, h.st.slaveStatus[1])

	// The late confirmation is unmatched and changes nothing.
	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptKilled})
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestTick_TimedOutSlaveTakesQueuedWorkSameTick(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	next := loginAssignment(12)
	next.ScriptName = "logout"
	h.st.addAssignment(next)
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	// The runner hangs: heartbeats keep coming but no status is reported.
	h.clock.Advance(queue.DefaultTimeout + time.Second)
	h.c.Receive(conn, &protocol.Heartbeat{})
	h.enqueue(t, 12)
	h.c.Tick(context.Background())

	assert.Equal(t, queue.StatusKilled, h.st.assignments[11].Status)
	assert.Equal(t, queue.StatusAssigned, h.st.assignments[12].Status)
	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusAssigned, w1.Status)
	assert.Equal(t, int64(12), w1.AssignmentID)
	require.NotNil(t, conn.LastCommand())
	assert.Equal(t, int64(12), conn.LastCommand().AssignmentID)

	// A late report for the killed run leaves the new binding alone.
	h.c.Receive(conn, &protocol.ScriptStatus{RoundID: 3, ScriptName: "login", Status: protocol.ScriptKilled})
	w1 = h.slave(t, "w1")
	assert.Equal(t, registry.StatusAssigned, w1.Status)
	assert.Equal(t, int64(12), w1.AssignmentID)
}

func TestTick_AssignmentWithinLimitSurvives(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	a := loginAssignment(11)
	a.TimeoutLimit = 60
	h.st.addAssignment(a)
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())
	require.Equal(t, int64(60000), conn.LastCommand().TimeoutLimit)

	h.clock.Advance(60 * time.Second)
	h.c.Receive(conn, &protocol.Heartbeat{})
	h.c.Tick(context.Background())
	assert.Equal(t, queue.StatusAssigned, h.st.assignments[11].Status)

	h.clock.Advance(time.Second)
	h.c.Receive(conn, &protocol.Heartbeat{})
	h.c.Tick(context.Background())
	assert.Equal(t, queue.StatusKilled, h.st.assignments[11].Status)
}

func TestTick_RestrictedTargetIgnoresAffinity(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 1)
	h.st.addSlave(2, "w2", "elsewhere", "api", 9)
	h.st.slaves["w2"].Active = false
	a := loginAssignment(11)
	a.TargetSlaveID = 2
	h.st.addAssignment(a)

	c1 := h.online("w1", "selenium")
	c2 := h.online("w2", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	assert.Nil(t, c1.LastCommand())
	require.NotNil(t, c2.LastCommand())
	assert.Equal(t, int64(2), h.st.assignments[11].SlaveID)
}

func TestTick_StaleSlaveEvictedBeforeScheduling(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 1)
	h.st.addSlave(2, "w2", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))

	c1 := h.online("w1", "selenium")
	h.clock.Advance(15 * time.Second)
	c2 := h.online("w2", "selenium")
	h.clock.Advance(10 * time.Second)
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	assert.Equal(t, 1, c1.Closes())
	assert.Nil(t, c1.LastCommand())
	require.NotNil(t, c2.LastCommand())
}

func TestTick_EmptyAndRepeatedIntakeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.st.addAssignment(loginAssignment(11))
	done := loginAssignment(12)
	done.Status = queue.StatusComplete
	h.st.addAssignment(done)

	h.enqueue(t, 11, 11, 12, 99)
	h.c.Tick(context.Background())
	h.c.Tick(context.Background())
	h.c.Tick(context.Background())
	assert.Equal(t, []int64{11}, queuedIDs(h.c.Snapshot()))

	h.enqueue(t, 11)
	h.c.Tick(context.Background())
	assert.Equal(t, []int64{11}, queuedIDs(h.c.Snapshot()))
	assert.Equal(t, []int64{11, 12, 99}, h.st.assignmentIO)
}

func TestTick_StopRequestReachesBoundSlaveOnly(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	require.NoError(t, h.in.RequestStop(context.Background(),
		intake.StopRequest{AssignmentID: 11, SlaveID: 1},
		intake.StopRequest{AssignmentID: 12, SlaveID: 1},
		intake.StopRequest{AssignmentID: 11, SlaveID: 7},
	))
	h.c.Tick(context.Background())
	assert.Equal(t, 1, countKind(conn.Sent(), protocol.KindStopSlave))

	h.c.Tick(context.Background())
	assert.Equal(t, 1, countKind(conn.Sent(), protocol.KindStopSlave))
}

func TestTick_RefreshMergesAttributes(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := h.online("w1", "selenium")

	h.st.slaves["w1"].Priority = 1
	h.st.slaves["w1"].ProjectName = "*"
	require.NoError(t, h.in.MarkSlaveUpdated(context.Background(), 1))
	h.c.Tick(context.Background())

	w1 := h.slave(t, "w1")
	assert.Equal(t, 1, w1.Priority)
	assert.Equal(t, "*", w1.ProjectName)
	assert.Zero(t, conn.Closes())
}

func TestTick_RefreshEvictsRenamedAndDeleted(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addSlave(2, "w2", "proj", "ui", 5)
	c1 := h.online("w1", "selenium")
	c2 := h.online("w2", "selenium")

	h.st.slaves["w1"].Name = "w1-renamed"
	delete(h.st.slaves, "w2")
	require.NoError(t, h.in.MarkSlaveUpdated(context.Background(), 1, 2))
	h.c.Tick(context.Background())

	assert.Empty(t, h.c.Snapshot().Slaves)
	assert.Equal(t, 1, c1.Closes())
	assert.Equal(t, 1, c2.Closes())
}

func TestTick_SaveFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.st.saveErr = errors.New("database is locked")

	h.c.Tick(context.Background())

	assert.Nil(t, conn.LastCommand())
	snap := h.c.Snapshot()
	require.Len(t, snap.Assignments, 1)
	assert.Equal(t, queue.StatusPending, snap.Assignments[0].Status)
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)
}

func TestClientStatus_OnlyAffectsUnboundSlaves(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	conn := h.online("w1", "selenium")

	h.c.Receive(conn, &protocol.ClientStatus{Status: "busy"})
	assert.Equal(t, registry.StatusBusy, h.slave(t, "w1").Status)
	h.c.Receive(conn, &protocol.ClientStatus{Status: protocol.ClientIdle})
	assert.Equal(t, registry.StatusFree, h.slave(t, "w1").Status)

	h.enqueue(t, 11)
	h.c.Tick(context.Background())
	h.c.Receive(conn, &protocol.ClientStatus{Status: protocol.ClientIdle})
	assert.Equal(t, registry.StatusAssigned, h.slave(t, "w1").Status)
}

func TestReceive_OutboundKindClosesConnection(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	conn := h.online("w1", "selenium")

	h.c.Receive(conn, &protocol.StopSlave{})
	assert.Equal(t, 1, conn.Closes())
}

func TestPreload_QueuesUnfinishedWork(t *testing.T) {
	h := newHarness(t)
	h.st.addAssignment(loginAssignment(11))
	running := loginAssignment(12)
	running.Status = queue.StatusRunning
	running.ScriptName = "checkout"
	running.TimeoutLimit = 30
	h.st.addAssignment(running)
	done := loginAssignment(13)
	done.Status = queue.StatusComplete
	h.st.addAssignment(done)

	require.NoError(t, h.c.Preload(context.Background()))

	assert.True(t, h.st.resetCalled)
	snap := h.c.Snapshot()
	assert.Equal(t, []int64{11, 12}, queuedIDs(snap))
	assert.Equal(t, int64(7200), snap.Assignments[0].TimeoutLimit)
	assert.Equal(t, int64(30), snap.Assignments[1].TimeoutLimit)
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.st.addAssignment(loginAssignment(11))
	events := h.c.Subscribe()
	defer h.c.Unsubscribe(events)

	h.online("w1", "selenium")
	h.enqueue(t, 11)
	h.c.Tick(context.Background())

	got := []EventType{(<-events).Type, (<-events).Type}
	assert.Equal(t, []EventType{EventSlaveOnline, EventAssignmentAssigned}, got)
}

func TestSnapshot_IsACopy(t *testing.T) {
	h := newHarness(t)
	h.st.addSlave(1, "w1", "proj", "ui", 5)
	h.online("w1", "selenium")

	snap := h.c.Snapshot()
	snap.Slaves[0].Status = registry.StatusOffline
	snap.Slaves[0].Capabilities[0].Name = "mutated"

	w1 := h.slave(t, "w1")
	assert.Equal(t, registry.StatusFree, w1.Status)
	assert.Equal(t, "selenium", w1.Capabilities[0].Name)
}
