package protocol

// Kind tags every message on the wire.
type Kind string

// Slave -> coordinator
const (
	KindRegister     Kind = "register"
	KindHeartbeat    Kind = "heartbeat"
	KindClientStatus Kind = "client_status"
	KindScriptStatus Kind = "script_status"
	KindCaseStatus   Kind = "case_status"
)

// Coordinator -> slave
const (
	KindAutomationCommand Kind = "automation_command"
	KindStopSlave         Kind = "stop_slave"
	KindUnauthorizedSlave Kind = "unauthorized_slave"
)

// Script states reported by a slave in ScriptStatus.
const (
	ScriptRunning = "running"
	ScriptDone    = "done"
	ScriptKilled  = "killed"
	ScriptTimeout = "timeout"
	ScriptFailed  = "failed"
)

// ClientIdle is the reported status of a slave with nothing to do.
const ClientIdle = "idle"

// Message is implemented by every catalog entry. It carries data only.
type Message interface {
	Kind() Kind
}

// Capability is a declared (name, version) tag.
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Register announces a slave and its capabilities.
type Register struct {
	Name                  string       `json:"name"`
	OperationSystem       *Capability  `json:"operation_system,omitempty"`
	Drivers               []Capability `json:"automation_drivers,omitempty"`
	VersionTools          []Capability `json:"version_tools,omitempty"`
	Browsers              []Capability `json:"browsers,omitempty"`
	Status                string       `json:"status"`
	RequestedAssignmentID int64        `json:"assignment_id,omitempty"`
}

// Capabilities flattens every declared tag in declaration order.
func (r *Register) Capabilities() []Capability {
	caps := make([]Capability, 0, len(r.Drivers)+len(r.Browsers)+len(r.VersionTools)+1)
	caps = append(caps, r.Drivers...)
	caps = append(caps, r.Browsers...)
	caps = append(caps, r.VersionTools...)
	if r.OperationSystem != nil {
		caps = append(caps, *r.OperationSystem)
	}
	return caps
}

// Heartbeat is sent by slaves and echoed back by the coordinator.
type Heartbeat struct{}

// ClientStatus is a coarse slave-level status push.
type ClientStatus struct {
	Status       string `json:"status"`
	SlaveID      int64  `json:"slave_id,omitempty"`
	AssignmentID int64  `json:"assignment_id,omitempty"`
}

// Service is a component version reported alongside a script result.
type Service struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ScriptStatus reports a lifecycle event of one assignment.
type ScriptStatus struct {
	RoundID     int64     `json:"round_id"`
	ScriptName  string    `json:"script_name"`
	SlaveStatus string    `json:"slave_status,omitempty"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	Services    []Service `json:"services,omitempty"`
}

// CaseStatus reports a single test case result.
type CaseStatus struct {
	RoundID     int64  `json:"round_id"`
	ScriptName  string `json:"script_name"`
	CaseID      string `json:"case_id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	ScreenShot  string `json:"screen_shot,omitempty"`
	ServerLog   string `json:"server_log,omitempty"`
}

// AutomationCommand dispatches an assignment to a slave.
type AutomationCommand struct {
	Driver         string            `json:"driver"`
	TimeoutLimit   int64             `json:"timeout_limit"` // milliseconds
	TestCasePath   string            `json:"test_case_path"`
	TestRoundID    int64             `json:"test_round_id"`
	BranchName     string            `json:"branch_name,omitempty"`
	Parameter      string            `json:"parameter,omitempty"`
	ScriptName     string            `json:"script_name"`
	Environment    string            `json:"environment,omitempty"`
	TestType       string            `json:"test_type,omitempty"`
	SlaveID        int64             `json:"slave_id"`
	AssignmentID   int64             `json:"slave_assignment_id"`
	VersionTool    string            `json:"version_tool,omitempty"`
	SCUsername     string            `json:"sc_username,omitempty"`
	SCPassword     string            `json:"sc_password,omitempty"`
	CheckoutPaths  map[string]string `json:"checkout_paths,omitempty"`
	BrowserName    string            `json:"browser_name,omitempty"`
	BrowserVersion string            `json:"browser_version,omitempty"`
}

// StopSlave asks a slave to abort its current assignment.
type StopSlave struct{}

// UnauthorizedSlave rejects a registration for an unknown name.
type UnauthorizedSlave struct{}

func (*Register) Kind() Kind          { return KindRegister }
func (*Heartbeat) Kind() Kind         { return KindHeartbeat }
func (*ClientStatus) Kind() Kind      { return KindClientStatus }
func (*ScriptStatus) Kind() Kind      { return KindScriptStatus }
func (*CaseStatus) Kind() Kind        { return KindCaseStatus }
func (*AutomationCommand) Kind() Kind { return KindAutomationCommand }
func (*StopSlave) Kind() Kind         { return KindStopSlave }
func (*UnauthorizedSlave) Kind() Kind { return KindUnauthorizedSlave }
