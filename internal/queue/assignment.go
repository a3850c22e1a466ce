package queue

import "time"

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAssigned Status = "assigned"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusKilled   Status = "killed"
)

// Active reports whether an assignment in this state belongs in the queue.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusAssigned || s == StatusRunning
}

// AnySlave is the target sentinel for open matching.
const AnySlave int64 = 0

// DefaultTimeout applies when a script declares no limit.
const DefaultTimeout = 7200 * time.Second

// CheckoutPath maps a local working copy path to its remote location.
type CheckoutPath struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
}

// Assignment is one script run bound to a test round.
type Assignment struct {
	ID       int64  `json:"id"`
	ResultID int64  `json:"resultID"`
	Status   Status `json:"status"`

	RoundID     int64  `json:"roundID"`
	ScriptName  string `json:"scriptName"`
	ScriptPath  string `json:"scriptPath"`
	ProjectName string `json:"projectName"`
	TestType    string `json:"testType"`
	Environment string `json:"environment,omitempty"`
	BranchName  string `json:"branchName,omitempty"`
	Parameter   string `json:"parameter,omitempty"`

	Driver          string         `json:"driver"`
	OperationSystem string         `json:"operationSystem,omitempty"`
	BrowserName     string         `json:"browserName,omitempty"`
	BrowserVersion  string         `json:"browserVersion,omitempty"`
	VersionTool     string         `json:"versionTool,omitempty"`
	SCUsername      string         `json:"-"`
	SCPassword      string         `json:"-"`
	CheckoutPaths   []CheckoutPath `json:"checkoutPaths,omitempty"`

	// TargetSlaveID restricts matching to one slave; AnySlave for open matching.
	TargetSlaveID int64 `json:"targetSlaveID"`
	// TimeoutLimit in seconds; zero means DefaultTimeout.
	TimeoutLimit int64 `json:"timeoutLimit,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
	SlaveID   int64     `json:"slaveID,omitempty"`
}

// Requirements lists the capability names a slave must declare: the driver
// plus the OS and browser tags when set.
func (a *Assignment) Requirements() []string {
	req := []string{a.Driver}
	for _, tag := range []string{a.OperationSystem, a.BrowserName} {
		if tag != "" {
			req = append(req, tag)
		}
	}
	return req
}

func (a *Assignment) Timeout() time.Duration {
	if a.TimeoutLimit <= 0 {
		return DefaultTimeout
	}
	return time.Duration(a.TimeoutLimit) * time.Second
}

// TimedOut reports whether an assigned or running assignment has gone
// past its limit since it was last updated.
func (a *Assignment) TimedOut(now time.Time) bool {
	if a.Status != StatusAssigned && a.Status != StatusRunning {
		return false
	}
	return now.Sub(a.UpdatedAt) > a.Timeout()
}

// CheckoutMap flattens the checkout list into local -> remote.
func (a *Assignment) CheckoutMap() map[string]string {
	if len(a.CheckoutPaths) == 0 {
		return nil
	}
	m := make(map[string]string, len(a.CheckoutPaths))
	for _, p := range a.CheckoutPaths {
		m[p.Local] = p.Remote
	}
	return m
}
