package registry

import (
	"time"

	"github.com/mateo/testfarm/internal/protocol"
)

// Status is the scheduling state of a slave.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusFree     Status = "free"
	StatusBusy     Status = "busy"
	StatusAssigned Status = "assigned"
)

// Wildcard matches any project or test type.
const Wildcard = "*"

// Conn is the live connection a registered slave is reached through.
type Conn interface {
	ID() string
	RemoteIP() string
	Send(msg protocol.Message)
	Close()
}

// Slave is a registered worker. Identity and scheduling attributes come
// from the durable store; the rest is live session state.
type Slave struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ProjectName string `json:"projectName"`
	TestType    string `json:"testType"`
	Priority    int    `json:"priority"`
	Active      bool   `json:"active"`

	IPAddress     string                `json:"ipAddress"`
	Status        Status                `json:"status"`
	LastHeartbeat time.Time             `json:"lastHeartbeat"`
	Capabilities  []protocol.Capability `json:"capabilities"`

	// AssignmentID is a lookup key into the assignment queue, 0 when none.
	AssignmentID int64 `json:"assignmentID,omitempty"`

	conn Conn
}

// Conn returns the live connection, nil once offline.
func (s *Slave) Conn() Conn { return s.conn }

func (s *Slave) Free() bool { return s.Status == StatusFree }

// ComeOnline binds a fresh session. The declared capabilities replace any
// previously cached set.
func (s *Slave) ComeOnline(conn Conn, caps []protocol.Capability, reportedStatus string, now time.Time) {
	s.conn = conn
	s.IPAddress = conn.RemoteIP()
	s.Capabilities = append([]protocol.Capability(nil), caps...)
	s.LastHeartbeat = now
	s.AssignmentID = 0
	if reportedStatus == protocol.ClientIdle {
		s.Status = StatusFree
	} else {
		s.Status = StatusBusy
	}
}

// GoOffline drops the session state. It does not close the connection.
func (s *Slave) GoOffline() {
	s.conn = nil
	s.IPAddress = ""
	s.AssignmentID = 0
	s.Status = StatusOffline
}

// Bind records the assignment the slave was dispatched.
func (s *Slave) Bind(assignmentID int64) {
	s.AssignmentID = assignmentID
	s.Status = StatusAssigned
}

// Release frees the slave and drops its assignment reference.
func (s *Slave) Release() {
	s.AssignmentID = 0
	s.Status = StatusFree
}

// HasCapabilities reports whether every required name is declared,
// regardless of order or version.
func (s *Slave) HasCapabilities(required []string) bool {
	have := make(map[string]struct{}, len(s.Capabilities))
	for _, c := range s.Capabilities {
		have[c.Name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := have[name]; !ok {
			return false
		}
	}
	return true
}

// Attributes are the durable fields merged into a live entry on refresh.
type Attributes struct {
	ProjectName string
	TestType    string
	Priority    int
	Active      bool
}

func (s *Slave) Merge(a Attributes) {
	s.ProjectName = a.ProjectName
	s.TestType = a.TestType
	s.Priority = a.Priority
	s.Active = a.Active
}
