package api

import (
	"time"

	"github.com/mateo/testfarm/internal/farm"
)

// SlaveStatus is one live slave as shown to operators.
type SlaveStatus struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	IPAddress     string    `json:"ipAddress"`
	Status        string    `json:"status"`
	ProjectName   string    `json:"projectName"`
	TestType      string    `json:"testType"`
	Priority      int       `json:"priority"`
	Active        bool      `json:"active"`
	AssignmentID  int64     `json:"assignmentID,omitempty"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// AssignmentStatus is one queued assignment.
type AssignmentStatus struct {
	ID         int64  `json:"id"`
	RoundID    int64  `json:"roundID"`
	ScriptName string `json:"scriptName"`
	Driver     string `json:"driver"`
	Status     string `json:"status"`
	SlaveID    int64  `json:"slaveID,omitempty"`
	Elapsed    string `json:"elapsed,omitempty"`
}

// Status reports the coordinator's live state.
type Status struct {
	Slaves      []SlaveStatus      `json:"slaves"`
	Assignments []AssignmentStatus `json:"assignments"`
	Connections int                `json:"connections"`
	LastTick    time.Time          `json:"lastTick"`
}

// EnqueueRequest feeds assignment ids into the intake.
type EnqueueRequest struct {
	IDs []int64 `json:"ids"`
}

// StopRequest asks for an assignment to be stopped on a slave.
type StopRequest struct {
	AssignmentID int64 `json:"assignmentID"`
	SlaveID      int64 `json:"slaveID"`
}

// OKResponse acknowledges a write.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewStatus flattens a coordinator snapshot for display.
func NewStatus(snap farm.Snapshot, now time.Time) Status {
	out := Status{
		Slaves:      make([]SlaveStatus, 0, len(snap.Slaves)),
		Assignments: make([]AssignmentStatus, 0, len(snap.Assignments)),
		Connections: snap.Connections,
		LastTick:    snap.LastTick,
	}
	for _, s := range snap.Slaves {
		caps := make([]string, 0, len(s.Capabilities))
		for _, c := range s.Capabilities {
			caps = append(caps, c.Name+":"+c.Version)
		}
		out.Slaves = append(out.Slaves, SlaveStatus{
			ID:            s.ID,
			Name:          s.Name,
			IPAddress:     s.IPAddress,
			Status:        string(s.Status),
			ProjectName:   s.ProjectName,
			TestType:      s.TestType,
			Priority:      s.Priority,
			Active:        s.Active,
			AssignmentID:  s.AssignmentID,
			Capabilities:  caps,
			LastHeartbeat: s.LastHeartbeat,
		})
	}
	for _, a := range snap.Assignments {
		var elapsed string
		if !a.UpdatedAt.IsZero() {
			elapsed = now.Sub(a.UpdatedAt).Truncate(time.Second).String()
		}
		out.Assignments = append(out.Assignments, AssignmentStatus{
			ID:         a.ID,
			RoundID:    a.RoundID,
			ScriptName: a.ScriptName,
			Driver:     a.Driver,
			Status:     string(a.Status),
			SlaveID:    a.SlaveID,
			Elapsed:    elapsed,
		})
	}
	return out
}
