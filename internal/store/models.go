package store

import "time"

// Slave is the durable identity of a worker. Operators edit it through the
// web front end; the coordinator only writes the live status columns.
type Slave struct {
	ID           int64        `gorm:"primaryKey"`
	Name         string       `gorm:"uniqueIndex;not null;size:255"`
	ProjectName  string       `gorm:"not null;default:'*';size:255"`
	TestType     string       `gorm:"not null;default:'*';size:255"`
	Priority     int          `gorm:"not null;default:10"`
	Active       bool         `gorm:"not null;default:true"`
	IPAddress    string       `gorm:"size:64"`
	Status       string       `gorm:"not null;default:'offline';size:32"`
	Capabilities []Capability `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Capability is one declared (name, version) tag of a slave.
type Capability struct {
	ID        int64  `gorm:"primaryKey"`
	SlaveID   int64  `gorm:"index;not null"`
	Name      string `gorm:"not null;size:255"`
	Version   string `gorm:"size:255"`
	CreatedAt time.Time
}

type AutomationDriverConfig struct {
	ID             int64  `gorm:"primaryKey"`
	DriverName     string `gorm:"not null;size:255"`
	ScriptMainPath string `gorm:"size:1024"`
	SourceControl  string `gorm:"size:64"`
	SCUsername     string `gorm:"size:255"`
	SCPassword     string `gorm:"size:255"`
	// SourcePaths is a JSON array of {"local": ..., "remote": ...}.
	SourcePaths string `gorm:"type:text"`
}

type AutomationScript struct {
	ID                       int64  `gorm:"primaryKey"`
	Name                     string `gorm:"not null;size:255"`
	TimeoutLimit             *int64
	AutomationDriverConfigID *int64
	AutomationDriverConfig   *AutomationDriverConfig
}

// TestRound carries the scheduling context of the scripts run in it.
type TestRound struct {
	ID              int64  `gorm:"primaryKey"`
	ProjectName     string `gorm:"not null;size:255"`
	TestType        string `gorm:"not null;size:255"`
	Environment     string `gorm:"size:255"`
	BranchName      string `gorm:"size:255"`
	Parameter       string `gorm:"type:text"`
	AssignedSlaveID int64  `gorm:"not null;default:0"`
	StartTime       *time.Time
}

type AutomationScriptResult struct {
	ID                 int64 `gorm:"primaryKey"`
	TestRoundID        int64 `gorm:"index;not null"`
	TestRound          TestRound
	AutomationScriptID int64 `gorm:"index;not null"`
	AutomationScript   AutomationScript
	StartTime          *time.Time
}

// SlaveAssignment is one scheduled run of a script result.
type SlaveAssignment struct {
	ID                       int64 `gorm:"primaryKey"`
	AutomationScriptResultID int64 `gorm:"index;not null"`
	AutomationScriptResult   AutomationScriptResult
	SlaveID                  *int64 `gorm:"index"`
	Status                   string `gorm:"not null;default:'pending';size:32;index"`
	OperationSystemName      string `gorm:"size:255"`
	BrowserName              string `gorm:"size:255"`
	BrowserVersion           string `gorm:"size:255"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}
