// Package store persists slaves and assignments through gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mateo/testfarm/internal/protocol"
	"github.com/mateo/testfarm/internal/queue"
	"github.com/mateo/testfarm/internal/registry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Open connects to a sqlite or postgres database.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	return db, nil
}

type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// ResetSlaves marks every slave offline. Run once at startup, before any
// slave can connect.
func (s *GormStore) ResetSlaves(ctx context.Context) error {
	err := s.db.WithContext(ctx).Model(&Slave{}).Where("1 = 1").
		Updates(map[string]any{"status": string(registry.StatusOffline), "ip_address": ""}).Error
	if err != nil {
		return fmt.Errorf("resetting slaves: %w", err)
	}
	return nil
}

func (s *GormStore) SlaveByName(ctx context.Context, name string) (*registry.Slave, error) {
	var rec Slave
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error; err != nil {
		return nil, notFound(err, "slave %q", name)
	}
	return toRegistrySlave(&rec), nil
}

func (s *GormStore) SlaveByID(ctx context.Context, id int64) (*registry.Slave, error) {
	var rec Slave
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, notFound(err, "slave %d", id)
	}
	return toRegistrySlave(&rec), nil
}

// SaveSlave writes the live status columns of sl.
func (s *GormStore) SaveSlave(ctx context.Context, sl *registry.Slave) error {
	err := s.db.WithContext(ctx).Model(&Slave{ID: sl.ID}).
		Updates(map[string]any{"status": string(sl.Status), "ip_address": sl.IPAddress}).Error
	if err != nil {
		return fmt.Errorf("saving slave %s: %w", sl.Name, err)
	}
	return nil
}

// ReplaceCapabilities swaps the stored capability rows of a slave.
func (s *GormStore) ReplaceCapabilities(ctx context.Context, slaveID int64, caps []protocol.Capability) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("slave_id = ?", slaveID).Delete(&Capability{}).Error; err != nil {
			return fmt.Errorf("clearing capabilities: %w", err)
		}
		if len(caps) == 0 {
			return nil
		}
		rows := make([]Capability, len(caps))
		for i, c := range caps {
			rows[i] = Capability{SlaveID: slaveID, Name: c.Name, Version: c.Version}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("storing capabilities: %w", err)
		}
		return nil
	})
}

// CreateSlave adds a durable slave identity and returns its id.
func (s *GormStore) CreateSlave(ctx context.Context, name string, attrs registry.Attributes) (int64, error) {
	rec := Slave{
		Name:        name,
		ProjectName: attrs.ProjectName,
		TestType:    attrs.TestType,
		Priority:    attrs.Priority,
		Active:      true,
		Status:      string(registry.StatusOffline),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("creating slave %q: %w", name, err)
	}
	if !attrs.Active {
		// gorm substitutes the column default for a false bool on insert.
		if err := s.UpdateSlave(ctx, rec.ID, name, attrs); err != nil {
			return 0, err
		}
	}
	return rec.ID, nil
}

// UpdateSlave rewrites the operator-owned columns of a slave.
func (s *GormStore) UpdateSlave(ctx context.Context, id int64, name string, attrs registry.Attributes) error {
	res := s.db.WithContext(ctx).Model(&Slave{ID: id}).Updates(map[string]any{
		"name":         name,
		"project_name": attrs.ProjectName,
		"test_type":    attrs.TestType,
		"priority":     attrs.Priority,
		"active":       attrs.Active,
	})
	if res.Error != nil {
		return fmt.Errorf("updating slave %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("slave %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) DeleteSlave(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("slave_id = ?", id).Delete(&Capability{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Slave{}, id).Error
	})
}

// UnfinishedAssignments loads pending, then assigned, then running
// assignments, each group in id order.
func (s *GormStore) UnfinishedAssignments(ctx context.Context) ([]*queue.Assignment, error) {
	var out []*queue.Assignment
	for _, status := range []queue.Status{queue.StatusPending, queue.StatusAssigned, queue.StatusRunning} {
		var recs []SlaveAssignment
		if err := s.withAssignmentGraph(ctx).Where("status = ?", string(status)).Order("id").Find(&recs).Error; err != nil {
			return nil, fmt.Errorf("loading %s assignments: %w", status, err)
		}
		for i := range recs {
			a, err := toAssignment(&recs[i])
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *GormStore) Assignment(ctx context.Context, id int64) (*queue.Assignment, error) {
	var rec SlaveAssignment
	if err := s.withAssignmentGraph(ctx).First(&rec, id).Error; err != nil {
		return nil, notFound(err, "assignment %d", id)
	}
	return toAssignment(&rec)
}

// AssignmentStatus reads the current stored status, which the web front
// end may have changed underneath the coordinator.
func (s *GormStore) AssignmentStatus(ctx context.Context, id int64) (queue.Status, error) {
	var rec SlaveAssignment
	if err := s.db.WithContext(ctx).Select("id", "status").First(&rec, id).Error; err != nil {
		return "", notFound(err, "assignment %d", id)
	}
	return queue.Status(rec.Status), nil
}

// SaveAssignment writes status, binding and the timeout baseline.
func (s *GormStore) SaveAssignment(ctx context.Context, a *queue.Assignment) error {
	var slaveID any
	if a.SlaveID != 0 {
		slaveID = a.SlaveID
	}
	err := s.db.WithContext(ctx).Model(&SlaveAssignment{ID: a.ID}).Updates(map[string]any{
		"status":     string(a.Status),
		"slave_id":   slaveID,
		"updated_at": a.UpdatedAt,
	}).Error
	if err != nil {
		return fmt.Errorf("saving assignment %d: %w", a.ID, err)
	}
	return nil
}

// MarkStarted stamps the script result and its round with a start time,
// leaving existing stamps alone.
func (s *GormStore) MarkStarted(ctx context.Context, a *queue.Assignment, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AutomationScriptResult{}).
			Where("id = ? AND start_time IS NULL", a.ResultID).
			Update("start_time", at).Error; err != nil {
			return fmt.Errorf("stamping result start: %w", err)
		}
		if err := tx.Model(&TestRound{}).
			Where("id = ? AND start_time IS NULL", a.RoundID).
			Update("start_time", at).Error; err != nil {
			return fmt.Errorf("stamping round start: %w", err)
		}
		return nil
	})
}

func (s *GormStore) withAssignmentGraph(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Preload("AutomationScriptResult.TestRound").
		Preload("AutomationScriptResult.AutomationScript.AutomationDriverConfig")
}

func toRegistrySlave(rec *Slave) *registry.Slave {
	return &registry.Slave{
		ID:          rec.ID,
		Name:        rec.Name,
		ProjectName: rec.ProjectName,
		TestType:    rec.TestType,
		Priority:    rec.Priority,
		Active:      rec.Active,
		Status:      registry.StatusOffline,
	}
}

func toAssignment(rec *SlaveAssignment) (*queue.Assignment, error) {
	result := rec.AutomationScriptResult
	round := result.TestRound
	script := result.AutomationScript

	a := &queue.Assignment{
		ID:              rec.ID,
		ResultID:        result.ID,
		Status:          queue.Status(rec.Status),
		RoundID:         round.ID,
		ScriptName:      script.Name,
		ProjectName:     round.ProjectName,
		TestType:        round.TestType,
		Environment:     round.Environment,
		BranchName:      round.BranchName,
		Parameter:       round.Parameter,
		TargetSlaveID:   round.AssignedSlaveID,
		OperationSystem: rec.OperationSystemName,
		BrowserName:     rec.BrowserName,
		BrowserVersion:  rec.BrowserVersion,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.SlaveID != nil {
		a.SlaveID = *rec.SlaveID
	}
	if script.TimeoutLimit != nil {
		a.TimeoutLimit = *script.TimeoutLimit
	}

	if cfg := script.AutomationDriverConfig; cfg != nil {
		a.Driver = cfg.DriverName
		a.ScriptPath = cfg.ScriptMainPath
		a.VersionTool = cfg.SourceControl
		a.SCUsername = cfg.SCUsername
		a.SCPassword = cfg.SCPassword
		if cfg.SourcePaths != "" {
			if err := json.Unmarshal([]byte(cfg.SourcePaths), &a.CheckoutPaths); err != nil {
				return nil, fmt.Errorf("assignment %d: parsing source paths: %w", rec.ID, err)
			}
		}
	}
	return a, nil
}

func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("loading %s: %w", what, err)
}
