// Package agent is a reference slave: it registers with the coordinator,
// keeps the session alive and runs dispatched assignments as local
// commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mateo/testfarm/internal/protocol"
	"gopkg.in/yaml.v3"
)

// ErrUnauthorized means the coordinator does not know this slave's name.
var ErrUnauthorized = errors.New("slave is not registered with the farm")

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReconnectDelay    = 10 * time.Second
)

type Config struct {
	Name              string                `yaml:"name"`
	Server            string                `yaml:"server"`
	OperationSystem   *protocol.Capability  `yaml:"operationSystem,omitempty"`
	Drivers           []protocol.Capability `yaml:"drivers"`
	Browsers          []protocol.Capability `yaml:"browsers,omitempty"`
	VersionTools      []protocol.Capability `yaml:"versionTools,omitempty"`
	Command           []string              `yaml:"command"`
	WorkDir           string                `yaml:"workDir"`
	HeartbeatInterval time.Duration         `yaml:"heartbeatInterval"`
	ReconnectDelay    time.Duration         `yaml:"reconnectDelay"`
}

// LoadConfig reads a slave config file and fills in defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading slave config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing slave config: %w", err)
	}
	cfg.applyDefaults()
	if cfg.Name == "" {
		return cfg, errors.New("slave config: name is required")
	}
	if len(cfg.Command) == 0 {
		return cfg, errors.New("slave config: command is required")
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server == "" {
		c.Server = "127.0.0.1:9527"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.WorkDir = filepath.Join(home, "farm-workspace")
		} else {
			c.WorkDir = filepath.Join(os.TempDir(), "farm-workspace")
		}
	}
}

type job struct {
	cmd    *protocol.AutomationCommand
	cancel context.CancelFunc
}

type Agent struct {
	cfg      Config
	executor *Executor

	writeMu sync.Mutex
	w       io.Writer

	mu  sync.Mutex
	job *job
}

func New(cfg Config) *Agent {
	cfg.applyDefaults()
	return &Agent{cfg: cfg, executor: NewExecutor()}
}

// Run keeps a session with the coordinator until ctx is cancelled or the
// coordinator rejects the slave.
func (a *Agent) Run(ctx context.Context) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", a.cfg.Server)
		if err == nil {
			log.Printf("Connected to %s as [%s]", a.cfg.Server, a.cfg.Name)
			err = a.Serve(ctx, conn)
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("Session with %s ended: %v; retrying in %s", a.cfg.Server, err, a.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// Serve runs one session over conn. A running assignment outlives the
// session and reports on the next one.
func (a *Agent) Serve(ctx context.Context, conn net.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	a.setWriter(conn)
	defer a.setWriter(nil)

	if err := a.send(a.registration()); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	go a.heartbeat(sessCtx)

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if sessCtx.Err() != nil {
				return nil
			}
			return err
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
		case *protocol.AutomationCommand:
			a.start(ctx, m)
		case *protocol.StopSlave:
			a.stop()
		case *protocol.UnauthorizedSlave:
			log.Printf("Coordinator rejected slave [%s]", a.cfg.Name)
			return ErrUnauthorized
		default:
			log.Printf("Ignoring unexpected %s message", msg.Kind())
		}
	}
}

// Busy reports whether an assignment is running.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.job != nil
}

func (a *Agent) registration() *protocol.Register {
	reg := &protocol.Register{
		Name:            a.cfg.Name,
		OperationSystem: a.cfg.OperationSystem,
		Drivers:         a.cfg.Drivers,
		Browsers:        a.cfg.Browsers,
		VersionTools:    a.cfg.VersionTools,
		Status:          protocol.ClientIdle,
	}
	a.mu.Lock()
	if a.job != nil {
		reg.Status = "busy"
		reg.RequestedAssignmentID = a.job.cmd.AssignmentID
	}
	a.mu.Unlock()
	return reg
}

func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.send(&protocol.Heartbeat{}); err != nil {
				log.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Agent) start(parent context.Context, cmd *protocol.AutomationCommand) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.job != nil {
		log.Printf("Busy with assignment %d, ignoring assignment %d", a.job.cmd.AssignmentID, cmd.AssignmentID)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	j := &job{cmd: cmd, cancel: cancel}
	a.job = j
	go a.run(ctx, j)
}

func (a *Agent) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.job == nil {
		log.Printf("Stop requested with nothing running")
		return
	}
	log.Printf("Stopping assignment %d", a.job.cmd.AssignmentID)
	a.job.cancel()
}

func (a *Agent) run(ctx context.Context, j *job) {
	defer func() {
		j.cancel()
		a.mu.Lock()
		a.job = nil
		a.mu.Unlock()
	}()

	cmd := j.cmd
	log.Printf("Assignment %d: running %s (round %d)", cmd.AssignmentID, cmd.ScriptName, cmd.TestRoundID)
	a.report(cmd, protocol.ScriptRunning, "")

	if err := checkout(a.cfg.WorkDir, cmd.CheckoutPaths, cmd.VersionTool, cmd.BranchName, cmd.SCUsername, cmd.SCPassword); err != nil {
		log.Printf("Assignment %d: checkout failed: %v", cmd.AssignmentID, err)
		a.report(cmd, protocol.ScriptFailed, err.Error())
		return
	}

	result, err := a.executor.Execute(ctx, NewConstrainer(cmd.TimeoutLimit), ExecuteConfig{
		Args:    buildArgs(a.cfg.Command, cmd),
		WorkDir: a.cfg.WorkDir,
		EnvVars: commandEnv(cmd),
	})
	if err != nil {
		log.Printf("Assignment %d: %v", cmd.AssignmentID, err)
		a.report(cmd, protocol.ScriptFailed, err.Error())
		return
	}

	desc := fmt.Sprintf("exit code %d after %s", result.ExitCode, result.Duration.Truncate(time.Millisecond))
	log.Printf("Assignment %d: %s, %s", cmd.AssignmentID, result.Outcome, desc)
	a.report(cmd, string(result.Outcome), desc)
}

func (a *Agent) report(cmd *protocol.AutomationCommand, status, description string) {
	slaveStatus := "busy"
	if status != protocol.ScriptRunning {
		slaveStatus = protocol.ClientIdle
	}
	err := a.send(&protocol.ScriptStatus{
		RoundID:     cmd.TestRoundID,
		ScriptName:  cmd.ScriptName,
		SlaveStatus: slaveStatus,
		Status:      status,
		Description: description,
	})
	if err != nil {
		log.Printf("Assignment %d: reporting %s: %v", cmd.AssignmentID, status, err)
	}
}

func (a *Agent) setWriter(w io.Writer) {
	a.writeMu.Lock()
	a.w = w
	a.writeMu.Unlock()
}

var errNoSession = errors.New("no coordinator session")

func (a *Agent) send(msg protocol.Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.w == nil {
		return errNoSession
	}
	return protocol.WriteMessage(a.w, msg)
}
