package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mateo/testfarm/internal/protocol"
)

// Outcome is how a run ended, named the way slaves report it.
type Outcome string

const (
	OutcomeDone    Outcome = protocol.ScriptDone
	OutcomeFailed  Outcome = protocol.ScriptFailed
	OutcomeTimeout Outcome = protocol.ScriptTimeout
	OutcomeKilled  Outcome = protocol.ScriptKilled
)

type ExecuteConfig struct {
	Args    []string
	WorkDir string
	EnvVars map[string]string
}

type ExecuteResult struct {
	Outcome  Outcome
	ExitCode int
	Duration time.Duration
}

type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

// Execute runs cfg under the constrainer's limit. Cancelling ctx reports
// the run as killed; hitting the limit reports it as timed out.
func (e *Executor) Execute(ctx context.Context, c *Constrainer, cfg ExecuteConfig) (*ExecuteResult, error) {
	if len(cfg.Args) == 0 {
		return nil, errors.New("no command configured")
	}

	log.Printf("Executing: %v in %s", cfg.Args, cfg.WorkDir)

	execCtx, cancel := c.WithContext(ctx)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cfg.Args[0], cfg.Args[1:]...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range cfg.EnvVars {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	start := time.Now()
	err := cmd.Run()
	result := &ExecuteResult{Outcome: OutcomeDone, Duration: time.Since(start)}

	switch {
	case ctx.Err() != nil:
		result.Outcome = OutcomeKilled
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Outcome = OutcomeTimeout
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("execution error: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		result.Outcome = OutcomeFailed
	}
	return result, nil
}

// buildArgs expands placeholders in the configured command template.
func buildArgs(template []string, cmd *protocol.AutomationCommand) []string {
	r := strings.NewReplacer(
		"{script}", cmd.TestCasePath,
		"{script_name}", cmd.ScriptName,
		"{driver}", cmd.Driver,
		"{round}", strconv.FormatInt(cmd.TestRoundID, 10),
		"{parameter}", cmd.Parameter,
		"{environment}", cmd.Environment,
		"{browser}", cmd.BrowserName,
	)
	args := make([]string, len(template))
	for i, a := range template {
		args[i] = r.Replace(a)
	}
	return args
}

// commandEnv exposes the assignment to the test process.
func commandEnv(cmd *protocol.AutomationCommand) map[string]string {
	env := map[string]string{
		"FARM_ROUND_ID":      strconv.FormatInt(cmd.TestRoundID, 10),
		"FARM_ASSIGNMENT_ID": strconv.FormatInt(cmd.AssignmentID, 10),
		"FARM_SCRIPT_NAME":   cmd.ScriptName,
		"FARM_SCRIPT_PATH":   cmd.TestCasePath,
		"FARM_DRIVER":        cmd.Driver,
		"FARM_TEST_TYPE":     cmd.TestType,
		"FARM_ENVIRONMENT":   cmd.Environment,
		"FARM_PARAMETER":     cmd.Parameter,
		"FARM_BRANCH":        cmd.BranchName,
	}
	if cmd.BrowserName != "" {
		env["FARM_BROWSER"] = cmd.BrowserName
		env["FARM_BROWSER_VERSION"] = cmd.BrowserVersion
	}
	return env
}
