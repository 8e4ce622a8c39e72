// Package preflight verifies the server environment before it starts
// accepting sessions: the agent binary must be launchable and the state
// directory writable, or every turn would fail at runtime instead.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hatch-run/hatch/pkg/log"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents startup
	LevelError CheckLevel = iota
	// LevelWarn indicates a problem that should be addressed but doesn't block startup
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string     // Check name
	Level   CheckLevel // Severity level
	Message string     // Human-readable message
	Error   error      // Underlying error (if any)
}

// Check represents a single preflight check
type Check interface {
	// Name returns the check name
	Name() string
	// Run executes the check and returns a CheckResult
	Run(ctx context.Context) CheckResult
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	skipped bool
}

// Config configures the preflight checker
type Config struct {
	// Skip skips all preflight checks
	Skip bool
	// AgentCommand is the agent CLI binary the server will spawn
	AgentCommand string
	// StateDir is the directory holding session state
	StateDir string
}

// NewChecker creates a new preflight checker with the given configuration
func NewChecker(cfg Config) *Checker {
	c := &Checker{skipped: cfg.Skip}
	if cfg.AgentCommand != "" {
		c.checks = append(c.checks, &AgentCheck{Command: cfg.AgentCommand})
	}
	if cfg.StateDir != "" {
		c.checks = append(c.checks, &StateDirCheck{Path: cfg.StateDir})
	}
	return c
}

// Run executes all registered checks and returns an error if any critical checks fail
func (c *Checker) Run(ctx context.Context) error {
	if c.skipped {
		log.Info("preflight checks skipped")
		return nil
	}

	var errs []string
	for _, check := range c.checks {
		result := check.Run(ctx)
		switch result.Level {
		case LevelError:
			log.Error("preflight check failed", "check", result.Name, "message", result.Message)
			if result.Error != nil {
				errs = append(errs, result.Error.Error())
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", result.Name, result.Message))
			}
		case LevelWarn:
			log.Warn("preflight check warning", "check", result.Name, "message", result.Message)
		case LevelInfo:
			log.Debug("preflight check", "check", result.Name, "message", result.Message)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AgentCheck checks that the agent binary can be launched
type AgentCheck struct {
	Command string
}

func (c *AgentCheck) Name() string {
	return "agent"
}

func (c *AgentCheck) Run(ctx context.Context) CheckResult {
	if strings.ContainsRune(c.Command, os.PathSeparator) {
		info, err := os.Stat(c.Command)
		if err != nil {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelError,
				Message: fmt.Sprintf("agent binary not found at %s", c.Command),
				Error:   fmt.Errorf("agent binary %s: %w", c.Command, err),
			}
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelError,
				Message: fmt.Sprintf("agent path %s is not an executable file", c.Command),
				Error:   fmt.Errorf("agent path %s is not executable", c.Command),
			}
		}
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelInfo,
			Message: fmt.Sprintf("agent binary found at %s", c.Command),
		}
	}

	path, err := exec.LookPath(c.Command)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("agent command %q not found in PATH", c.Command),
			Error:   fmt.Errorf("agent command %q not found in PATH", c.Command),
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("agent command resolved to %s", path),
	}
}

// StateDirCheck checks that the state directory exists and is writable
type StateDirCheck struct {
	Path string
}

func (c *StateDirCheck) Name() string {
	return "state-dir"
}

func (c *StateDirCheck) Run(ctx context.Context) CheckResult {
	if err := os.MkdirAll(c.Path, 0755); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot create state directory %s", c.Path),
			Error:   fmt.Errorf("create state directory %s: %w", c.Path, err),
		}
	}

	// Write test to catch read-only mounts and permission problems early.
	testFile := filepath.Join(c.Path, fmt.Sprintf(".hatch-write-test-%d", os.Getpid()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("state directory %s is not writable", c.Path),
			Error:   fmt.Errorf("state directory %s is not writable: %w", c.Path, err),
		}
	}
	f.Close()
	_ = os.Remove(testFile)

	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("state directory is writable: %s", c.Path),
	}
}
