// Package migrate runs the external per-service database maintenance script.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
)

// Action is a maintenance operation understood by the script.
type Action string

const (
	ActionMigrate   Action = "migrate"
	ActionClear     Action = "clear"
	ActionClearLogs Action = "clear-logs"
	ActionVacuum    Action = "vacuum"
	ActionBackup    Action = "backup"
)

var (
	// ErrInvalidAction is returned for actions the script does not implement.
	ErrInvalidAction = errors.New("invalid maintenance action")
	// ErrInvalidService is returned for service names that are not plain identifiers.
	ErrInvalidService = errors.New("invalid service name")
)

var servicePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.TrimSpace(raw)); a {
	case ActionMigrate, ActionClear, ActionClearLogs, ActionVacuum, ActionBackup:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
}

// Result is the outcome of one script run.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Recorder receives user-facing event log entries.
type Recorder interface {
	Record(level eventlog.Level, category eventlog.Category, message string)
}

// Executor runs the maintenance script.
type Executor struct {
	script  string
	timeout time.Duration
	runner  engine.CommandRunner
	events  Recorder
	logger  *slog.Logger
}

// NewExecutor creates an executor for script.
func NewExecutor(script string, timeout time.Duration, runner engine.CommandRunner, events Recorder, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if runner == nil {
		runner = engine.ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{script: script, timeout: timeout, runner: runner, events: events, logger: logger}
}

// Run executes `<script> <service> <action> [yes|no]`. The backup flag is passed
// for the destructive actions only. Failures carry the script output and wrap
// engine.ErrUpstream or engine.ErrTimeout. The script runs to completion or to the
// executor timeout regardless of ctx cancellation.
func (e *Executor) Run(ctx context.Context, service string, action Action, backup bool) (Result, error) {
	if !servicePattern.MatchString(service) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	if _, err := ParseAction(string(action)); err != nil {
		return Result{}, err
	}

	args := []string{service, string(action)}
	if action == ActionMigrate || action == ActionClear {
		if backup {
			args = append(args, "yes")
		} else {
			args = append(args, "no")
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	started := time.Now()
	out, err := e.runner.Output(ctx, "", e.script, args...)
	output := strings.TrimSpace(string(out))
	if err = engine.CommandError(ctx, string(action)+" "+service, out, err); err != nil {
		e.record(eventlog.LevelError, "%s for %s failed: %v", action, service, err)
		e.logger.Error("maintenance failed", "service", service, "action", action, "error", err)
		return Result{Success: false, Output: output}, err
	}
	e.record(eventlog.LevelInfo, "%s for %s completed", action, service)
	e.logger.Info("maintenance completed", "service", service, "action", action, "duration", time.Since(started))
	return Result{Success: true, Output: output}, nil
}

func (e *Executor) record(level eventlog.Level, format string, args ...any) {
	if e.events == nil {
		return
	}
	e.events.Record(level, eventlog.CategoryMaintenance, fmt.Sprintf(format, args...))
}
