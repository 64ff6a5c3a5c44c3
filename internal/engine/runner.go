package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrUpstream marks a failed subprocess or engine call. The wrapped message
	// carries the captured output.
	ErrUpstream = errors.New("upstream command failed")
	// ErrTimeout marks a subprocess that exceeded its deadline.
	ErrTimeout = errors.New("upstream command timed out")
	// ErrNoContainer is returned when the engine does not know the container.
	ErrNoContainer = errors.New("no such container")
)

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	// Output runs name with args in dir (empty for the current directory) and
	// returns combined stdout and stderr.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// Detach starts name without waiting for it to finish.
	Detach(name string, args ...string) error
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

func (ExecRunner) Detach(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait() //nolint:errcheck // reap the child, its result is not observed
	return nil
}

// CommandError classifies a finished command into ErrTimeout or ErrUpstream,
// keeping the captured output as diagnostic text. It returns nil when err is nil.
func CommandError(ctx context.Context, label string, out []byte, err error) error {
	if err == nil {
		return nil
	}
	detail := strings.TrimSpace(string(out))
	if detail == "" {
		detail = err.Error()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %s", ErrTimeout, label, detail)
	}
	return fmt.Errorf("%w: %s: %s", ErrUpstream, label, detail)
}
