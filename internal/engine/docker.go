// Package engine drives the container engine (the docker CLI and compose plugin)
// with bounded, individually time-limited calls.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultCallTimeout    = 30 * time.Second
	defaultComposeTimeout = 10 * time.Minute
)

// Options configure a Docker engine client. CallTimeout bounds quick calls
// (inspect, exec, ps, stats, stop). ComposeTimeout bounds image pulls, builds and
// recreations, which otherwise run under the caller's deadline.
type Options struct {
	Binary         string
	ComposeFile    string
	Prefix         string
	CallTimeout    time.Duration
	ComposeTimeout time.Duration
	Runner         CommandRunner
}

// Docker talks to the local engine through its CLI.
type Docker struct {
	binary         string
	composeFile    string
	prefix         string
	timeout        time.Duration
	composeTimeout time.Duration
	runner         CommandRunner
}

// NewDocker creates an engine client. Zero options fall back to defaults.
func NewDocker(opts Options) *Docker {
	d := &Docker{
		binary:         strings.TrimSpace(opts.Binary),
		composeFile:    strings.TrimSpace(opts.ComposeFile),
		prefix:         opts.Prefix,
		timeout:        opts.CallTimeout,
		composeTimeout: opts.ComposeTimeout,
		runner:         opts.Runner,
	}
	if d.binary == "" {
		d.binary = "docker"
	}
	if d.timeout <= 0 {
		d.timeout = defaultCallTimeout
	}
	if d.composeTimeout <= 0 {
		d.composeTimeout = defaultComposeTimeout
	}
	if d.runner == nil {
		d.runner = ExecRunner{}
	}
	return d
}

// ContainerName maps a compose service name onto its container name.
func (d *Docker) ContainerName(service string) string {
	if d.prefix != "" && strings.HasPrefix(service, d.prefix) {
		return service
	}
	return d.prefix + service
}

// Prefix returns the container name prefix.
func (d *Docker) Prefix() string {
	return d.prefix
}

func (d *Docker) run(ctx context.Context, label string, args ...string) ([]byte, error) {
	return d.runWithin(ctx, d.timeout, label, args...)
}

// runCompose is run for long compose operations. An earlier caller deadline wins.
func (d *Docker) runCompose(ctx context.Context, label string, args ...string) ([]byte, error) {
	return d.runWithin(ctx, d.composeTimeout, label, args...)
}

func (d *Docker) runWithin(ctx context.Context, timeout time.Duration, label string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := d.runner.Output(ctx, "", d.binary, args...)
	return out, CommandError(ctx, label, out, err)
}

// State inspects a container. An unknown container yields ErrNoContainer.
func (d *Docker) State(ctx context.Context, service string) (ContainerState, error) {
	name := d.ContainerName(service)
	out, err := d.run(ctx, "inspect "+name, "inspect", "--format", "{{json .State}}", name)
	if err != nil {
		if isNoSuchObject(err.Error()) {
			return ContainerState{}, fmt.Errorf("%w: %s", ErrNoContainer, name)
		}
		return ContainerState{}, err
	}
	var state ContainerState
	if err := json.Unmarshal(lastJSONLine(out), &state); err != nil {
		return ContainerState{}, fmt.Errorf("%w: decode state of %s: %v", ErrUpstream, name, err)
	}
	return state, nil
}

// Stop stops the given services, ignoring containers that do not exist.
func (d *Docker) Stop(ctx context.Context, services ...string) error {
	if len(services) == 0 {
		return nil
	}
	args := []string{"stop"}
	for _, svc := range services {
		args = append(args, d.ContainerName(svc))
	}
	_, err := d.run(ctx, "stop", args...)
	if err != nil && isNoSuchObject(err.Error()) {
		return nil
	}
	return err
}

// Recreate force-recreates compose services without touching their dependencies.
func (d *Docker) Recreate(ctx context.Context, services ...string) error {
	if len(services) == 0 {
		return nil
	}
	args := append(d.composeArgs(), "up", "-d", "--force-recreate", "--no-deps")
	args = append(args, services...)
	_, err := d.runCompose(ctx, "compose up --force-recreate", args...)
	return err
}

// Pull pulls the images of one compose service.
func (d *Docker) Pull(ctx context.Context, service string) error {
	args := append(d.composeArgs(), "pull", service)
	_, err := d.runCompose(ctx, "compose pull "+service, args...)
	return err
}

// Build rebuilds and starts one compose service.
func (d *Docker) Build(ctx context.Context, service string) error {
	args := append(d.composeArgs(), "up", "-d", "--build", service)
	_, err := d.runCompose(ctx, "compose up --build "+service, args...)
	return err
}

// Exec runs a command inside a running container and returns its output.
func (d *Docker) Exec(ctx context.Context, service string, cmd ...string) ([]byte, error) {
	name := d.ContainerName(service)
	args := append([]string{"exec", name}, cmd...)
	return d.run(ctx, "exec "+name, args...)
}

// List returns every container, keyed by its unprefixed name.
func (d *Docker) List(ctx context.Context) (map[string]Container, error) {
	out, err := d.run(ctx, "ps", "ps", "-a", "--no-trunc", "--format", "{{.Names}}\t{{.ID}}\t{{.Labels}}")
	if err != nil {
		return nil, err
	}
	return parseContainerList(string(out), d.prefix), nil
}

// Stats samples CPU and memory of running containers once.
func (d *Docker) Stats(ctx context.Context) ([]ContainerStats, error) {
	out, err := d.run(ctx, "stats", "stats", "--no-stream", "--format", "{{.Name}}\t{{.CPUPerc}}\t{{.MemUsage}}")
	if err != nil {
		return nil, err
	}
	return parseStats(string(out), d.prefix), nil
}

// RestartStack schedules a full compose restart after delay and returns immediately.
func (d *Docker) RestartStack(delay time.Duration) error {
	seconds := int(delay.Round(time.Second) / time.Second)
	script := fmt.Sprintf("sleep %s && %s compose -f %s restart",
		strconv.Itoa(seconds), d.binary, shellQuote(d.composeFile))
	return d.runner.Detach("/bin/sh", "-c", script)
}

func (d *Docker) composeArgs() []string {
	args := []string{"compose"}
	if d.composeFile != "" {
		args = append(args, "-f", d.composeFile)
	}
	return args
}

func isNoSuchObject(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such object") || strings.Contains(lower, "no such container")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
