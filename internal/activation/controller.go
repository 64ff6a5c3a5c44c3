// Package activation switches the active VPN profile and restarts the gateway and
// the containers routed through it. At most one switch or delete runs at a time and
// a contending caller fails immediately instead of queueing.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
	"hub-api/internal/profile"
)

var (
	// ErrConflict is returned when another activation or delete holds the lock.
	ErrConflict = errors.New("another profile operation is in progress")
	// ErrActiveProfile is returned when deleting the profile that is currently active.
	ErrActiveProfile = errors.New("profile is currently active")
)

// Phase names the step an activation is executing.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseActivating           Phase = "activating"
	PhaseStoppingDependents   Phase = "stopping_dependents"
	PhaseRecreatingGateway    Phase = "recreating_gateway"
	PhaseWaitingHealthy       Phase = "waiting_healthy"
	PhaseRestartingDependents Phase = "restarting_dependents"
	PhaseDeleting             Phase = "deleting"
)

var allPhases = []Phase{
	PhaseIdle, PhaseActivating, PhaseStoppingDependents, PhaseRecreatingGateway,
	PhaseWaitingHealthy, PhaseRestartingDependents, PhaseDeleting,
}

// Profiles is the subset of the profile store the controller needs.
type Profiles interface {
	Lookup(name string) (string, error)
	Delete(name string) error
}

// Engine is the subset of the container engine the controller needs.
type Engine interface {
	State(ctx context.Context, service string) (engine.ContainerState, error)
	Stop(ctx context.Context, services ...string) error
	Recreate(ctx context.Context, services ...string) error
}

// Recorder receives user-facing event log entries.
type Recorder interface {
	Record(level eventlog.Level, category eventlog.Category, message string)
}

// Options configure a Controller.
type Options struct {
	Lock           *Lock
	State          *ActiveState
	Profiles       Profiles
	Engine         Engine
	Gateway        string
	Dependents     []string
	HealthAttempts int
	HealthInterval time.Duration
	Events         Recorder
	Logger         *slog.Logger
	Registerer     prometheus.Registerer
}

// Result describes a finished activation. StepErrors lists best-effort steps that
// failed without aborting the sequence.
type Result struct {
	Profile        string   `json:"profile"`
	RunID          string   `json:"run_id"`
	GatewayHealthy bool     `json:"gateway_healthy"`
	StepErrors     []string `json:"warnings,omitempty"`
}

// Controller serializes mutations of the active profile.
type Controller struct {
	lock       *Lock
	state      *ActiveState
	profiles   Profiles
	engine     Engine
	gateway    string
	dependents []string
	attempts   int
	interval   time.Duration
	events     Recorder
	logger     *slog.Logger

	phase       atomic.Value
	runs        *prometheus.CounterVec
	phaseGauge  *prometheus.GaugeVec
	healthWaits prometheus.Histogram
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Lock == nil || opts.State == nil || opts.Profiles == nil || opts.Engine == nil {
		return nil, errors.New("activation: lock, state, profiles and engine are required")
	}
	if opts.Gateway == "" {
		return nil, errors.New("activation: gateway service is required")
	}
	if opts.HealthAttempts <= 0 {
		opts.HealthAttempts = 30
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	factory := promauto.With(opts.Registerer)
	c := &Controller{
		lock:       opts.Lock,
		state:      opts.State,
		profiles:   opts.Profiles,
		engine:     opts.Engine,
		gateway:    opts.Gateway,
		dependents: append([]string(nil), opts.Dependents...),
		attempts:   opts.HealthAttempts,
		interval:   opts.HealthInterval,
		events:     opts.Events,
		logger:     opts.Logger,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_activations_total",
			Help: "Profile activations by outcome.",
		}, []string{"result"}),
		phaseGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hub_activation_phase",
			Help: "1 for the phase the activation controller is in.",
		}, []string{"phase"}),
		healthWaits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_gateway_health_wait_seconds",
			Help:    "Time spent waiting for the gateway to report healthy after recreation.",
			Buckets: prometheus.LinearBuckets(1, 3, 10),
		}),
	}
	c.setPhase(PhaseIdle)
	return c, nil
}

// Phase returns the step currently executing.
func (c *Controller) Phase() Phase {
	return c.phase.Load().(Phase)
}

// Active returns the active profile name, or "" when none is consistently set.
func (c *Controller) Active() (string, error) {
	return c.state.Current()
}

// Activate makes name the active profile and restarts the gateway and its
// dependents. The restart steps are best effort and never rolled back. Once
// started, a run ignores cancellation of ctx so a disconnecting caller cannot
// leave the dependents stopped.
func (c *Controller) Activate(ctx context.Context, name string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	release, ok, err := c.lock.TryAcquire()
	if err != nil {
		c.runs.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if !ok {
		c.runs.WithLabelValues("conflict").Inc()
		return Result{}, ErrConflict
	}
	defer release()
	defer c.setPhase(PhaseIdle)

	c.setPhase(PhaseActivating)
	resolved := profile.Sanitize(name)
	path, err := c.profiles.Lookup(resolved)
	if err != nil {
		c.runs.WithLabelValues("not_found").Inc()
		return Result{}, err
	}

	result := Result{Profile: resolved, RunID: uuid.NewString()}
	log := c.logger.With("run_id", result.RunID, "profile", resolved)

	if err := c.state.Point(path, resolved); err != nil {
		c.runs.WithLabelValues("error").Inc()
		c.record(eventlog.LevelError, "[%s] failed to switch active profile to %s: %v", result.RunID, resolved, err)
		return Result{}, fmt.Errorf("switch active profile: %w", err)
	}
	c.record(eventlog.LevelInfo, "[%s] active profile set to %s", result.RunID, resolved)

	c.setPhase(PhaseStoppingDependents)
	if err := c.engine.Stop(ctx, c.dependents...); err != nil {
		result.StepErrors = append(result.StepErrors, "stop dependents: "+err.Error())
		log.Warn("stopping dependents failed", "error", err)
	}

	c.setPhase(PhaseRecreatingGateway)
	if err := c.engine.Recreate(ctx, c.gateway); err != nil {
		result.StepErrors = append(result.StepErrors, "recreate gateway: "+err.Error())
		log.Error("recreating gateway failed", "error", err)
		c.record(eventlog.LevelError, "[%s] gateway recreation failed: %v", result.RunID, err)
	}

	c.setPhase(PhaseWaitingHealthy)
	started := time.Now()
	result.GatewayHealthy = c.waitHealthy(ctx) == nil
	c.healthWaits.Observe(time.Since(started).Seconds())
	if !result.GatewayHealthy {
		log.Warn("gateway not healthy after polling, continuing", "attempts", c.attempts)
		c.record(eventlog.LevelWarn, "[%s] gateway did not report healthy after %d checks, restarting dependents anyway", result.RunID, c.attempts)
	}

	c.setPhase(PhaseRestartingDependents)
	if err := c.engine.Recreate(ctx, c.dependents...); err != nil {
		result.StepErrors = append(result.StepErrors, "recreate dependents: "+err.Error())
		log.Error("recreating dependents failed", "error", err)
		c.record(eventlog.LevelError, "[%s] dependent restart failed: %v", result.RunID, err)
	}

	outcome := "success"
	if len(result.StepErrors) > 0 {
		outcome = "partial"
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.record(eventlog.LevelInfo, "[%s] activation of %s finished (%s)", result.RunID, resolved, outcome)
	log.Info("activation finished", "outcome", outcome, "gateway_healthy", result.GatewayHealthy)
	return result, nil
}

// Delete removes a stored profile under the activation lock. The active profile
// cannot be deleted.
func (c *Controller) Delete(_ context.Context, name string) error {
	release, ok, err := c.lock.TryAcquire()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	defer release()
	defer c.setPhase(PhaseIdle)
	c.setPhase(PhaseDeleting)

	resolved := profile.Sanitize(name)
	active, err := c.state.Current()
	if err != nil {
		return fmt.Errorf("read active profile: %w", err)
	}
	if resolved != "" && resolved == active {
		return fmt.Errorf("%w: %s", ErrActiveProfile, resolved)
	}
	if err := c.profiles.Delete(resolved); err != nil {
		return err
	}
	c.record(eventlog.LevelInfo, "profile %s deleted", resolved)
	return nil
}

func (c *Controller) waitHealthy(ctx context.Context) error {
	check := func() error {
		state, err := c.engine.State(ctx, c.gateway)
		if err != nil {
			return err
		}
		switch state.Condition() {
		case engine.ConditionHealthy, engine.ConditionUp:
			return nil
		default:
			return fmt.Errorf("gateway is %s", state.Condition())
		}
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.interval), uint64(c.attempts-1)),
		ctx,
	)
	return backoff.Retry(check, policy)
}

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(p)
	for _, candidate := range allPhases {
		value := 0.0
		if candidate == p {
			value = 1
		}
		c.phaseGauge.WithLabelValues(string(candidate)).Set(value)
	}
}

func (c *Controller) record(level eventlog.Level, format string, args ...any) {
	if c.events == nil {
		return
	}
	c.events.Record(level, eventlog.CategoryOrchestration, fmt.Sprintf(format, args...))
}
