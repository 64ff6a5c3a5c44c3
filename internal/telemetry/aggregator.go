// Package telemetry assembles the status snapshot: gateway tunnel state and
// traffic, VPN server peers, and per-service health. Traffic totals are
// reconciled against persisted state so they survive container restarts.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"hub-api/internal/engine"
	"hub-api/internal/profile"
)

const (
	StatusUp   = "up"
	StatusDown = "down"

	redacted = "[REDACTED]"
)

// GatewaySnapshot describes the VPN egress gateway. Total fields are all-time values.
type GatewaySnapshot struct {
	Status        string `json:"status"`
	Healthy       bool   `json:"healthy"`
	ActiveProfile string `json:"active_profile"`
	Endpoint      string `json:"endpoint"`
	PublicIP      string `json:"public_ip"`
	HandshakeAgo  string `json:"handshake_ago"`
	Interface     string `json:"interface"`
	SessionRX     uint64 `json:"session_rx"`
	SessionTX     uint64 `json:"session_tx"`
	TotalRX       uint64 `json:"total_rx"`
	TotalTX       uint64 `json:"total_tx"`
}

// PeerSnapshot describes the VPN server and its peers.
type PeerSnapshot struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	Connected int    `json:"connected"`
	SessionRX uint64 `json:"session_rx"`
	SessionTX uint64 `json:"session_tx"`
	TotalRX   uint64 `json:"total_rx"`
	TotalTX   uint64 `json:"total_tx"`
}

// Snapshot is the body of the status endpoint.
type Snapshot struct {
	Gateway       GatewaySnapshot   `json:"gluetun"`
	Peers         PeerSnapshot      `json:"wgeasy"`
	Services      map[string]string `json:"services"`
	HealthDetails map[string]string `json:"health_details"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// PublicSnapshot is the view served to unauthenticated callers.
type PublicSnapshot struct {
	Gateway struct {
		Status        string `json:"status"`
		Healthy       bool   `json:"healthy"`
		PublicIP      string `json:"public_ip"`
		ActiveProfile string `json:"active_profile"`
	} `json:"gluetun"`
	Peers struct {
		Status    string `json:"status"`
		Clients   int    `json:"clients"`
		Connected int    `json:"connected"`
	} `json:"wgeasy"`
	Services      map[string]string `json:"services"`
	HealthDetails map[string]string `json:"health_details"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// Redacted drops identity and usage fields.
func (s Snapshot) Redacted() PublicSnapshot {
	var out PublicSnapshot
	out.Gateway.Status = s.Gateway.Status
	out.Gateway.Healthy = s.Gateway.Healthy
	out.Gateway.PublicIP = redacted
	out.Gateway.ActiveProfile = redacted
	out.Peers.Status = s.Peers.Status
	out.Peers.Clients = s.Peers.Clients
	out.Peers.Connected = s.Peers.Connected
	out.Services = s.Services
	out.HealthDetails = s.HealthDetails
	out.GeneratedAt = s.GeneratedAt
	return out
}

// ActiveProfile reports the active profile without taking the activation lock.
type ActiveProfile interface {
	Current() (string, error)
	Target() string
}

// TunnelControl is the gateway control server.
type TunnelControl interface {
	TunnelStatus(ctx context.Context) (string, error)
	PublicIP(ctx context.Context) (string, error)
}

// Options wire an Aggregator.
type Options struct {
	Engine          Engine
	Gateway         string
	PeersContainer  string
	NetDev          *NetDevReader
	Peers           PeerSource
	Control         TunnelControl
	Health          *HealthChecker
	GatewayCounters *CounterStore
	PeerCounters    *CounterStore
	Active          ActiveProfile
	Logger          *slog.Logger
	Registerer      prometheus.Registerer
}

// Aggregator builds status snapshots. It only reads the active profile and never
// mutates it.
type Aggregator struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time
}

// New creates an aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Engine == nil || opts.NetDev == nil || opts.Peers == nil || opts.Health == nil {
		return nil, errors.New("telemetry: engine, netdev, peers and health are required")
	}
	if opts.GatewayCounters == nil || opts.PeerCounters == nil {
		return nil, errors.New("telemetry: counter stores are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		opts:    opts,
		logger:  logger.With("component", "telemetry"),
		metrics: newMetrics(opts.Registerer),
		now:     time.Now,
	}, nil
}

// Snapshot gathers gateway, peer and service state concurrently. Individual source
// failures degrade the affected fields and never fail the whole snapshot.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Gateway = a.gateway(gctx)
		return nil
	})
	g.Go(func() error {
		snap.Peers = a.peers(gctx)
		return nil
	})
	g.Go(func() error {
		snap.Services, snap.HealthDetails = a.opts.Health.Check(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	for name, detail := range snap.HealthDetails {
		snap.HealthDetails[name] = Sanitize(detail)
	}
	snap.GeneratedAt = a.now().UTC()
	a.metrics.observe(snap)
	return snap, nil
}

func (a *Aggregator) gateway(ctx context.Context) GatewaySnapshot {
	out := GatewaySnapshot{Status: StatusDown, HandshakeAgo: "Never"}
	if a.opts.Active != nil {
		name, err := a.opts.Active.Current()
		if err != nil {
			a.logger.Warn("read active profile", "error", err)
		}
		out.ActiveProfile = Sanitize(name)
		if target := a.opts.Active.Target(); name != "" && target != "" {
			if data, err := os.ReadFile(target); err == nil {
				out.Endpoint = Sanitize(profile.Endpoint(string(data)))
			}
		}
	}

	state, err := a.opts.Engine.State(ctx, a.opts.Gateway)
	if err != nil {
		if !errors.Is(err, engine.ErrNoContainer) {
			a.logger.Warn("inspect gateway", "error", err)
		}
		out.TotalRX, out.TotalTX = a.storedTotals(a.opts.GatewayCounters)
		return out
	}
	if state.Running {
		out.Status = StatusUp
	}
	out.Healthy = state.Condition() == engine.ConditionHealthy

	if a.opts.Control != nil && state.Running {
		if status, err := a.opts.Control.TunnelStatus(ctx); err == nil {
			out.Healthy = status == "running"
			if ip, err := a.opts.Control.PublicIP(ctx); err == nil {
				out.PublicIP = Sanitize(ip)
			}
		} else {
			a.logger.Debug("gateway control server unreachable", "error", err)
		}
	}

	if !state.Running {
		out.TotalRX, out.TotalTX = a.storedTotals(a.opts.GatewayCounters)
		return out
	}

	counters, iface, err := a.opts.NetDev.Read(ctx, state.Pid)
	if err != nil {
		a.logger.Warn("read gateway counters", "error", err)
		out.TotalRX, out.TotalTX = a.storedTotals(a.opts.GatewayCounters)
		return out
	}
	out.Interface = iface
	usage, err := a.opts.GatewayCounters.Update(counters)
	if err != nil {
		a.logger.Warn("persist gateway counters", "path", a.opts.GatewayCounters.Path(), "error", err)
	}
	out.SessionRX, out.SessionTX = usage.SessionRX, usage.SessionTX
	out.TotalRX, out.TotalTX = usage.AllTimeRX, usage.AllTimeTX

	// latest-handshakes only exists for WireGuard tunnels.
	if strings.HasPrefix(iface, "wg") {
		if raw, err := a.opts.Engine.Exec(ctx, a.opts.Gateway, "wg", "show", iface, "latest-handshakes"); err == nil {
			out.HandshakeAgo = formatAgo(latestHandshake(string(raw)), a.now())
		}
	}
	return out
}

func (a *Aggregator) peers(ctx context.Context) PeerSnapshot {
	out := PeerSnapshot{Status: StatusDown}
	if a.opts.PeersContainer != "" {
		state, err := a.opts.Engine.State(ctx, a.opts.PeersContainer)
		if err != nil || !state.Running {
			out.TotalRX, out.TotalTX = a.storedTotals(a.opts.PeerCounters)
			return out
		}
	}
	out.Status = StatusUp

	stats, err := a.opts.Peers.Peers(ctx)
	if err != nil {
		a.logger.Warn("read peer stats", "error", err)
		out.TotalRX, out.TotalTX = a.storedTotals(a.opts.PeerCounters)
		return out
	}
	out.Clients = stats.Clients
	out.Connected = stats.Connected
	usage, err := a.opts.PeerCounters.Update(stats.Counters)
	if err != nil {
		a.logger.Warn("persist peer counters", "path", a.opts.PeerCounters.Path(), "error", err)
	}
	out.SessionRX, out.SessionTX = usage.SessionRX, usage.SessionTX
	out.TotalRX, out.TotalTX = usage.AllTimeRX, usage.AllTimeTX
	return out
}

// storedTotals reports the all-time values without a fresh reading.
func (a *Aggregator) storedTotals(store *CounterStore) (uint64, uint64) {
	state, err := store.Load()
	if err != nil {
		a.logger.Warn("load counters", "path", store.Path(), "error", err)
		return 0, 0
	}
	return state.TotalRX + state.LastRX, state.TotalTX + state.LastTX
}
