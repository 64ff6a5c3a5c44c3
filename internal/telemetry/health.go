package telemetry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hub-api/internal/catalog"
	"hub-api/internal/engine"
)

// Dialer opens TCP connections for reachability probes.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// HealthChecker derives a health condition for every service in the roster.
type HealthChecker struct {
	catalog      *catalog.Catalog
	engine       Engine
	prefix       string
	gateway      string
	probeTimeout time.Duration
	dial         Dialer
	limit        int
}

// NewHealthChecker creates a checker. gateway is the gateway's service name and
// prefix the container name prefix used to build probe hosts.
func NewHealthChecker(cat *catalog.Catalog, eng Engine, prefix, gateway string, probeTimeout time.Duration) *HealthChecker {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	dialer := &net.Dialer{}
	return &HealthChecker{
		catalog:      cat,
		engine:       eng,
		prefix:       prefix,
		gateway:      gateway,
		probeTimeout: probeTimeout,
		dial:         dialer.DialContext,
		limit:        8,
	}
}

// Check returns the condition of every service and, for unhealthy ones, the output
// of their last healthcheck.
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, map[string]string) {
	services := h.catalog.Services()
	states := make(map[string]string, len(services))
	details := make(map[string]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.limit)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			condition, detail := h.checkOne(gctx, svc)
			mu.Lock()
			states[svc.Name] = condition
			if detail != "" {
				details[svc.Name] = detail
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return states, details
}

func (h *HealthChecker) checkOne(ctx context.Context, svc catalog.Service) (string, string) {
	state, err := h.engine.State(ctx, svc.ContainerName())
	condition := state.Condition()
	absent := false
	switch {
	case errors.Is(err, engine.ErrNoContainer):
		condition = engine.ConditionDown
		absent = true
	case err != nil:
		return engine.ConditionUnknown, ""
	}

	var detail string
	if condition == engine.ConditionUnhealthy {
		detail = state.LastHealthOutput()
	}
	if absent || condition == engine.ConditionUnhealthy || condition == engine.ConditionStarting {
		if svc.Port > 0 && h.probe(ctx, h.catalog.ProbeHost(svc, h.prefix, h.gateway), svc.Port) {
			return engine.ConditionUp, detail
		}
	}
	return condition, detail
}

func (h *HealthChecker) probe(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()
	conn, err := h.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
