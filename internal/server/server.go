// Package server exposes the hub's control API over HTTP.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hub-api/internal/activation"
	"hub-api/internal/auth"
	"hub-api/internal/catalog"
	"hub-api/internal/certs"
	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
	"hub-api/internal/jobs"
	"hub-api/internal/migrate"
	"hub-api/internal/settings"
	"hub-api/internal/sysinfo"
	"hub-api/internal/telemetry"
	"hub-api/internal/update"
)

const restartDelay = 2 * time.Second

// Activator switches and deletes profiles under the activation lock.
type Activator interface {
	Activate(ctx context.Context, name string) (activation.Result, error)
	Delete(ctx context.Context, name string) error
	Active() (string, error)
}

// Profiles stores profile files.
type Profiles interface {
	Upload(name, config string) (string, error)
	List() ([]string, error)
}

// StatusSource builds the status snapshot.
type StatusSource interface {
	Snapshot(ctx context.Context) (telemetry.Snapshot, error)
}

// Containers lists containers and restarts the stack.
type Containers interface {
	List(ctx context.Context) (map[string]engine.Container, error)
	RestartStack(delay time.Duration) error
}

// Certificates reports TLS certificate state.
type Certificates interface {
	Status(ctx context.Context) (certs.Status, error)
}

// Maintenance runs the per-service maintenance script.
type Maintenance interface {
	Run(ctx context.Context, service string, action migrate.Action, backup bool) (migrate.Result, error)
}

// Updates checks and applies service updates.
type Updates interface {
	Check(ctx context.Context) map[string]string
	Fetch(ctx context.Context) error
	Changelog(ctx context.Context, service string) (string, error)
	StartUpdate(service string) (update.Job, error)
	NotifyImageUpdate() error
	RollbackHistory(service string) ([]update.RollbackEntry, error)
	StartRollback(service, hash string) (update.Job, error)
}

// Events is the user-facing event log.
type Events interface {
	Record(level eventlog.Level, category eventlog.Category, message string)
	Query(ctx context.Context, filter eventlog.Filter) ([]eventlog.Entry, error)
	Path() string
}

// SystemHealth collects host resource usage.
type SystemHealth interface {
	Collect(ctx context.Context) (sysinfo.Health, error)
}

// Deps are the components behind the API. Nil components disable their routes
// with 503.
type Deps struct {
	Activator    Activator
	Profiles     Profiles
	Status       StatusSource
	Containers   Containers
	Certificates Certificates
	Maintenance  Maintenance
	Updates      Updates
	Events       Events
	System       SystemHealth
	Catalog      *catalog.Catalog
	Theme        *settings.Manager
	Auth         *auth.Manager
	DB           *sql.DB
	Demand       *jobs.Demand
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger

	// EventsPoll and EventsIdle tune the /events tail. Zero picks the defaults.
	EventsPoll time.Duration
	EventsIdle time.Duration
}

// Server handles HTTP requests and owns the background tasks they start.
type Server struct {
	deps   Deps
	logger *slog.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New creates a server.
func New(deps Deps) (*Server, error) {
	if deps.Activator == nil || deps.Profiles == nil || deps.Status == nil {
		return nil, errors.New("server: activator, profiles and status are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:     deps,
		logger:   deps.Logger.With("component", "server"),
		bgCtx:    ctx,
		bgCancel: cancel,
	}, nil
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.deps.Auth != nil {
		r.Use(s.deps.Auth.Middleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/profiles", s.handleListProfiles)
	r.Get("/containers", s.handleContainers)
	r.Get("/certificate-status", s.handleCertificateStatus)
	r.Get("/events", s.handleEvents)

	r.Get("/updates", s.handleUpdates)
	r.Get("/check-updates", s.handleCheckUpdates)
	r.Get("/changelog", s.handleChangelog)
	r.Get("/rollback-history", s.handleRollbackHistory)

	for path, action := range maintenanceRoutes {
		h := s.maintenanceHandler(action)
		r.Get(path, h)
		r.Post(path, h)
	}

	r.Get("/logs", s.handleLogs)
	r.Get("/metrics", s.handleMetrics)
	r.Method(http.MethodGet, "/metrics/prometheus", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/system-health", s.handleSystemHealth)
	r.Get("/services", s.handleServices)
	r.Get("/theme", s.handleGetTheme)
	r.Post("/theme", s.handleSaveTheme)

	r.Post("/upload", s.handleUpload)
	r.Post("/activate", s.handleActivate)
	r.Post("/delete", s.handleDelete)
	r.Post("/restart-stack", s.handleRestartStack)
	r.Post("/update-service", s.handleUpdateService)
	r.Post("/rollback-service", s.handleRollbackService)
	r.Post("/verify-admin", s.handleVerifyAdmin)
	r.Post("/rotate-api-key", s.handleRotateAPIKey)
	r.Post("/watchtower", s.handleWatchtower)

	return r
}

// Close cancels background tasks and waits for them until ctx expires.
func (s *Server) Close(ctx context.Context) error {
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// background runs fn detached from the request that triggered it.
func (s *Server) background(name string, fn func(ctx context.Context) error) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := fn(s.bgCtx); err != nil {
			s.logger.Error("background task failed", "task", name, "error", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
