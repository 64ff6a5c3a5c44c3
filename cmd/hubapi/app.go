package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"hub-api/internal/activation"
	"hub-api/internal/auth"
	"hub-api/internal/catalog"
	"hub-api/internal/certs"
	"hub-api/internal/config"
	"hub-api/internal/database"
	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
	"hub-api/internal/jobs"
	"hub-api/internal/logging"
	"hub-api/internal/migrate"
	"hub-api/internal/profile"
	"hub-api/internal/server"
	"hub-api/internal/settings"
	"hub-api/internal/sysinfo"
	"hub-api/internal/telemetry"
	"hub-api/internal/update"
)

// app holds every wired component.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	events    *eventlog.Logger
	registry  *prometheus.Registry
	docker    *engine.Docker
	catalog   *catalog.Catalog
	profiles  *profile.Store
	state     *activation.ActiveState
	ctrl      *activation.Controller
	executor  *migrate.Executor
	updates   *update.Manager
	theme     *settings.Manager
	auth      *auth.Manager
	demand    *jobs.Demand
	scheduler *jobs.Scheduler
	server    *server.Server
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.Options{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newApp wires the components used by every command. The HTTP server and jobs
// are only built by serve.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.Open(cfg.DBFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.events = eventlog.New(cfg.LogFile, db, logger)

	a.catalog, err = catalog.Load(cfg.ServicesFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load services: %w", err)
	}

	a.docker = engine.NewDocker(engine.Options{
		ComposeFile:    cfg.ComposeFile,
		Prefix:         cfg.ContainerPrefix,
		CallTimeout:    cfg.Timeouts.Engine,
		ComposeTimeout: cfg.Timeouts.Compose,
	})

	a.profiles, err = profile.NewStore(cfg.ProfilesDir, filepath.Base(cfg.ActiveLink))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	a.state = activation.NewActiveState(cfg.ActiveLink, cfg.ActiveNameFile)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lock, err := activation.NewLock(cfg.LockFile)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open activation lock: %w", err)
	}
	a.ctrl, err = activation.New(activation.Options{
		Lock:           lock,
		State:          a.state,
		Profiles:       a.profiles,
		Engine:         a.docker,
		Gateway:        cfg.Gateway.Container,
		Dependents:     a.catalog.Dependents(),
		HealthAttempts: cfg.Gateway.HealthAttempts,
		HealthInterval: cfg.Gateway.HealthInterval,
		Events:         a.events,
		Logger:         logger,
		Registerer:     a.registry,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.executor = migrate.NewExecutor(cfg.MigrateScript, cfg.Timeouts.Migration, engine.ExecRunner{}, a.events, logger)

	secrets := settings.NewSecrets(cfg.SecretsFile)
	a.theme = settings.NewManager(cfg.ThemeFile, secrets)

	a.updates = update.NewManager(update.Options{
		SourcesDir:       cfg.SourcesDir,
		ImageUpdatesFile: cfg.ImageUpdatesFile,
		PatchesScript:    cfg.PatchesScript,
		GitTimeout:       cfg.Timeouts.Git,
		UpdateTimeout:    cfg.Timeouts.Update,
		Engine:           a.docker,
		Backup:           a.executor,
		Catalog:          a.catalog,
		Events:           a.events,
		Logger:           logger,
		Strategy: func() update.Strategy {
			return update.ParseStrategy(a.theme.UpdateStrategy(cfg.UpdateStrategy))
		},
	})

	a.auth, err = auth.NewManager(auth.Options{
		APIKey:        cfg.APIKey,
		AdminPassword: cfg.AdminPassword,
		WebhookAllow:  cfg.WebhookAllow,
		Secrets:       secrets,
		Sessions:      a.theme,
		Events:        a.events,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.APIKey == "" {
		logger.Warn("HUB_API_KEY is empty, API key authentication is disabled")
	}
	return a, nil
}

// newStatus wires the telemetry aggregator.
func (a *app) newStatus() (*telemetry.Aggregator, error) {
	cfg := a.cfg
	var peers telemetry.PeerSource
	if cfg.Peers.UseWgctrl {
		peers = telemetry.NewWgctrlPeerSource(cfg.Peers.Interface, cfg.Peers.HandshakeWindow)
	} else {
		peers = telemetry.NewDumpPeerSource(a.docker, cfg.Peers.Container, cfg.Peers.Interface, cfg.Peers.HandshakeWindow)
	}
	return telemetry.New(telemetry.Options{
		Engine:          a.docker,
		Gateway:         cfg.Gateway.Container,
		PeersContainer:  cfg.Peers.Container,
		NetDev:          telemetry.NewNetDevReader(cfg.ProcRoot, a.docker, cfg.Gateway.Container, cfg.Gateway.Interfaces),
		Peers:           peers,
		Control:         telemetry.NewControlClient(cfg.Gateway.ControlURL, cfg.Timeouts.Probe),
		Health:          telemetry.NewHealthChecker(a.catalog, a.docker, cfg.ContainerPrefix, cfg.Gateway.Container, cfg.Timeouts.Probe),
		GatewayCounters: telemetry.NewCounterStore(cfg.DataUsageFile),
		PeerCounters:    telemetry.NewCounterStore(cfg.WGEDataUsageFile),
		Active:          a.state,
		Logger:          a.logger,
		Registerer:      a.registry,
	})
}

// startServing builds the HTTP server and the job scheduler.
func (a *app) startServing() error {
	status, err := a.newStatus()
	if err != nil {
		return err
	}
	a.demand = jobs.NewDemand()
	a.server, err = server.New(server.Deps{
		Activator:    a.ctrl,
		Profiles:     a.profiles,
		Status:       status,
		Containers:   a.docker,
		Certificates: certs.NewInspector(a.cfg.CertFile, a.cfg.AcmeLogFile, nil),
		Maintenance:  a.executor,
		Updates:      a.updates,
		Events:       a.events,
		System:       sysinfo.NewCollector(a.cfg.ConfigDir, sysinfo.DefaultFetchers()),
		Catalog:      a.catalog,
		Theme:        a.theme,
		Auth:         a.auth,
		DB:           a.db,
		Demand:       a.demand,
		Gatherer:     a.registry,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}

	a.scheduler = jobs.NewScheduler(a.logger)
	registrations := []struct {
		spec string
		job  jobs.Runnable
	}{
		{a.cfg.Jobs.ContainerMetrics, &jobs.ContainerMetrics{DB: a.db, Source: a.docker, Demand: a.demand}},
		{a.cfg.Jobs.DBCleanup, &jobs.DBCleanup{DB: a.db}},
		{a.cfg.Jobs.SourceFetch, &jobs.SourceFetch{Updates: a.updates}},
	}
	for _, r := range registrations {
		if _, err := a.scheduler.Register(r.spec, r.job); err != nil {
			return fmt.Errorf("register job %s: %w", r.job.Name(), err)
		}
	}
	a.scheduler.Start()
	return nil
}

func (a *app) close() {
	if a.events != nil {
		_ = a.events.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
