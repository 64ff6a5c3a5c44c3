// Package update tracks and applies updates to the services built from local
// source checkouts and to the images reported by the image watcher.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
	"hub-api/internal/migrate"
)

const (
	updatesCacheKey = "updates"
	updatesCacheTTL = 30 * time.Second
	repoParallelism = 5

	noSourceChangelog  = "Changelog not available for this service."
	noCommitsChangelog = "No new commits found in source repo."
)

var (
	// ErrInvalidService is returned for service names that are not plain identifiers.
	ErrInvalidService = errors.New("invalid service name")
	// ErrNoRollback is returned when a service has no recorded rollback point.
	ErrNoRollback = errors.New("no rollback state for service")
	// ErrInProgress is returned when the service is already being updated.
	ErrInProgress = errors.New("update already running")

	serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Manager checks for and applies updates.
type Manager struct {
	sourcesDir       string
	imageUpdatesFile string
	patchesScript    string
	updateTimeout    time.Duration
	git              gitClient
	runner           engine.CommandRunner
	engine           Engine
	backup           Backuper
	catalog          Catalog
	events           Recorder
	logger           *slog.Logger
	github           *githubClient
	rollbacks        rollbackStore
	strategy         func() Strategy
	cache            *cache.Cache
	now              func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewManager creates an update manager.
func NewManager(opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = engine.ExecRunner{}
	}
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = 15 * time.Second
	}
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = 300 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Strategy == nil {
		opts.Strategy = func() Strategy { return StrategyStable }
	}
	rollbackDir := opts.RollbackDir
	if rollbackDir == "" {
		rollbackDir = filepath.Dir(opts.ImageUpdatesFile)
	}
	return &Manager{
		sourcesDir:       opts.SourcesDir,
		imageUpdatesFile: opts.ImageUpdatesFile,
		patchesScript:    opts.PatchesScript,
		updateTimeout:    opts.UpdateTimeout,
		git:              gitClient{runner: opts.Runner, timeout: opts.GitTimeout},
		runner:           opts.Runner,
		engine:           opts.Engine,
		backup:           opts.Backup,
		catalog:          opts.Catalog,
		events:           opts.Events,
		logger:           opts.Logger.With("component", "update"),
		github:           newGitHubClient(opts.HTTPClient),
		rollbacks:        rollbackStore{dir: rollbackDir},
		strategy:         opts.Strategy,
		cache:            cache.New(updatesCacheTTL, time.Minute),
		now:              time.Now,
		inFlight:         make(map[string]struct{}),
	}
}

// Check reports services with pending updates. Source checkouts behind their
// remote report UpdateAvailable; image updates come from the watcher's file.
// Results are cached briefly.
func (m *Manager) Check(ctx context.Context) map[string]string {
	if cached, ok := m.cache.Get(updatesCacheKey); ok {
		return copyMap(cached.(map[string]string))
	}

	updates := make(map[string]string)
	var mu sync.Mutex
	repos, err := listRepos(m.sourcesDir)
	if err != nil {
		m.logger.Warn("list source repositories", "dir", m.sourcesDir, "error", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repoParallelism)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			out, err := m.git.run(gctx, 0, filepath.Join(m.sourcesDir, repo), "status", "-uno")
			if err != nil {
				m.logger.Debug("git status failed", "repo", repo, "error", err)
				return nil
			}
			if strings.Contains(out, "behind") {
				mu.Lock()
				updates[repo] = UpdateAvailable
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if images, err := readImageUpdates(m.imageUpdatesFile); err != nil {
		m.logger.Warn("read image updates", "path", m.imageUpdatesFile, "error", err)
	} else {
		for name, value := range images {
			updates[name] = value
		}
	}

	m.cache.SetDefault(updatesCacheKey, updates)
	return copyMap(updates)
}

// Fetch runs `git fetch` in every source checkout so the next Check sees new commits.
func (m *Manager) Fetch(ctx context.Context) error {
	repos, err := listRepos(m.sourcesDir)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repoParallelism)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if _, err := m.git.run(gctx, fetchTimeout, filepath.Join(m.sourcesDir, repo), "fetch", "--quiet"); err != nil {
				m.logger.Warn("git fetch failed", "repo", repo, "error", err)
			}
			return nil
		})
	}
	err = g.Wait()
	m.cache.Delete(updatesCacheKey)
	m.logger.Info("source fetch finished", "repos", len(repos))
	return err
}

// Changelog describes what an update of service would bring in.
func (m *Manager) Changelog(ctx context.Context, service string) (string, error) {
	if !serviceNamePattern.MatchString(service) {
		return "", fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	dir := filepath.Join(m.sourcesDir, service)
	if isRepo(dir) {
		if _, err := m.git.run(ctx, fetchTimeout, dir, "fetch", "--quiet"); err != nil {
			m.logger.Debug("changelog fetch failed", "service", service, "error", err)
		}
		branch := m.git.defaultBranch(ctx, dir)
		out, err := m.git.run(ctx, 0, dir, "log", "--pretty=format:%h - %s (%cr)", "HEAD..origin/"+branch)
		if err != nil {
			return "", err
		}
		if out == "" {
			return noCommitsChangelog, nil
		}
		return out, nil
	}
	if m.catalog != nil {
		if svc, ok := m.catalog.Lookup(service); ok && svc.ReleaseRepo != "" {
			notes, err := m.github.latestRelease(ctx, svc.ReleaseRepo)
			if err != nil {
				return "Failed to fetch release notes: " + err.Error(), nil
			}
			return notes.Markdown(), nil
		}
	}
	return noSourceChangelog, nil
}

// NotifyImageUpdate records a notification from the image watcher.
func (m *Manager) NotifyImageUpdate() error {
	m.cache.Delete(updatesCacheKey)
	return stampNotification(m.imageUpdatesFile, m.now())
}

// Job is an update run whose in-flight slot is already held. It releases the slot
// when it returns, so it must be run exactly once.
type Job func(ctx context.Context) error

// StartUpdate reserves service for an update and returns the run. A service that is
// already being updated or rolled back yields ErrInProgress.
func (m *Manager) StartUpdate(service string) (Job, error) {
	if !serviceNamePattern.MatchString(service) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	if !m.begin(service) {
		return nil, fmt.Errorf("%w: %s", ErrInProgress, service)
	}
	return func(ctx context.Context) error {
		defer m.end(service)
		return m.runUpdate(ctx, service)
	}, nil
}

// UpdateService backs up, refreshes the source checkout, and rebuilds one service.
// Concurrent updates of the same service are rejected.
func (m *Manager) UpdateService(ctx context.Context, service string) error {
	job, err := m.StartUpdate(service)
	if err != nil {
		return err
	}
	return job(ctx)
}

func (m *Manager) runUpdate(ctx context.Context, service string) error {
	ctx, cancel := context.WithTimeout(ctx, m.updateTimeout)
	defer cancel()

	strategy := m.strategy()
	m.record(eventlog.LevelInfo, "[Update Engine] Starting update for %s (strategy: %s)", service, strategy)
	if err := m.updateService(ctx, service, strategy); err != nil {
		m.record(eventlog.LevelError, "[Update Engine] %s update failed: %v", service, err)
		return err
	}
	m.cache.Delete(updatesCacheKey)
	m.record(eventlog.LevelInfo, "[Update Engine] %s update completed", service)
	return nil
}

func (m *Manager) updateService(ctx context.Context, service string, strategy Strategy) error {
	if m.backup != nil {
		if _, err := m.backup.Run(ctx, service, migrate.ActionBackup, false); err != nil {
			// Services without a database have nothing to back up.
			m.logger.Warn("pre-update backup failed", "service", service, "error", err)
		}
	}

	dir := filepath.Join(m.sourcesDir, service)
	if isRepo(dir) {
		if hash, err := m.git.head(ctx, dir); err == nil && hash != "" {
			if err := m.rollbacks.push(service, RollbackEntry{Hash: hash, Timestamp: m.now().UTC()}); err != nil {
				m.logger.Warn("save rollback point", "service", service, "error", err)
			} else {
				m.record(eventlog.LevelInfo, "[Rollback Engine] Saved previous state for %s: %s", service, shortHash(hash))
			}
		}
		if err := m.checkoutSource(ctx, dir, strategy); err != nil {
			return err
		}
		if err := m.runPatches(ctx, service); err != nil {
			return err
		}
	}

	if m.engine == nil {
		return errors.New("container engine unavailable")
	}
	if err := m.engine.Pull(ctx, service); err != nil {
		// Locally built services have no image to pull.
		m.logger.Debug("compose pull failed", "service", service, "error", err)
	}
	return m.engine.Build(ctx, service)
}

func (m *Manager) checkoutSource(ctx context.Context, dir string, strategy Strategy) error {
	if _, err := m.git.run(ctx, fetchTimeout, dir, "fetch", "--all", "--tags", "--prune"); err != nil {
		return err
	}
	branch := m.git.defaultBranch(ctx, dir)
	if strategy == StrategyStable {
		tags, err := m.git.run(ctx, 0, dir, "tag", "--list")
		if err == nil {
			if tag := highestStableTag(strings.Split(tags, "\n")); tag != "" {
				_, err := m.git.run(ctx, 0, dir, "checkout", "-f", "tags/"+tag)
				return err
			}
		}
	}
	if _, err := m.git.run(ctx, 0, dir, "checkout", "-f", branch); err != nil {
		return err
	}
	_, err := m.git.run(ctx, 0, dir, "reset", "--hard", "origin/"+branch)
	return err
}

func (m *Manager) runPatches(ctx context.Context, service string) error {
	if m.patchesScript == "" {
		return nil
	}
	if _, err := os.Stat(m.patchesScript); err != nil {
		return nil
	}
	out, err := m.runner.Output(ctx, "", m.patchesScript, service)
	return engine.CommandError(ctx, "patches "+service, out, err)
}

// RollbackHistory lists recorded rollback points, newest first.
func (m *Manager) RollbackHistory(service string) ([]RollbackEntry, error) {
	if !serviceNamePattern.MatchString(service) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	return m.rollbacks.history(service)
}

// StartRollback resolves the rollback point and reserves service for it. An empty
// hash selects the newest rollback point.
func (m *Manager) StartRollback(service, hash string) (Job, error) {
	history, err := m.RollbackHistory(service)
	if err != nil {
		return nil, err
	}
	target, ok := selectRollback(history, hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRollback, service)
	}
	if !m.begin(service) {
		return nil, fmt.Errorf("%w: %s", ErrInProgress, service)
	}
	return func(ctx context.Context) error {
		defer m.end(service)
		return m.runRollback(ctx, service, target)
	}, nil
}

// Rollback checks out a recorded revision of service and rebuilds it.
func (m *Manager) Rollback(ctx context.Context, service, hash string) error {
	job, err := m.StartRollback(service, hash)
	if err != nil {
		return err
	}
	return job(ctx)
}

func (m *Manager) runRollback(ctx context.Context, service string, target RollbackEntry) error {
	ctx, cancel := context.WithTimeout(ctx, m.updateTimeout)
	defer cancel()

	m.record(eventlog.LevelInfo, "[Rollback Engine] Reverting %s to %s", service, shortHash(target.Hash))
	dir := filepath.Join(m.sourcesDir, service)
	if !isRepo(dir) {
		err := fmt.Errorf("%w: %s has no source checkout", ErrNoRollback, service)
		m.record(eventlog.LevelError, "[Rollback Engine] %s rollback failed: %v", service, err)
		return err
	}
	if _, err := m.git.run(ctx, fetchTimeout, dir, "checkout", "-f", target.Hash); err != nil {
		m.record(eventlog.LevelError, "[Rollback Engine] %s rollback failed: %v", service, err)
		return err
	}
	if m.engine == nil {
		return errors.New("container engine unavailable")
	}
	if err := m.engine.Build(ctx, service); err != nil {
		m.record(eventlog.LevelError, "[Rollback Engine] %s rollback failed: %v", service, err)
		return err
	}
	m.record(eventlog.LevelInfo, "[Rollback Engine] %s rollback completed", service)
	return nil
}

func selectRollback(history []RollbackEntry, hash string) (RollbackEntry, bool) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		if len(history) == 0 {
			return RollbackEntry{}, false
		}
		return history[0], true
	}
	if !commitPattern.MatchString(hash) {
		return RollbackEntry{}, false
	}
	for _, entry := range history {
		if strings.HasPrefix(entry.Hash, hash) {
			return entry, true
		}
	}
	return RollbackEntry{}, false
}

func (m *Manager) begin(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[service]; busy {
		return false
	}
	m.inFlight[service] = struct{}{}
	return true
}

func (m *Manager) end(service string) {
	m.mu.Lock()
	delete(m.inFlight, service)
	m.mu.Unlock()
}

func (m *Manager) record(level eventlog.Level, format string, args ...any) {
	if m.events == nil {
		return
	}
	m.events.Record(level, eventlog.CategoryMaintenance, fmt.Sprintf(format, args...))
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ValidService reports whether name is acceptable as a service identifier.
func ValidService(name string) bool {
	return serviceNamePattern.MatchString(name)
}
