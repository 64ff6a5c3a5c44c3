package update

import (
	"context"
	"log/slog"
	"time"

	"hub-api/internal/catalog"
	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
	"hub-api/internal/migrate"
)

// Strategy selects which revision of a source repository UpdateService builds.
type Strategy string

const (
	// StrategyStable checks out the highest semantic version tag.
	StrategyStable Strategy = "stable"
	// StrategyLatest tracks the tip of the default branch.
	StrategyLatest Strategy = "latest"
)

// ParseStrategy maps raw settings onto a Strategy, defaulting to stable.
func ParseStrategy(raw string) Strategy {
	if Strategy(raw) == StrategyLatest {
		return StrategyLatest
	}
	return StrategyStable
}

// UpdateAvailable is the value reported for source repositories behind their remote.
const UpdateAvailable = "Update Available"

// Engine rebuilds compose services.
type Engine interface {
	Pull(ctx context.Context, service string) error
	Build(ctx context.Context, service string) error
}

// Backuper takes a database backup before an update.
type Backuper interface {
	Run(ctx context.Context, service string, action migrate.Action, backup bool) (migrate.Result, error)
}

// Recorder receives user-facing event log entries.
type Recorder interface {
	Record(level eventlog.Level, category eventlog.Category, message string)
}

// Catalog resolves roster entries, used to find upstream release repositories.
type Catalog interface {
	Lookup(name string) (catalog.Service, bool)
}

// Options configure a Manager.
type Options struct {
	SourcesDir       string
	ImageUpdatesFile string
	PatchesScript    string
	RollbackDir      string
	GitTimeout       time.Duration
	UpdateTimeout    time.Duration
	Runner           engine.CommandRunner
	Engine           Engine
	Backup           Backuper
	Catalog          Catalog
	Events           Recorder
	Logger           *slog.Logger
	HTTPClient       HTTPDoer
	// Strategy is consulted at the start of every update.
	Strategy func() Strategy
}

// RollbackEntry is a revision a service ran before an update.
type RollbackEntry struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}
