package jobs

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"hub-api/internal/database"
	"hub-api/internal/engine"
)

// metricsDemandWindow is how long a /metrics request keeps sampling active.
const metricsDemandWindow = 60 * time.Second

// Demand remembers when container metrics were last requested.
type Demand struct {
	last atomic.Int64
	now  func() time.Time
}

// NewDemand returns a tracker that has never been marked.
func NewDemand() *Demand {
	return &Demand{now: time.Now}
}

// Mark records a request at the current time.
func (d *Demand) Mark() {
	d.last.Store(d.now().UnixNano())
}

// Recent reports whether Mark was called within window.
func (d *Demand) Recent(window time.Duration) bool {
	last := d.last.Load()
	if last == 0 {
		return false
	}
	return d.now().Sub(time.Unix(0, last)) <= window
}

// StatsSource samples container resource usage.
type StatsSource interface {
	Stats(ctx context.Context) ([]engine.ContainerStats, error)
}

// ContainerMetrics samples docker stats into the metrics table while a client is watching.
type ContainerMetrics struct {
	DB     *sql.DB
	Source StatsSource
	Demand *Demand
	Now    func() time.Time
}

func (j *ContainerMetrics) Name() string { return "container-metrics" }

func (j *ContainerMetrics) Run(ctx context.Context) error {
	if j.Demand != nil && !j.Demand.Recent(metricsDemandWindow) {
		return nil
	}
	stats, err := j.Source.Stats(ctx)
	if err != nil {
		return err
	}
	samples := make([]database.MetricSample, 0, len(stats))
	for _, s := range stats {
		samples = append(samples, database.MetricSample{
			Container:  s.Name,
			CPUPercent: s.CPUPercent,
			MemUsage:   s.MemUsage,
			MemLimit:   s.MemLimit,
		})
	}
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	return database.InsertMetrics(ctx, j.DB, now(), samples)
}

// DBCleanup prunes expired metrics and log rows.
type DBCleanup struct {
	DB *sql.DB
}

func (j *DBCleanup) Name() string { return "db-cleanup" }

func (j *DBCleanup) Run(context.Context) error {
	return database.Cleanup(j.DB)
}

// Fetcher refreshes remote refs of the service sources.
type Fetcher interface {
	Fetch(ctx context.Context) error
}

// SourceFetch keeps update checks current without user interaction.
type SourceFetch struct {
	Updates Fetcher
}

func (j *SourceFetch) Name() string { return "source-fetch" }

func (j *SourceFetch) Run(ctx context.Context) error {
	return j.Updates.Fetch(ctx)
}
