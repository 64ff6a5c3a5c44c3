package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MetricSample is one container CPU and memory reading. Memory is in MiB.
type MetricSample struct {
	Container  string  `json:"-"`
	CPUPercent float64 `json:"cpu"`
	MemUsage   float64 `json:"mem"`
	MemLimit   float64 `json:"limit"`
}

// InsertMetrics stores a batch of samples taken at the same instant.
func InsertMetrics(ctx context.Context, db *sql.DB, at time.Time, samples []MetricSample) error {
	if db == nil {
		return errors.New("database handle is required")
	}
	if len(samples) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (timestamp, container, cpu_percent, mem_usage, mem_limit) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := at.UTC().Unix()
	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, ts, s.Container, s.CPUPercent, s.MemUsage, s.MemLimit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LatestMetrics returns the most recent sample for each container.
func LatestMetrics(ctx context.Context, db *sql.DB) (map[string]MetricSample, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT container, cpu_percent, mem_usage, mem_limit
		FROM metrics
		WHERE id IN (SELECT MAX(id) FROM metrics GROUP BY container)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]MetricSample)
	for rows.Next() {
		var s MetricSample
		if err := rows.Scan(&s.Container, &s.CPUPercent, &s.MemUsage, &s.MemLimit); err != nil {
			return nil, err
		}
		latest[s.Container] = s
	}
	return latest, rows.Err()
}
