package database

// schema contains all table definitions. Each statement is idempotent (CREATE IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS logs (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%S','now')),
    level     TEXT    NOT NULL,
    category  TEXT    NOT NULL,
    message   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_level_category
    ON logs (level, category);

CREATE TABLE IF NOT EXISTS metrics (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    container   TEXT    NOT NULL,
    cpu_percent REAL    NOT NULL DEFAULT 0,
    mem_usage   REAL    NOT NULL DEFAULT 0,
    mem_limit   REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_container_ts
    ON metrics (container, timestamp);
`
