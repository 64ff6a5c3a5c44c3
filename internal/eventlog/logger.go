// Package eventlog is the user-facing operations log. Every entry is appended to a
// JSON-lines file (tailed by the SSE endpoint) and mirrored into the sqlite logs table.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the severity label stored with an entry.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelSecurity Level = "SECURITY"
	LevelSystem   Level = "SYSTEM"
)

// Category groups entries for filtering in the dashboard.
type Category string

const (
	CategorySystem        Category = "SYSTEM"
	CategoryOrchestration Category = "ORCHESTRATION"
	CategoryMaintenance   Category = "MAINTENANCE"
	CategoryAuth          Category = "AUTH"
	CategoryNetwork       Category = "NETWORK"
	CategoryUpdates       Category = "UPDATES"
)

const timeLayout = "2006-01-02 15:04:05"

// Entry is one log line as written to the file and returned by Query.
type Entry struct {
	Timestamp string   `json:"timestamp"`
	Level     Level    `json:"level"`
	Category  Category `json:"category"`
	Message   string   `json:"message"`
}

// Logger appends entries to the shared log file and database. Safe for concurrent use.
type Logger struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
}

// New creates an event logger. db may be nil, in which case entries only go to the file.
func New(path string, db *sql.DB, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		path:   strings.TrimSpace(path),
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the log file descriptor.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record writes a single entry. Failures are reported to the process logger and
// never returned, so callers can log from any code path.
func (l *Logger) Record(level Level, category Category, message string) {
	if l == nil {
		return
	}
	entry := Entry{
		Timestamp: l.now().Format(timeLayout),
		Level:     level,
		Category:  category,
		Message:   strings.TrimSpace(message),
	}
	if err := l.appendFile(entry); err != nil {
		l.logger.Warn("event log file write failed", "path", l.path, "error", err)
	}
	if l.db != nil {
		if _, err := l.db.Exec(
			`INSERT INTO logs (timestamp, level, category, message) VALUES (?, ?, ?, ?)`,
			entry.Timestamp, string(entry.Level), string(entry.Category), entry.Message,
		); err != nil {
			l.logger.Warn("event log db insert failed", "error", err)
		}
	}
	l.logger.Debug(entry.Message, "level", entry.Level, "category", entry.Category)
}

// Infof logs an INFO entry.
func (l *Logger) Infof(category Category, format string, args ...any) {
	l.Record(LevelInfo, category, fmt.Sprintf(format, args...))
}

// Warnf logs a WARN entry.
func (l *Logger) Warnf(category Category, format string, args ...any) {
	l.Record(LevelWarn, category, fmt.Sprintf(format, args...))
}

// Errorf logs an ERROR entry.
func (l *Logger) Errorf(category Category, format string, args ...any) {
	l.Record(LevelError, category, fmt.Sprintf(format, args...))
}

// Securityf logs a SECURITY entry.
func (l *Logger) Securityf(category Category, format string, args ...any) {
	l.Record(LevelSecurity, category, fmt.Sprintf(format, args...))
}

func (l *Logger) appendFile(entry Entry) error {
	if l.path == "" {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureFileLocked(); err != nil {
		return err
	}
	_, err = l.file.Write(append(line, '\n'))
	return err
}

func (l *Logger) ensureFileLocked() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = file
	return nil
}

// Filter narrows a Query. Empty fields and "ALL" match everything.
type Filter struct {
	Level    string
	Category string
	Limit    int
}

const defaultQueryLimit = 100

// Query returns the newest matching rows from the database in chronological order.
func (l *Logger) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	if l.db == nil {
		return nil, fmt.Errorf("event log database is not configured")
	}
	query := `SELECT timestamp, level, category, message FROM logs`
	var (
		clauses []string
		args    []any
	)
	if v := normalizeFilter(filter.Level); v != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, v)
	}
	if v := normalizeFilter(filter.Category); v != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, v)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Timestamp, &e.Level, &e.Category, &e.Message); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func normalizeFilter(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "all") {
		return ""
	}
	return trimmed
}
