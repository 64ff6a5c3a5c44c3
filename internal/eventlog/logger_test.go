package eventlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hub-api/internal/database"
)

func TestRecordWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployment.log")
	logger := New(path, nil, nil)
	defer logger.Close()
	logger.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	logger.Infof(CategoryMaintenance, "migrate %s finished", "invidious")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, content)
	}
	if entry.Timestamp != "2025-03-04 05:06:07" {
		t.Fatalf("unexpected timestamp %q", entry.Timestamp)
	}
	if entry.Level != LevelInfo || entry.Category != CategoryMaintenance {
		t.Fatalf("unexpected level/category %+v", entry)
	}
	if entry.Message != "migrate invidious finished" {
		t.Fatalf("unexpected message %q", entry.Message)
	}
}

func TestQueryFiltersAndOrdersChronologically(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	logger := New(filepath.Join(t.TempDir(), "deployment.log"), db, nil)
	defer logger.Close()

	logger.Infof(CategorySystem, "first")
	logger.Errorf(CategoryMaintenance, "second")
	logger.Infof(CategoryMaintenance, "third")
	logger.Infof(CategoryMaintenance, "fourth")

	entries, err := logger.Query(context.Background(), Filter{Level: "INFO", Category: "MAINTENANCE"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "third" || entries[1].Message != "fourth" {
		t.Fatalf("expected chronological order, got %+v", entries)
	}

	all, err := logger.Query(context.Background(), Filter{Level: "ALL", Category: "ALL", Limit: 3})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 || all[0].Message != "second" {
		t.Fatalf("expected newest three in order, got %+v", all)
	}
}

func TestRecordIsSafeForConcurrentUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployment.log")
	logger := New(path, nil, nil)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Infof(CategorySystem, "line %d", i)
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("interleaved write produced invalid JSON: %q", line)
		}
	}
}

func TestNilLoggerIgnoresRecords(t *testing.T) {
	var logger *Logger
	logger.Infof(CategorySystem, "dropped")
}
