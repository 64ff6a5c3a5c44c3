package update

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const rollbackHistoryLimit = 5

// readImageUpdates returns pending image updates, skipping bookkeeping keys that
// start with an underscore.
func readImageUpdates(path string) (map[string]string, error) {
	raw, err := readJSONObject(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		if strings.HasPrefix(key, "_") {
			continue
		}
		if text, ok := value.(string); ok {
			out[key] = text
			continue
		}
		out[key] = strings.Trim(fmt.Sprint(value), `"`)
	}
	return out, nil
}

// stampNotification records when the image watcher last reported in.
func stampNotification(path string, now time.Time) error {
	return withFileLock(path+".lock", func() error {
		raw, err := readJSONObject(path)
		if err != nil {
			raw = make(map[string]any)
		}
		raw["_last_notification"] = now.UTC().Format(time.RFC3339)
		return writeJSONAtomic(path, raw)
	})
}

type rollbackFile struct {
	History []RollbackEntry `json:"history"`
}

type rollbackStore struct {
	dir string
}

func (s rollbackStore) path(service string) string {
	return filepath.Join(s.dir, "rollback_"+service+".json")
}

func (s rollbackStore) history(service string) ([]RollbackEntry, error) {
	var stored rollbackFile
	err := withFileLock(s.path(service)+".lock", func() error {
		var readErr error
		stored, readErr = loadRollbackFile(s.path(service))
		return readErr
	})
	return stored.History, err
}

// push records hash as the newest rollback point, keeping the most recent entries.
func (s rollbackStore) push(service string, entry RollbackEntry) error {
	return withFileLock(s.path(service)+".lock", func() error {
		stored, err := loadRollbackFile(s.path(service))
		if err != nil {
			return err
		}
		if len(stored.History) > 0 && stored.History[0].Hash == entry.Hash {
			return nil
		}
		stored.History = append([]RollbackEntry{entry}, stored.History...)
		sort.SliceStable(stored.History, func(i, j int) bool {
			return stored.History[i].Timestamp.After(stored.History[j].Timestamp)
		})
		if len(stored.History) > rollbackHistoryLimit {
			stored.History = stored.History[:rollbackHistoryLimit]
		}
		return writeJSONAtomic(s.path(service), stored)
	})
}

func loadRollbackFile(path string) (rollbackFile, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rollbackFile{}, nil
		}
		return rollbackFile{}, err
	}
	var stored rollbackFile
	if err := json.Unmarshal(bytes, &stored); err != nil {
		return rollbackFile{}, err
	}
	return stored, nil
}

func readJSONObject(path string) (map[string]any, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	raw := make(map[string]any)
	if err := json.Unmarshal(bytes, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSONAtomic(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func withFileLock(lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock() //nolint:errcheck
	return fn()
}
