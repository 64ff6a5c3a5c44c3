// Package settings persists the dashboard's theme preferences and the
// KEY=value secrets file shared with the deployment scripts.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	keySessionTimeout = "session_timeout"
	keyUpdateStrategy = "update_strategy"

	defaultSessionTimeout = 30 * time.Minute
)

// ErrInvalid marks a theme document that cannot be stored.
var ErrInvalid = errors.New("invalid settings")

// Theme is the free-form preferences document written by the dashboard.
// Only session_timeout (minutes) and update_strategy are interpreted here.
type Theme map[string]any

// SessionTimeout returns the admin session lifetime, defaulting to 30 minutes.
func (t Theme) SessionTimeout() time.Duration {
	raw, ok := t[keySessionTimeout]
	if !ok {
		return defaultSessionTimeout
	}
	var minutes float64
	switch v := raw.(type) {
	case float64:
		minutes = v
	case int:
		minutes = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaultSessionTimeout
		}
		minutes = parsed
	default:
		return defaultSessionTimeout
	}
	if minutes <= 0 {
		return defaultSessionTimeout
	}
	return time.Duration(minutes * float64(time.Minute))
}

// UpdateStrategy returns the stored strategy, or fallback when unset.
func (t Theme) UpdateStrategy(fallback string) string {
	if s, ok := t[keyUpdateStrategy].(string); ok && s != "" {
		return s
	}
	return fallback
}

// Manager handles persistence of the theme document on disk.
type Manager struct {
	path    string
	secrets *Secrets
	mu      sync.RWMutex
	cached  Theme
	loaded  bool
}

// NewManager creates a theme manager whose file is at themePath. When secrets
// is non-nil, a saved update_strategy is mirrored into it as UPDATE_STRATEGY.
func NewManager(themePath string, secrets *Secrets) *Manager {
	return &Manager{path: themePath, secrets: secrets}
}

// Get returns a copy of the cached theme, loading from disk if necessary.
// A missing or unreadable file yields an empty theme.
func (m *Manager) Get() (Theme, error) {
	m.mu.RLock()
	if m.loaded {
		defer m.mu.RUnlock()
		return clone(m.cached), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return clone(m.cached), nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.cached = Theme{}
			m.loaded = true
			return Theme{}, nil
		}
		return nil, err
	}
	theme := Theme{}
	if err := json.Unmarshal(data, &theme); err != nil || theme == nil {
		theme = Theme{}
	}
	m.cached = theme
	m.loaded = true
	return clone(theme), nil
}

// Save replaces the theme document.
func (m *Manager) Save(theme Theme) error {
	if theme == nil {
		return fmt.Errorf("%w: theme must be a JSON object", ErrInvalid)
	}
	strategy, hasStrategy := theme[keyUpdateStrategy]
	if hasStrategy {
		s, ok := strategy.(string)
		if !ok || (s != "stable" && s != "latest") {
			return fmt.Errorf("%w: update_strategy must be stable or latest", ErrInvalid)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(theme, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := writeFileAtomic(m.path, data, 0o644); err != nil {
		return err
	}
	m.cached = clone(theme)
	m.loaded = true

	if hasStrategy && m.secrets != nil {
		return m.secrets.Set("UPDATE_STRATEGY", strategy.(string))
	}
	return nil
}

// SessionTimeout returns the stored admin session lifetime. Read errors fall
// back to the default.
func (m *Manager) SessionTimeout() time.Duration {
	theme, err := m.Get()
	if err != nil {
		return defaultSessionTimeout
	}
	return theme.SessionTimeout()
}

// UpdateStrategy returns the stored update strategy, or fallback.
func (m *Manager) UpdateStrategy(fallback string) string {
	theme, err := m.Get()
	if err != nil {
		return fallback
	}
	return theme.UpdateStrategy(fallback)
}

func clone(t Theme) Theme {
	out := make(Theme, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
