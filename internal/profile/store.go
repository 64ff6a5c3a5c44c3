// Package profile stores named WireGuard client profiles as one file per profile.
package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates a missing profile.
	ErrNotFound = errors.New("profile not found")
	// ErrInvalidName indicates a name with no usable characters.
	ErrInvalidName = errors.New("invalid profile name")
	// ErrInvalidConfig indicates an empty profile body.
	ErrInvalidConfig = errors.New("invalid profile config")
)

const fileExt = ".conf"

// Store manages profile files under a single directory.
type Store struct {
	mu       sync.Mutex
	dir      string
	reserved map[string]struct{}
	now      func() time.Time
}

// NewStore creates a store rooted at dir. Names in reserved (for example the
// active-profile pointer) are hidden from List and refused by Upload.
func NewStore(dir string, reserved ...string) (*Store, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("profiles directory is required")
	}
	if err := os.MkdirAll(trimmed, 0o700); err != nil {
		return nil, err
	}
	s := &Store{
		dir:      trimmed,
		reserved: make(map[string]struct{}, len(reserved)),
		now:      time.Now,
	}
	for _, name := range reserved {
		s.reserved[strings.TrimSuffix(filepath.Base(name), fileExt)] = struct{}{}
	}
	return s, nil
}

// Dir returns the profiles directory.
func (s *Store) Dir() string {
	return s.dir
}

// Upload writes config under the resolved name and returns that name. An existing
// profile with the same name is replaced.
func (s *Store) Upload(name, config string) (string, error) {
	config = strings.ReplaceAll(config, "\r", "")
	if strings.TrimSpace(config) == "" {
		return "", fmt.Errorf("%w: config must not be empty", ErrInvalidConfig)
	}
	resolved := Sanitize(name)
	if resolved == "" {
		resolved = Sanitize(ExtractName(config))
	}
	if resolved == "" {
		resolved = fmt.Sprintf("Imported_%d", s.now().Unix())
	}
	if _, ok := s.reserved[resolved]; ok {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, resolved)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.pathLocked(resolved), []byte(config), 0o600); err != nil {
		return "", err
	}
	return resolved, nil
}

// Delete removes a profile. Deleting a missing profile is not an error.
func (s *Store) Delete(name string) error {
	resolved := Sanitize(name)
	if resolved == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathLocked(resolved)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns all stored profile names, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExt)
		if _, ok := s.reserved[name]; ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Path returns the file path of a profile, whether or not it exists.
func (s *Store) Path(name string) (string, error) {
	resolved := Sanitize(name)
	if resolved == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return s.pathLocked(resolved), nil
}

// Lookup returns the path of an existing profile or ErrNotFound.
func (s *Store) Lookup(name string) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, Sanitize(name))
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, Sanitize(name))
	}
	return path, nil
}

// Read returns the stored config text.
func (s *Store) Read(name string) (string, error) {
	path, err := s.Lookup(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) pathLocked(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
