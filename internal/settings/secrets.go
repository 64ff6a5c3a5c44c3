package settings

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
)

// Secrets edits a KEY=value file in place, preserving keys it does not touch.
type Secrets struct {
	path string
	mu   sync.Mutex
}

// NewSecrets returns an editor for the file at path.
func NewSecrets(path string) *Secrets {
	return &Secrets{path: path}
}

// Path returns the backing file.
func (s *Secrets) Path() string {
	return s.path
}

// Get returns the value stored for key.
func (s *Secrets) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, err := s.read()
	if err != nil {
		return "", false, err
	}
	for _, line := range lines {
		if k, v, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) == key {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Set writes key=value, replacing an existing entry or appending a new one.
func (s *Secrets) Set(key, value string) error {
	if key == "" || strings.ContainsAny(key, "=\n") || strings.Contains(value, "\n") {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.read()
	if err != nil {
		return err
	}
	replaced := false
	for i, line := range lines {
		if k, _, ok := strings.Cut(line, "="); ok && strings.TrimSpace(k) == key {
			lines[i] = key + "=" + value
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(s.path, buf.Bytes(), 0o600)
}

func (s *Secrets) read() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
