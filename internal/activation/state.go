package activation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ActiveState is the symlink to the active profile plus a plain-text record of
// its name.
type ActiveState struct {
	link     string
	nameFile string
}

// NewActiveState creates a handle for the pointer at link and the record at nameFile.
func NewActiveState(link, nameFile string) *ActiveState {
	return &ActiveState{link: link, nameFile: nameFile}
}

// Point atomically repoints the symlink at target, then records name.
func (s *ActiveState) Point(target, name string) error {
	if err := os.MkdirAll(filepath.Dir(s.link), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(s.link), ".active-"+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create pointer: %w", err)
	}
	if err := os.Rename(tmp, s.link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap pointer: %w", err)
	}
	return writeFileAtomic(s.nameFile, []byte(name+"\n"), 0o644)
}

// Current returns the active profile name. It returns "" when nothing is active or
// when the record and the pointer disagree.
func (s *ActiveState) Current() (string, error) {
	raw, err := os.ReadFile(s.nameFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return "", nil
	}
	target, err := os.Readlink(s.link)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if strings.TrimSuffix(filepath.Base(target), ".conf") != name {
		return "", nil
	}
	return name, nil
}

// Target returns the file the pointer resolves to, or "" when unset.
func (s *ActiveState) Target() string {
	target, err := os.Readlink(s.link)
	if err != nil {
		return ""
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(s.link), target)
	}
	return target
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
