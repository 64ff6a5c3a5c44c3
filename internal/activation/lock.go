package activation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Lock is a non-blocking, non-reentrant exclusive lock. The in-process mutex
// covers goroutines of this server; the flock covers other processes sharing
// the lock file.
type Lock struct {
	mu   sync.Mutex
	file *flock.Flock
}

// NewLock creates a lock backed by path.
func NewLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Lock{file: flock.New(path)}, nil
}

// TryAcquire returns a release func when the lock was free, or ok=false when
// another holder has it. It never waits.
func (l *Lock) TryAcquire() (release func(), ok bool, err error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	locked, err := l.file.TryLock()
	if err != nil {
		l.mu.Unlock()
		return nil, false, fmt.Errorf("acquire %s: %w", l.file.Path(), err)
	}
	if !locked {
		l.mu.Unlock()
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = l.file.Unlock()
			l.mu.Unlock()
		})
	}, true, nil
}
