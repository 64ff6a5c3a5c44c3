package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Counters is one raw rx/tx reading as reported by the kernel. Raw counters reset to
// zero whenever the owning container restarts.
type Counters struct {
	RX uint64
	TX uint64
}

// CounterState is the persisted reconciliation state for one counter pair.
type CounterState struct {
	LastRX  uint64
	LastTX  uint64
	TotalRX uint64
	TotalTX uint64
}

// Usage is the reconciled view of a reading. Session values are the raw reading;
// AllTime values survive counter resets.
type Usage struct {
	SessionRX uint64
	SessionTX uint64
	AllTimeRX uint64
	AllTimeTX uint64
}

// Reconcile folds cur into state. When either raw counter went backwards the
// counter was reset, and the previous raw reading is added to the totals before
// cur is adopted.
func Reconcile(state CounterState, cur Counters) (CounterState, Usage) {
	if cur.RX < state.LastRX || cur.TX < state.LastTX {
		state.TotalRX += state.LastRX
		state.TotalTX += state.LastTX
	}
	state.LastRX = cur.RX
	state.LastTX = cur.TX
	return state, Usage{
		SessionRX: cur.RX,
		SessionTX: cur.TX,
		AllTimeRX: state.TotalRX + cur.RX,
		AllTimeTX: state.TotalTX + cur.TX,
	}
}

// CounterStore persists a CounterState as key=value lines.
//
// Reads and writes from this process are serialized. Two processes sharing the
// same file are last-writer-wins, which can lose at most one segment when both
// observe a reset at the same time. That is fine for a dashboard total and not
// fine for metered billing.
type CounterStore struct {
	mu   sync.Mutex
	path string
}

// NewCounterStore returns a store backed by path.
func NewCounterStore(path string) *CounterStore {
	return &CounterStore{path: path}
}

// Path returns the backing file.
func (s *CounterStore) Path() string {
	return s.path
}

// Load returns the persisted state. A missing file is the zero state.
func (s *CounterStore) Load() (CounterState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Update reconciles cur against the persisted state and writes the result back.
func (s *CounterStore) Update(cur Counters) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return Usage{}, err
	}
	next, usage := Reconcile(state, cur)
	if err := s.saveLocked(next); err != nil {
		return usage, err
	}
	return usage, nil
}

func (s *CounterStore) loadLocked() (CounterState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CounterState{}, nil
		}
		return CounterState{}, err
	}
	return parseCounterState(data)
}

func (s *CounterStore) saveLocked(state CounterState) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "last_rx=%d\nlast_tx=%d\ntotal_rx=%d\ntotal_tx=%d\n",
		state.LastRX, state.LastTX, state.TotalRX, state.TotalTX)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// parseCounterState accepts the key=value format and the older JSON
// {"rx":..,"tx":..} file, which only ever held totals.
func parseCounterState(data []byte) (CounterState, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return CounterState{}, nil
	}
	if trimmed[0] == '{' {
		var legacy struct {
			RX uint64 `json:"rx"`
			TX uint64 `json:"tx"`
		}
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return CounterState{}, fmt.Errorf("parse legacy counters: %w", err)
		}
		return CounterState{TotalRX: legacy.RX, TotalTX: legacy.TX}, nil
	}

	var state CounterState
	fields := map[string]*uint64{
		"last_rx":  &state.LastRX,
		"last_tx":  &state.LastTX,
		"total_rx": &state.TotalRX,
		"total_tx": &state.TotalTX,
	}
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		target, known := fields[strings.TrimSpace(key)]
		if !known {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return CounterState{}, fmt.Errorf("parse %s: %w", key, err)
		}
		*target = n
	}
	return state, scanner.Err()
}
