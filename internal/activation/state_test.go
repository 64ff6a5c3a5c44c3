package activation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestActiveStateTracksPointer(t *testing.T) {
	dir := t.TempDir()
	state := NewActiveState(filepath.Join(dir, "active.conf"), filepath.Join(dir, ".active_profile"))

	if name, err := state.Current(); err != nil || name != "" {
		t.Fatalf("empty state: %q, %v", name, err)
	}
	target := filepath.Join(dir, "Home.conf")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := state.Point(target, "Home"); err != nil {
		t.Fatalf("Point: %v", err)
	}
	if name, _ := state.Current(); name != "Home" {
		t.Fatalf("Current = %q", name)
	}
	if state.Target() != target {
		t.Fatalf("Target = %q", state.Target())
	}
}

func TestActiveStateIgnoresMismatchedRecord(t *testing.T) {
	dir := t.TempDir()
	state := NewActiveState(filepath.Join(dir, "active.conf"), filepath.Join(dir, ".active_profile"))
	if err := state.Point(filepath.Join(dir, "A.conf"), "A"); err != nil {
		t.Fatalf("Point: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".active_profile"), []byte("B\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if name, _ := state.Current(); name != "" {
		t.Fatalf("Current = %q, want empty on mismatch", name)
	}
}
