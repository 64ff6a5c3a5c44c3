package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManagerGetMissingReturnsEmptyTheme(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "theme.json"), nil)
	current, err := manager.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(current) != 0 {
		t.Fatalf("expected empty theme, got %+v", current)
	}
	if got := current.SessionTimeout(); got != 30*time.Minute {
		t.Fatalf("default session timeout = %v", got)
	}
	if got := current.UpdateStrategy("stable"); got != "stable" {
		t.Fatalf("fallback strategy = %q", got)
	}
}

func TestManagerSaveAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := NewSecrets(filepath.Join(dir, ".secrets"))
	if err := os.WriteFile(secrets.Path(), []byte("HUB_API_KEY=abc\nUPDATE_STRATEGY=stable\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	manager := NewManager(filepath.Join(dir, "theme.json"), secrets)

	input := Theme{"primary": "#336699", "session_timeout": float64(5), "update_strategy": "latest"}
	if err := manager.Save(input); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := NewManager(filepath.Join(dir, "theme.json"), nil).Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if reloaded["primary"] != "#336699" {
		t.Fatalf("unexpected theme %+v", reloaded)
	}
	if got := reloaded.SessionTimeout(); got != 5*time.Minute {
		t.Fatalf("session timeout = %v", got)
	}
	if got := reloaded.UpdateStrategy("stable"); got != "latest" {
		t.Fatalf("strategy = %q", got)
	}

	data, err := os.ReadFile(secrets.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "HUB_API_KEY=abc\nUPDATE_STRATEGY=latest\n" {
		t.Fatalf("secrets not synced: %q", data)
	}
}

func TestManagerRejectsUnknownStrategy(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "theme.json"), nil)
	err := manager.Save(Theme{"update_strategy": "nightly"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestManagerGetReturnsCopy(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "theme.json"), nil)
	if err := manager.Save(Theme{"a": "1"}); err != nil {
		t.Fatal(err)
	}
	first, _ := manager.Get()
	first["a"] = "changed"
	second, _ := manager.Get()
	if second["a"] != "1" {
		t.Fatalf("cached theme mutated through Get: %+v", second)
	}
}

func TestSessionTimeoutAcceptsStrings(t *testing.T) {
	if got := (Theme{"session_timeout": "15"}).SessionTimeout(); got != 15*time.Minute {
		t.Fatalf("got %v", got)
	}
	if got := (Theme{"session_timeout": "soon"}).SessionTimeout(); got != 30*time.Minute {
		t.Fatalf("got %v", got)
	}
}

func TestSecretsSetPreservesOtherKeys(t *testing.T) {
	secrets := NewSecrets(filepath.Join(t.TempDir(), ".secrets"))
	if err := secrets.Set("DESEC_TOKEN", "tok"); err != nil {
		t.Fatal(err)
	}
	if err := secrets.Set("HUB_API_KEY", "one"); err != nil {
		t.Fatal(err)
	}
	if err := secrets.Set("HUB_API_KEY", "two=with=equals"); err != nil {
		t.Fatal(err)
	}
	value, ok, err := secrets.Get("HUB_API_KEY")
	if err != nil || !ok || value != "two=with=equals" {
		t.Fatalf("Get = %q %v %v", value, ok, err)
	}
	data, _ := os.ReadFile(secrets.Path())
	if strings.Count(string(data), "HUB_API_KEY=") != 1 || !strings.Contains(string(data), "DESEC_TOKEN=tok") {
		t.Fatalf("unexpected secrets file %q", data)
	}
	if err := secrets.Set("BAD\nKEY", "x"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestManagerAccessorsFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "theme.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	manager := NewManager(path, nil)
	if got := manager.SessionTimeout(); got != 30*time.Minute {
		t.Fatalf("SessionTimeout = %v", got)
	}
	if got := manager.UpdateStrategy("latest"); got != "latest" {
		t.Fatalf("UpdateStrategy = %q", got)
	}
}
