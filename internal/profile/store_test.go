package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `[Interface]
PrivateKey = cHJpdmF0ZQ==
Address = 10.2.0.2/32

[Peer]
# NL-FREE#42
PublicKey = cHVibGlj
Endpoint = 185.107.56.1:51820
AllowedIPs = 0.0.0.0/0
`

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "profiles")
	s, err := NewStore(dir, "active.conf")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s, dir
}

func TestUploadSanitizesExplicitName(t *testing.T) {
	s, dir := newTestStore(t)

	name, err := s.Upload("My/Server!", "[Interface]\nPrivateKey = x\n")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if name != "MyServer" {
		t.Fatalf("expected MyServer, got %q", name)
	}
	if _, err := os.Stat(filepath.Join(dir, "MyServer.conf")); err != nil {
		t.Fatalf("expected profile file: %v", err)
	}
}

func TestUploadExtractsNameFromPeerComment(t *testing.T) {
	s, _ := newTestStore(t)
	name, err := s.Upload("", sampleConfig)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if name != "NL-FREE#42" {
		t.Fatalf("expected name from peer comment, got %q", name)
	}
}

func TestUploadFallsBackToTimestampName(t *testing.T) {
	s, _ := newTestStore(t)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	name, err := s.Upload("!!!", "[Interface]\nPrivateKey = x\n")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if name != "Imported_1700000000" {
		t.Fatalf("expected synthesized name, got %q", name)
	}
}

func TestUploadStripsCarriageReturnsAndReplaces(t *testing.T) {
	s, dir := newTestStore(t)
	if _, err := s.Upload("home", "first\r\n"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := s.Upload("home", "[Interface]\r\nAddress = 10.0.0.2/32\r\n"); err != nil {
		t.Fatalf("second Upload failed: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "home.conf"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if strings.Contains(string(content), "\r") || strings.Contains(string(content), "first") {
		t.Fatalf("expected replaced CR-free content, got %q", content)
	}
}

func TestUploadRejectsEmptyConfigAndReservedName(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Upload("x", "  \n"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := s.Upload("active", "[Interface]\n"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected reserved name rejection, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Upload("gone", sampleConfig); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("second Delete must be a no-op, got %v", err)
	}
	if _, err := s.Lookup("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListSkipsPointerAndForeignFiles(t *testing.T) {
	s, dir := newTestStore(t)
	for _, name := range []string{"b", "a"} {
		if _, err := s.Upload(name, sampleConfig); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}
	if err := os.Symlink(filepath.Join(dir, "a.conf"), filepath.Join(dir, "active.conf")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	names, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if strings.Join(names, ",") != "a,b" {
		t.Fatalf("unexpected list %v", names)
	}
}

func TestEndpointReadsPeerSection(t *testing.T) {
	if got := Endpoint(sampleConfig); got != "185.107.56.1:51820" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got := Endpoint("[Interface]\nEndpoint = nope\n"); got != "" {
		t.Fatalf("endpoint outside [Peer] must be ignored, got %q", got)
	}
}

func TestExtractNameFallsBackToPlainComment(t *testing.T) {
	config := "# key=value style is skipped\n# Office\n[Interface]\n"
	if got := ExtractName(config); got != "Office" {
		t.Fatalf("expected Office, got %q", got)
	}
	if got := ExtractName("[Interface]\nAddress = 1\n"); got != "" {
		t.Fatalf("expected empty name, got %q", got)
	}
}
