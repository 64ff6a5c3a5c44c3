package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hub-api/internal/eventlog"
	"hub-api/internal/settings"
)

func init() {
	// bcrypt.MinCost == 4; use minimum cost in tests for speed.
	bcryptCost = 4
}

type fixedTimeout time.Duration

func (f fixedTimeout) SessionTimeout() time.Duration { return time.Duration(f) }

type securityLog struct{ messages []string }

func (s *securityLog) Record(level eventlog.Level, category eventlog.Category, message string) {
	if level == eventlog.LevelSecurity && category == eventlog.CategoryAuth {
		s.messages = append(s.messages, message)
	}
}

func newTestManager(t *testing.T, key string) (*Manager, *settings.Secrets, *securityLog) {
	t.Helper()
	secrets := settings.NewSecrets(filepath.Join(t.TempDir(), ".secrets"))
	events := &securityLog{}
	m, err := NewManager(Options{
		APIKey:        key,
		AdminPassword: "hunter2",
		WebhookAllow:  []string{"127.0.0.0/8", "172.16.0.0/12", "::1/128"},
		Secrets:       secrets,
		Sessions:      fixedTimeout(time.Minute),
		Events:        events,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, secrets, events
}

func TestValidateKey(t *testing.T) {
	m, _, _ := newTestManager(t, "secret-key")
	if !m.ValidateKey("secret-key") {
		t.Error("expected configured key to validate")
	}
	if m.ValidateKey("secret-ke") || m.ValidateKey("") {
		t.Error("expected wrong and empty keys to fail")
	}

	empty, _, _ := newTestManager(t, "")
	if empty.ValidateKey("") {
		t.Error("empty configured key must never match")
	}
}

func TestVerifyAdminIssuesSession(t *testing.T) {
	m, _, events := newTestManager(t, "k")
	if _, err := m.VerifyAdmin("wrong"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	session, err := m.VerifyAdmin("hunter2")
	if err != nil {
		t.Fatalf("VerifyAdmin: %v", err)
	}
	if session.Token == "" || session.ExpiresIn != 60 {
		t.Fatalf("unexpected session %+v", session)
	}
	if !m.ValidateSession(session.Token) {
		t.Error("issued token should be valid")
	}
	if m.ValidateSession("not-a-token") {
		t.Error("unknown token should be invalid")
	}
	if len(events.messages) != 2 {
		t.Fatalf("expected failure and success events, got %v", events.messages)
	}
}

func TestVerifyAdminDisabledWithoutPassword(t *testing.T) {
	m, err := NewManager(Options{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.VerifyAdmin(""); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRotateKeyPersistsAndSwaps(t *testing.T) {
	m, secrets, _ := newTestManager(t, "old")
	if err := os.WriteFile(secrets.Path(), []byte("DESEC_TOKEN=abc\nHUB_API_KEY=old\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.RotateKey(""); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if err := m.RotateKey("new"); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if m.ValidateKey("old") || !m.ValidateKey("new") {
		t.Fatal("key was not swapped")
	}
	data, _ := os.ReadFile(secrets.Path())
	if string(data) != "DESEC_TOKEN=abc\nHUB_API_KEY=new\n" {
		t.Fatalf("unexpected secrets file %q", data)
	}
}

func TestWebhookAllowed(t *testing.T) {
	m, _, _ := newTestManager(t, "k")
	cases := map[string]bool{
		"127.0.0.1:5555":        true,
		"172.20.0.3":            true,
		"[::1]:80":              true,
		"[::ffff:172.18.0.2]:1": true,
		"8.8.8.8:53":            false,
		"garbage":               false,
	}
	for addr, want := range cases {
		if got := m.WebhookAllowed(addr); got != want {
			t.Errorf("WebhookAllowed(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	m, _, _ := newTestManager(t, "key")
	session, err := m.VerifyAdmin("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	cases := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		remote  string
		want    int
	}{
		{"public get", http.MethodGet, "/status", nil, "", http.StatusTeapot},
		{"public path needs get", http.MethodPost, "/profiles", nil, "", http.StatusUnauthorized},
		{"protected without creds", http.MethodGet, "/logs", nil, "", http.StatusUnauthorized},
		{"protected with key", http.MethodGet, "/logs", map[string]string{HeaderAPIKey: "key"}, "", http.StatusTeapot},
		{"protected with session", http.MethodPost, "/activate", map[string]string{HeaderSession: session.Token}, "", http.StatusTeapot},
		{"verify admin", http.MethodPost, "/verify-admin", nil, "", http.StatusTeapot},
		{"preflight", http.MethodOptions, "/activate", nil, "", http.StatusOK},
		{"webhook allowed", http.MethodPost, "/watchtower", nil, "172.18.0.5:4000", http.StatusTeapot},
		{"webhook denied", http.MethodPost, "/watchtower", nil, "203.0.113.9:4000", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.remote != "" {
				req.RemoteAddr = tc.remote
			}
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), `"Unauthorized"`) {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
			if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), HeaderSession) {
				t.Fatal("missing CORS headers")
			}
		})
	}
}

func TestWriteErrorEscapesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusForbidden, `bad "origin" \ 10.0.0.1`)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	if body["error"] != `bad "origin" \ 10.0.0.1` {
		t.Fatalf("unexpected error %q", body["error"])
	}
}
