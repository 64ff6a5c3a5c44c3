package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hub-api/internal/activation"
	"hub-api/internal/auth"
	"hub-api/internal/catalog"
	"hub-api/internal/database"
	"hub-api/internal/engine"
	"hub-api/internal/eventlog"
	"hub-api/internal/jobs"
	"hub-api/internal/migrate"
	"hub-api/internal/profile"
	"hub-api/internal/telemetry"
	"hub-api/internal/update"
)

const (
	testKey    = "test-key"
	testConfig = "[Interface]\nPrivateKey = abc\n\n[Peer]\nEndpoint = 198.51.100.7:51820\n"
)

type fakeUpdates struct {
	mu       sync.Mutex
	updated  []string
	history  []update.RollbackEntry
	notified int
	inFlight map[string]bool
	// gate, when set, holds every job until it is closed.
	gate chan struct{}
}

func (f *fakeUpdates) Check(context.Context) map[string]string {
	return map[string]string{"memos": "Update Available"}
}
func (f *fakeUpdates) Fetch(context.Context) error { return nil }
func (f *fakeUpdates) Changelog(_ context.Context, service string) (string, error) {
	return "changes for " + service, nil
}
func (f *fakeUpdates) reserve(service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight == nil {
		f.inFlight = make(map[string]bool)
	}
	if f.inFlight[service] {
		return fmt.Errorf("%w: %s", update.ErrInProgress, service)
	}
	f.inFlight[service] = true
	return nil
}

func (f *fakeUpdates) StartUpdate(service string) (update.Job, error) {
	if err := f.reserve(service); err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
			}
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.updated = append(f.updated, service)
		delete(f.inFlight, service)
		return nil
	}, nil
}
func (f *fakeUpdates) NotifyImageUpdate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified++
	return nil
}
func (f *fakeUpdates) RollbackHistory(string) ([]update.RollbackEntry, error) { return f.history, nil }
func (f *fakeUpdates) StartRollback(service, _ string) (update.Job, error) {
	if len(f.history) == 0 {
		return nil, fmt.Errorf("%w: %s", update.ErrNoRollback, service)
	}
	if err := f.reserve(service); err != nil {
		return nil, err
	}
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.inFlight, service)
		return nil
	}, nil
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	events  *eventlog.Logger
	updates *fakeUpdates
	demand  *jobs.Demand
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	profilesDir := filepath.Join(dir, "profiles")
	store, err := profile.NewStore(profilesDir, "active.conf")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	lock, err := activation.NewLock(filepath.Join(dir, "activation.lock"))
	if err != nil {
		t.Fatalf("NewLock: %v", err)
	}
	state := activation.NewActiveState(filepath.Join(profilesDir, "active.conf"), filepath.Join(profilesDir, ".active_profile"))
	eng := &engine.Mock{
		ListFunc: func(context.Context) (map[string]engine.Container, error) {
			return map[string]engine.Container{"adguard": {ID: "abc", Hardened: true}}, nil
		},
	}
	reg := prometheus.NewRegistry()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	events := eventlog.New(filepath.Join(dir, "deployment.log"), db, nil)
	t.Cleanup(func() { events.Close() })

	ctrl, err := activation.New(activation.Options{
		Lock:           lock,
		State:          state,
		Profiles:       store,
		Engine:         eng,
		Gateway:        "gluetun",
		Dependents:     []string{"redlib"},
		HealthAttempts: 2,
		HealthInterval: time.Millisecond,
		Events:         events,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("activation.New: %v", err)
	}

	cat := catalog.Default()
	agg, err := telemetry.New(telemetry.Options{
		Engine:          eng,
		Gateway:         "gluetun",
		PeersContainer:  "wg-easy",
		NetDev:          telemetry.NewNetDevReader(filepath.Join(dir, "proc"), eng, "gluetun", []string{"tun0", "wg0"}),
		Peers:           telemetry.NewDumpPeerSource(eng, "wg-easy", "wg0", 3*time.Minute),
		Health:          telemetry.NewHealthChecker(cat, eng, "hub-", "gluetun", 50*time.Millisecond),
		GatewayCounters: telemetry.NewCounterStore(filepath.Join(dir, ".data_usage")),
		PeerCounters:    telemetry.NewCounterStore(filepath.Join(dir, ".wge_data_usage")),
		Active:          state,
		Registerer:      reg,
	})
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}

	authMgr, err := auth.NewManager(auth.Options{APIKey: testKey, WebhookAllow: []string{"192.0.2.0/24"}})
	if err != nil {
		t.Fatalf("auth.NewManager: %v", err)
	}

	updates := &fakeUpdates{}
	demand := jobs.NewDemand()
	srv, err := New(Deps{
		Activator:   ctrl,
		Profiles:    store,
		Status:      agg,
		Containers:  eng,
		Maintenance: migrate.NewExecutor(filepath.Join(dir, "missing", "migrate.sh"), time.Second, engine.ExecRunner{}, events, nil),
		Updates:     updates,
		Events:      events,
		Catalog:     cat,
		Auth:        authMgr,
		DB:          db,
		Demand:      demand,
		Gatherer:    reg,
		EventsPoll:  10 * time.Millisecond,
		EventsIdle:  time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return testEnv{srv: srv, handler: srv.Router(), events: events, updates: updates, demand: demand}
}

func (e testEnv) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		req.Header.Set(auth.HeaderAPIKey, testKey)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestUploadActivateStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/upload", `{"name":"My/Server!","config":`+jsonString(testConfig)+`}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["name"]; got != "MyServer" {
		t.Fatalf("upload name = %v, want MyServer", got)
	}

	rec = env.do(t, http.MethodPost, "/activate", `{"name":"MyServer"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["run_id"] == "" {
		t.Fatalf("unexpected activate body %v", body)
	}

	rec = env.do(t, http.MethodGet, "/profiles", "", false)
	body = decodeBody(t, rec)
	if body["active"] != "MyServer" {
		t.Fatalf("profiles active = %v", body["active"])
	}

	rec = env.do(t, http.MethodGet, "/status", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	gateway := decodeBody(t, rec)["gluetun"].(map[string]any)
	if gateway["active_profile"] != "MyServer" {
		t.Fatalf("active_profile = %v", gateway["active_profile"])
	}
	if gateway["endpoint"] != "198.51.100.7:51820" {
		t.Fatalf("endpoint = %v", gateway["endpoint"])
	}

	rec = env.do(t, http.MethodGet, "/status", "", false)
	gateway = decodeBody(t, rec)["gluetun"].(map[string]any)
	if gateway["active_profile"] != "[REDACTED]" || gateway["public_ip"] != "[REDACTED]" {
		t.Fatalf("guest status not redacted: %v", gateway)
	}
	if _, ok := gateway["endpoint"]; ok {
		t.Fatalf("guest status leaks endpoint: %v", gateway)
	}
}

func TestActivateErrors(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodPost, "/activate", `{"name":"Nope"}`, true); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown profile status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/activate", `{}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/activate", `not json`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status %d", rec.Code)
	}
}

func TestDeleteActiveProfileConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/upload", `{"name":"Home","config":`+jsonString(testConfig)+`}`, true)
	env.do(t, http.MethodPost, "/activate", `{"name":"Home"}`, true)

	if rec := env.do(t, http.MethodPost, "/delete", `{"name":"Home"}`, true); rec.Code != http.StatusConflict {
		t.Fatalf("delete active status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/delete", `{"name":"Gone"}`, true); rec.Code != http.StatusOK {
		t.Fatalf("delete missing status %d", rec.Code)
	}
}

func TestMigrateUnreachableScriptReturns500(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/migrate?service=memos&backup=yes", "", true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != false || !strings.Contains(body["error"].(string), "migrate.sh") {
		t.Fatalf("unexpected body %v", body)
	}

	if rec := env.do(t, http.MethodPost, "/vacuum", "", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing service status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/clear-db?service=../etc", "", true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad service status %d", rec.Code)
	}
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/logs", "/updates", "/metrics", "/services", "/theme"} {
		rec := env.do(t, http.MethodGet, path, "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status %d", path, rec.Code)
		}
		if decodeBody(t, rec)["error"] != "Unauthorized" {
			t.Fatalf("%s body %q", path, rec.Body.String())
		}
	}
}

func TestContainersAndServices(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/containers", "", false)
	containers := decodeBody(t, rec)["containers"].(map[string]any)
	adguard := containers["adguard"].(map[string]any)
	if adguard["hardened"] != true {
		t.Fatalf("unexpected containers %v", containers)
	}

	rec = env.do(t, http.MethodGet, "/services", "", true)
	if services := decodeBody(t, rec)["services"].([]any); len(services) == 0 {
		t.Fatal("expected roster entries")
	}
}

func TestMetricsMarksDemand(t *testing.T) {
	env := newTestEnv(t)
	if env.demand.Recent(time.Minute) {
		t.Fatal("demand should start unmarked")
	}
	rec := env.do(t, http.MethodGet, "/metrics", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if !env.demand.Recent(time.Minute) {
		t.Fatal("expected /metrics to mark demand")
	}

	rec = env.do(t, http.MethodGet, "/metrics/prometheus", "", true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "hub_activation_phase") {
		t.Fatalf("prometheus exposition missing activation metrics: %d", rec.Code)
	}
}

func TestUpdateRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/updates", "", true)
	updates := decodeBody(t, rec)["updates"].(map[string]any)
	if updates["memos"] != "Update Available" {
		t.Fatalf("unexpected updates %v", updates)
	}

	if rec := env.do(t, http.MethodPost, "/update-service", `{"service":"Bad Name"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad service status %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/update-service", `{"service":"memos"}`, true); rec.Code != http.StatusAccepted {
		t.Fatalf("update status %d", rec.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	env.updates.mu.Lock()
	updated := append([]string(nil), env.updates.updated...)
	env.updates.mu.Unlock()
	if len(updated) != 1 || updated[0] != "memos" {
		t.Fatalf("background update not run: %v", updated)
	}

	if rec := env.do(t, http.MethodPost, "/rollback-service", `{"service":"memos"}`, true); rec.Code != http.StatusNotFound {
		t.Fatalf("rollback without history status %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/changelog?service=memos", "", true)
	if decodeBody(t, rec)["changelog"] != "changes for memos" {
		t.Fatalf("unexpected changelog %q", rec.Body.String())
	}
}

func TestUpdateServiceRejectsConcurrentRun(t *testing.T) {
	env := newTestEnv(t)
	env.updates.gate = make(chan struct{})

	if rec := env.do(t, http.MethodPost, "/update-service", `{"service":"memos"}`, true); rec.Code != http.StatusAccepted {
		t.Fatalf("first update status %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/update-service", `{"service":"memos"}`, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second update status %d, want %d", rec.Code, http.StatusConflict)
	}
	if msg, _ := decodeBody(t, rec)["error"].(string); !strings.Contains(msg, "memos") {
		t.Fatalf("conflict body %q", rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/update-service", `{"service":"redlib"}`, true); rec.Code != http.StatusAccepted {
		t.Fatalf("other service update status %d", rec.Code)
	}

	close(env.updates.gate)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := env.srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	env.updates.mu.Lock()
	defer env.updates.mu.Unlock()
	if len(env.updates.updated) != 2 {
		t.Fatalf("expected two completed updates, got %v", env.updates.updated)
	}
}

func TestWatchtowerAllowList(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/watchtower", nil)
	req.RemoteAddr = "203.0.113.1:9000"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outside allow-list status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/watchtower", nil)
	req.RemoteAddr = "192.0.2.10:9000"
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || env.updates.notified != 1 {
		t.Fatalf("allowed webhook status %d notified %d", rec.Code, env.updates.notified)
	}
}

func TestEventsStreamsAppendedLines(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil || first != ": keepalive\n" {
		t.Fatalf("first line %q, err %v", first, err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.events.Record(eventlog.LevelInfo, eventlog.CategorySystem, "stream me")
	}()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "stream me") {
				t.Fatalf("unexpected event %q", line)
			}
			return
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[error]int{
		profile.ErrNotFound:         http.StatusNotFound,
		activation.ErrConflict:      http.StatusConflict,
		activation.ErrActiveProfile: http.StatusConflict,
		migrate.ErrInvalidAction:    http.StatusBadRequest,
		engine.ErrUpstream:          http.StatusInternalServerError,
		engine.ErrTimeout:           http.StatusGatewayTimeout,
		auth.ErrUnauthorized:        http.StatusUnauthorized,
	}
	for err, want := range cases {
		if got := errorStatus(err); got != want {
			t.Errorf("errorStatus(%v) = %d, want %d", err, got, want)
		}
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
