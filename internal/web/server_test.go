package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/truongan5/botmaker/internal/auth"
	"github.com/truongan5/botmaker/internal/bot"
	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/reconcile"
	"github.com/truongan5/botmaker/internal/store"
)

const testPassword = "a-long-admin-password"

type mockManager struct {
	bots map[string]*store.Bot
}

func newMockManager() *mockManager {
	return &mockManager{bots: make(map[string]*store.Bot)}
}

func (m *mockManager) Create(_ context.Context, req bot.CreateRequest) (*store.Bot, error) {
	if _, ok := m.bots[req.Hostname]; ok {
		return nil, store.ErrDuplicateHostname
	}
	b := &store.Bot{
		ID: "id-" + req.Hostname, Hostname: req.Hostname, Name: req.Name,
		Status: store.StatusRunning, Port: 19000 + len(m.bots),
	}
	m.bots[req.Hostname] = b
	return b, nil
}

func (m *mockManager) Delete(_ context.Context, hostname string) error {
	delete(m.bots, hostname)
	return nil
}

func (m *mockManager) Start(_ context.Context, hostname string) (*store.Bot, error) {
	b, ok := m.bots[hostname]
	if !ok {
		return nil, store.ErrNotFound
	}
	b.Status = store.StatusRunning
	return b, nil
}

func (m *mockManager) Stop(_ context.Context, hostname string) (*store.Bot, error) {
	b, ok := m.bots[hostname]
	if !ok {
		return nil, store.ErrNotFound
	}
	b.Status = store.StatusStopped
	return b, nil
}

func (m *mockManager) Get(_ context.Context, hostname string) (*bot.BotView, error) {
	b, ok := m.bots[hostname]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &bot.BotView{Bot: b}, nil
}

func (m *mockManager) List(_ context.Context) ([]*bot.BotView, error) {
	var views []*bot.BotView
	for _, b := range m.bots {
		views = append(views, &bot.BotView{Bot: b})
	}
	return views, nil
}

type mockReconciler struct {
	report  *reconcile.Report
	cleanup *reconcile.CleanupResult
}

func (m *mockReconciler) Report(_ context.Context) (*reconcile.Report, error) {
	return m.report, nil
}

func (m *mockReconciler) Cleanup(_ context.Context) (*reconcile.CleanupResult, error) {
	return m.cleanup, nil
}

type mockStats struct{}

func (mockStats) Stats(_ context.Context) ([]docker.ContainerStats, error) {
	return []docker.ContainerStats{{Name: "botmaker-a", CPUPercent: 1.5}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *mockManager) {
	t.Helper()
	mgr := newMockManager()
	srv := NewServer(Dependencies{
		Manager: mgr,
		Reconciler: &mockReconciler{
			report:  &reconcile.Report{OrphanedWorkspaces: []string{"stray"}},
			cleanup: &reconcile.CleanupResult{WorkspacesRemoved: 1},
		},
		Stats: mockStats{},
		Auth:  auth.NewService(testPassword, time.Hour),
		Log:   slog.New(slog.DiscardHandler),
	})
	ts := httptest.NewServer(srv.securityHeaders(srv.rateLimit(srv.countRequests(srv.mux))))
	t.Cleanup(ts.Close)
	return ts, mgr
}

func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": testPassword})
	resp, err := http.Post(ts.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func doAuthed(t *testing.T, ts *httptest.Server, token, method, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthIsUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/bots")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"password": "nope"})
	resp, err := http.Post(ts.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts)

	resp := doAuthed(t, ts, token, http.MethodPost, "/api/logout", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp = doAuthed(t, ts, token, http.MethodGet, "/api/bots", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("post-logout status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateBotStatuses(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts)

	reqBody, _ := json.Marshal(bot.CreateRequest{
		Name: "My Bot", Hostname: "my-bot",
		Providers: []bot.ProviderRef{{ProviderID: "openai", Model: "gpt-4.1"}},
		Channels:  []bot.ChannelRef{{ChannelType: "telegram", Token: "123:abc"}},
		Persona:   bot.Persona{Name: "My Bot", SoulMarkdown: "hello"},
		Features:  bot.Features{SessionScope: "user"},
	})

	resp := doAuthed(t, ts, token, http.MethodPost, "/api/bots", reqBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var b store.Bot
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Status != store.StatusRunning || b.Port != 19000 {
		t.Errorf("got status=%s port=%d", b.Status, b.Port)
	}

	// Duplicate hostname → 409.
	resp = doAuthed(t, ts, token, http.MethodPost, "/api/bots", reqBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestStartMissingBotIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts)

	resp := doAuthed(t, ts, token, http.MethodPost, "/api/bots/ghost/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOrphansAndCleanup(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts)

	resp := doAuthed(t, ts, token, http.MethodGet, "/api/admin/orphans", nil)
	defer resp.Body.Close()
	var orphans struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans.Total != 1 {
		t.Errorf("total = %d, want 1", orphans.Total)
	}

	resp = doAuthed(t, ts, token, http.MethodPost, "/api/admin/cleanup", nil)
	defer resp.Body.Close()
	var cleanup struct {
		Success           bool `json:"success"`
		WorkspacesRemoved int  `json:"workspacesRemoved"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cleanup); err != nil {
		t.Fatal(err)
	}
	if !cleanup.Success || cleanup.WorkspacesRemoved != 1 {
		t.Errorf("cleanup = %+v", cleanup)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if csp := resp.Header.Get("Content-Security-Policy"); !strings.HasPrefix(csp, "default-src 'self'") {
		t.Errorf("CSP = %q", csp)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

func TestProxyRoutesWithoutKeyring(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts)

	resp := doAuthed(t, ts, token, http.MethodGet, "/api/proxy/health", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without keyring", resp.StatusCode)
	}
}
