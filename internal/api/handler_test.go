package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/connector"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
	"github.com/eugenenazirov/bedrock-chat/internal/metrics"
	"github.com/eugenenazirov/bedrock-chat/internal/session"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

type controllableClock struct {
	mu  sync.RWMutex
	now time.Time
}

func newControllableClock(initial time.Time) *controllableClock {
	return &controllableClock{now: initial}
}

func (c *controllableClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *controllableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStream struct {
	chunks []string
	err    error
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeConnector replays canned chunks and remembers what it was asked.
type fakeConnector struct {
	mu           sync.Mutex
	configured   bool
	requireCreds bool
	chunks     []string
	streamErr  error
	startErr   error
	model      string
	creds      storage.Credentials
	history    []message.Message
	params     *config.ModelParameters
}

func (f *fakeConnector) GenerateResponse(_ context.Context, msgs []message.Message, params *config.ModelParameters) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = message.CloneAll(msgs)
	f.params = params
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.streamErr != nil {
		return "", f.streamErr
	}
	return strings.Join(f.chunks, ""), nil
}

func (f *fakeConnector) GenerateStream(_ context.Context, msgs []message.Message, params *config.ModelParameters) (connector.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = message.CloneAll(msgs)
	f.params = params
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeStream{chunks: append([]string(nil), f.chunks...), err: f.streamErr}, nil
}

// IsConfigured mirrors Bedrock: with requireCreds unset the fake behaves as
// if the default credential chain resolved.
func (f *fakeConnector) IsConfigured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured && (!f.requireCreds || f.creds.Complete())
}

func (f *fakeConnector) ModelName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.model
}

func (f *fakeConnector) SetModel(name string) {
	f.mu.Lock()
	f.model = name
	f.mu.Unlock()
}

type testEnv struct {
	router   http.Handler
	clock    *controllableClock
	fake     *fakeConnector
	sessions *session.Manager
	metrics  *metrics.Collector
}

func setupTestEnv(t *testing.T, opts ...RouterOption) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Models.Provider = "fake"

	logger := zaptest.NewLogger(t)
	store := storage.NewMemoryStorage()
	sessions := session.NewManager(store, cfg, logger, session.WithEnvLookup(func(string) string { return "" }))

	fake := &fakeConnector{configured: true, chunks: []string{"Hello", ", ", "world"}}
	registry := connector.NewRegistry()
	registry.Register("fake", func(_ context.Context, p connector.Params) (connector.Connector, error) {
		fake.mu.Lock()
		fake.model = p.Model
		fake.creds = p.Credentials
		fake.mu.Unlock()
		return fake, nil
	})

	clock := newControllableClock(time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC))
	collector := metrics.NewCollector("")
	handler := NewHandler(cfg, sessions, registry, logger,
		WithClock(clock.Now),
		WithMetrics(collector),
		WithVersion("test"),
	)

	routerOpts := append([]RouterOption{WithLogging(false)}, opts...)
	return &testEnv{
		router:   NewRouter(handler, logger, routerOpts...),
		clock:    clock,
		fake:     fake,
		sessions: sessions,
		metrics:  collector,
	}
}

func setupTestRouter(t *testing.T) (http.Handler, *controllableClock) {
	t.Helper()
	env := setupTestEnv(t)
	return env.router, env.clock
}

// do sends a JSON request, attaching the session header when sessionID is set.
func (e *testEnv) do(t *testing.T, method, path string, payload any, sessionID string) *httptest.ResponseRecorder {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/api/session", nil, "")
	id := rec.Header().Get(SessionHeader)
	if id == "" {
		t.Fatalf("expected session id header")
	}
	return id
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestRequestIDHelpers(t *testing.T) {
	ctx := contextWithRequestID(context.Background(), "abc")
	if got := requestIDFromContext(ctx); got != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
	resp := httptest.NewRecorder()
	writeInternalError(resp, assertError("boom"))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 status, got %d", resp.Code)
	}
}

type assertError string

func (a assertError) Error() string { return string(a) }

func TestHealthEndpoint(t *testing.T) {
	router, clock := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if !body.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected timestamp %s, got %s", clock.Now(), body.Timestamp)
	}
	if rec.Header().Get(SessionHeader) != "" {
		t.Fatalf("health checks must not create sessions")
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/config", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := decodeBody[configResponse](t, rec)
	if body.Version != "test" {
		t.Fatalf("expected version test, got %q", body.Version)
	}
	if body.UI.Title != "AI Chat App" {
		t.Fatalf("expected default title, got %q", body.UI.Title)
	}
	if len(body.Models) != 3 || body.DefaultModel != "Claude 3.7 V1" {
		t.Fatalf("unexpected models %v / %q", body.Models, body.DefaultModel)
	}
	if body.DefaultSettings.MaxTokens != 4096 || body.Limits.MaxTopK != session.MaxTopK {
		t.Fatalf("unexpected defaults %+v limits %+v", body.DefaultSettings, body.Limits)
	}
}

func TestSessionCookieLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	env.fake.requireCreds = true

	rec := env.do(t, http.MethodGet, "/api/session", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionCookieName || !cookies[0].HttpOnly {
		t.Fatalf("expected one http-only session cookie, got %+v", cookies)
	}
	first := decodeBody[sessionResponse](t, rec)
	if first.ID != cookies[0].Value || first.MessageCount != 0 || first.Configured {
		t.Fatalf("unexpected session %+v", first)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(cookies[0])
	again := httptest.NewRecorder()
	env.router.ServeHTTP(again, req)
	if len(again.Result().Cookies()) != 0 {
		t.Fatalf("existing session must not be re-issued")
	}
	if got := decodeBody[sessionResponse](t, again); got.ID != first.ID {
		t.Fatalf("expected session %s to be reused, got %s", first.ID, got.ID)
	}

	unknown := env.do(t, http.MethodGet, "/api/session", nil, "no-such-session")
	if got := unknown.Header().Get(SessionHeader); got == "" || got == "no-such-session" {
		t.Fatalf("expected a fresh session for an unknown id, got %q", got)
	}

	exposition := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(exposition, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(exposition.Body.String(), "chat_app_sessions_created_total 2") {
		t.Fatalf("expected two created sessions in metrics")
	}
}

func TestCredentialsEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	env.fake.requireCreds = true
	id := env.newSession(t)

	initial := decodeBody[credentialsResponse](t, env.do(t, http.MethodGet, "/api/credentials", nil, id))
	if initial.Configured || initial.AccessKeyID != "" || initial.Region != "us-east-1" {
		t.Fatalf("unexpected initial credentials %+v", initial)
	}

	missing := env.do(t, http.MethodPut, "/api/credentials", map[string]string{"accessKeyId": "AKIA"}, id)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing secret, got %d", missing.Code)
	}

	rec := env.do(t, http.MethodPut, "/api/credentials", map[string]string{
		"accessKeyId":     "AKIAEXAMPLEKEY1234",
		"secretAccessKey": "super-secret",
		"region":          "eu-west-1",
	}, id)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	saved := decodeBody[credentialsResponse](t, rec)
	if !saved.Configured || !saved.HasSecret || saved.Region != "eu-west-1" {
		t.Fatalf("unexpected saved credentials %+v", saved)
	}
	if saved.AccessKeyID != "**************1234" {
		t.Fatalf("expected masked key, got %q", saved.AccessKeyID)
	}
	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Fatalf("secret leaked in response")
	}

	sess := decodeBody[sessionResponse](t, env.do(t, http.MethodGet, "/api/session", nil, id))
	if !sess.Configured {
		t.Fatalf("expected session to report configured credentials")
	}
}

func TestConfiguredFollowsConnector(t *testing.T) {
	tests := []struct {
		name         string
		configured   bool
		requireCreds bool
		saveCreds    bool
		want         bool
	}{
		{name: "default chain resolves", configured: true, want: true},
		{name: "default chain unresolved", configured: false},
		{name: "saved keys", configured: true, requireCreds: true, saveCreds: true, want: true},
		{name: "no keys", configured: true, requireCreds: true},
		{name: "saved keys rejected by connector", configured: false, requireCreds: true, saveCreds: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := setupTestEnv(t)
			env.fake.configured = tc.configured
			env.fake.requireCreds = tc.requireCreds
			id := env.newSession(t)

			if tc.saveCreds {
				env.do(t, http.MethodPut, "/api/credentials", map[string]string{
					"accessKeyId": "AKIAEXAMPLEKEY1234", "secretAccessKey": "secret", "region": "us-west-2",
				}, id)
			}

			sess := decodeBody[sessionResponse](t, env.do(t, http.MethodGet, "/api/session", nil, id))
			creds := decodeBody[credentialsResponse](t, env.do(t, http.MethodGet, "/api/credentials", nil, id))
			if sess.Configured != tc.want || creds.Configured != tc.want {
				t.Fatalf("expected configured=%v, got session=%v credentials=%v", tc.want, sess.Configured, creds.Configured)
			}

			rec := env.do(t, http.MethodPost, "/api/chat/complete", chatRequest{Prompt: "hi"}, id)
			resp := decodeBody[chatResponse](t, rec)
			if notConfigured := resp.Error == connector.MsgNotConfigured; notConfigured == tc.want {
				t.Fatalf("chat disagrees with configured=%v: error %q", tc.want, resp.Error)
			}
		})
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	id := env.newSession(t)

	defaults := decodeBody[settingsPayload](t, env.do(t, http.MethodGet, "/api/settings", nil, id))
	if defaults.Model != "Claude 3.7 V1" || defaults.Temperature != 0.7 {
		t.Fatalf("unexpected default settings %+v", defaults)
	}

	tests := []struct {
		name   string
		change func(*settingsPayload)
		status int
	}{
		{"valid", func(p *settingsPayload) { p.Model = "Claude 3 Sonnet"; p.Temperature = 0.2 }, http.StatusOK},
		{"temperature too high", func(p *settingsPayload) { p.Temperature = 1.5 }, http.StatusBadRequest},
		{"zero max tokens", func(p *settingsPayload) { p.MaxTokens = 0 }, http.StatusBadRequest},
		{"top k too high", func(p *settingsPayload) { p.TopK = 501 }, http.StatusBadRequest},
		{"unknown model", func(p *settingsPayload) { p.Model = "GPT" }, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := defaults
			tc.change(&payload)
			rec := env.do(t, http.MethodPut, "/api/settings", payload, id)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}

	current := decodeBody[settingsPayload](t, env.do(t, http.MethodGet, "/api/settings", nil, id))
	if current.Model != "Claude 3 Sonnet" || current.Temperature != 0.2 {
		t.Fatalf("expected valid settings to persist, got %+v", current)
	}

	bad := httptest.NewRequest(http.MethodPut, "/api/settings", strings.NewReader("{"))
	bad.Header.Set(SessionHeader, id)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestMessagesEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	id := env.newSession(t)

	if rec := env.do(t, http.MethodPost, "/api/chat/complete", chatRequest{Prompt: "hi"}, id); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	list := decodeBody[messagesResponse](t, env.do(t, http.MethodGet, "/api/messages", nil, id))
	if list.Count != 2 {
		t.Fatalf("expected 2 messages, got %d", list.Count)
	}
	if list.Messages[0].Name != "You" || list.Messages[1].Content != "Hello, world" {
		t.Fatalf("unexpected transcript %+v", list.Messages)
	}

	cleared := env.do(t, http.MethodDelete, "/api/messages", nil, id)
	if cleared.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", cleared.Code)
	}
	after := decodeBody[messagesResponse](t, env.do(t, http.MethodGet, "/api/messages", nil, id))
	if after.Count != 0 || after.Messages == nil {
		t.Fatalf("expected empty non-nil transcript, got %+v", after)
	}
}

func TestCorsPreflight(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be set")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), SessionHeader) {
		t.Fatalf("expected session header to be allowed")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	router, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "test-request-id")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "test-request-id" {
		t.Fatalf("expected X-Request-ID header to be echoed, got %s", got)
	}

	generated := httptest.NewRecorder()
	router.ServeHTTP(generated, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if got := generated.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("expected generated UUID request id, got %q", got)
	}
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	env := setupTestEnv(t)

	env.do(t, http.MethodGet, "/api/health", nil, "")
	env.do(t, http.MethodGet, "/api/does-not-exist", nil, "")

	rec := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `chat_app_http_requests_total{method="GET",path="/api/health",status="200"} 1`) {
		t.Fatalf("expected health request in metrics:\n%s", body)
	}
	if !strings.Contains(body, `path="unmatched",status="404"`) {
		t.Fatalf("expected unmatched request in metrics")
	}
}
