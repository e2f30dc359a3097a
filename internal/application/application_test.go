package application

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/connector"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(":8085")
	logger := zaptest.NewLogger(t)

	app, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	if _, ok := app.store.(*storage.MemoryStorage); !ok {
		t.Fatalf("expected memory storage, got %T", app.store)
	}
	if app.server == nil || app.router == nil || app.handler == nil || app.sessions == nil {
		t.Fatalf("expected server, router, handler and sessions to be initialized")
	}
	if got := app.connectors.Providers(); len(got) != 1 || got[0] != connector.ProviderBedrock {
		t.Fatalf("expected bedrock provider, got %v", got)
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
}

func TestNewUsesRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseTestConfig(":0")
	cfg.Storage.Type = config.StorageRedis
	cfg.Storage.RedisAddr = mr.Addr()

	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	if _, ok := app.store.(*storage.RedisStore); !ok {
		t.Fatalf("expected redis storage, got %T", app.store)
	}
}

func TestNewReturnsErrorForUnknownStorage(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.Storage.Type = "cassandra"

	if _, err := New(cfg, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected error for unsupported storage")
	}
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.Server.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.Server.WriteTimeout ||
		server.IdleTimeout != cfg.Server.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestRootHandlerRoutes(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.UI.Title = "Support <Bot>"
	cfg.UI.CustomCSS = ".message { color: teal; }"

	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	tests := []struct {
		path     string
		status   int
		contains []string
	}{
		{"/", http.StatusOK, []string{"<title>Support &lt;Bot&gt;</title>", "Claude 3 Sonnet", "color: teal", "Version 0.1.0"}},
		{"/static/app.js", http.StatusOK, []string{"/api/chat"}},
		{"/static/app.css", http.StatusOK, []string{"#messages"}},
		{"/static/highlight.css", http.StatusOK, []string{".chroma"}},
		{"/api/health", http.StatusOK, []string{`"status":"ok"`}},
		{"/metrics", http.StatusOK, []string{"chat_app_http_requests_total"}},
		{"/nope", http.StatusNotFound, nil},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			body, _ := io.ReadAll(rec.Body)
			for _, want := range tc.contains {
				if !strings.Contains(string(body), want) {
					t.Fatalf("expected %q in body:\n%s", want, body)
				}
			}
		})
	}
}

func TestPageCSS(t *testing.T) {
	tests := []struct {
		name string
		ui   config.UIConfig
		want []string
		not  []string
	}{
		{
			name: "everything hidden with custom css",
			ui:   config.UIConfig{HideMenu: true, HideFooter: true, HideDeployButton: true, CustomStyling: true, CustomCSS: "body{}"},
			want: []string{"#app-menu", "footer", ".deploy-button", "#chat {", "body{}"},
		},
		{
			name: "custom css applied without custom styling",
			ui:   config.UIConfig{CustomCSS: "body{}"},
			want: []string{"body{}"},
			not:  []string{"#app-menu", "#chat {"},
		},
		{
			name: "custom styling adds spacing rules",
			ui:   config.UIConfig{CustomStyling: true},
			want: []string{"#chat { padding-top: 1rem; padding-bottom: 1rem; }", "#chat h1"},
			not:  []string{"footer"},
		},
		{
			name: "nothing enabled",
			ui:   config.UIConfig{},
			not:  []string{"#", "footer", "."},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := pageCSS(tc.ui)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("expected %q in %q", w, got)
				}
			}
			for _, n := range tc.not {
				if strings.Contains(got, n) {
					t.Fatalf("did not expect %q in %q", n, got)
				}
			}
		})
	}
}

func baseTestConfig(port string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = port
	cfg.Server.ShutdownGracePeriod = 50 * time.Millisecond
	cfg.Server.ReadHeaderTimeout = 20 * time.Millisecond
	cfg.Server.WriteTimeout = 30 * time.Millisecond
	cfg.Server.IdleTimeout = 40 * time.Millisecond
	cfg.Server.EnableRequestLogging = false
	cfg.Server.RateLimitRPS = 0
	cfg.Server.RateLimitBurst = 0
	return cfg
}
