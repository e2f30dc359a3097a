package application

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/api"
	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/connector"
	"github.com/eugenenazirov/bedrock-chat/internal/metrics"
	"github.com/eugenenazirov/bedrock-chat/internal/render"
	"github.com/eugenenazirov/bedrock-chat/internal/session"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
	"github.com/eugenenazirov/bedrock-chat/web"
)

// Version is reported by /api/config and shown in the sidebar.
const Version = "0.1.0"

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg        *config.Config
	store      storage.Store
	sessions   *session.Manager
	connectors *connector.Registry
	renderer   *render.Registry
	metrics    *metrics.Collector
	handler    *api.Handler
	router     http.Handler
	logger     *zap.Logger
	server     *http.Server
}

// Option customises New.
type Option func(*App)

// WithConnectorRegistry replaces the default provider registry.
func WithConnectorRegistry(r *connector.Registry) Option {
	return func(a *App) {
		a.connectors = r
	}
}

// New initializes the application with all dependencies from the provided configuration.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("application requires a config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	app := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(app)
	}

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session storage: %w", err)
	}
	logger.Info("session storage ready", zap.String("type", cfg.Storage.Type))

	if app.connectors == nil {
		app.connectors = connector.DefaultRegistry()
	}
	app.store = store
	app.sessions = session.NewManager(store, cfg, logger)
	app.renderer = render.NewRegistry()
	app.metrics = metrics.NewCollector(metrics.DefaultNamespace)
	app.handler = api.NewHandler(cfg, app.sessions, app.connectors, logger,
		api.WithMetrics(app.metrics),
		api.WithRenderer(app.renderer),
		api.WithVersion(Version),
	)
	app.router = api.NewRouter(app.handler, logger,
		api.WithLogging(cfg.Server.EnableRequestLogging),
		api.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	)

	rootHandler, err := BuildRootHandler(cfg, app.router, app.renderer, app.metrics.Handler())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}
	app.server = NewServer(cfg, rootHandler)

	return app, nil
}

// BuildRootHandler constructs the root HTTP handler that serves the chat page,
// static files, metrics and routes API requests.
func BuildRootHandler(cfg *config.Config, apiHandler http.Handler, renderer *render.Registry, metricsHandler http.Handler) (http.Handler, error) {
	page, err := template.ParseFS(web.Templates(), "index.html")
	if err != nil {
		return nil, fmt.Errorf("parse page template: %w", err)
	}
	highlightCSS, err := renderer.CSS()
	if err != nil {
		return nil, err
	}

	data := pageData{
		UI:      cfg.UI,
		Version: Version,
		Models:  cfg.ModelNames(),
		CSS:     template.CSS(pageCSS(cfg.UI)),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /static/highlight.css", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		_, _ = w.Write([]byte(highlightCSS))
	}))
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServerFS(web.Static())))
	mux.Handle("/api/", apiHandler)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := page.Execute(w, data); err != nil {
			http.Error(w, "failed to render page", http.StatusInternalServerError)
		}
	}))

	return mux, nil
}

type pageData struct {
	UI      config.UIConfig
	Version string
	Models  []string
	CSS     template.CSS
}

// pageCSS assembles the inline stylesheet from the ui flags followed by
// custom_css.
func pageCSS(ui config.UIConfig) string {
	var rules []string
	if ui.HideMenu {
		rules = append(rules, "#app-menu { visibility: hidden; }")
	}
	if ui.HideDeployButton {
		rules = append(rules, ".deploy-button { display: none; }")
	}
	if ui.HideFooter {
		rules = append(rules, "footer { visibility: hidden; }")
	}
	if ui.CustomStyling {
		rules = append(rules,
			"#chat { padding-top: 1rem; padding-bottom: 1rem; }",
			"#chat h1 { margin-top: 0; padding-top: 1rem; }",
		)
	}
	if css := strings.TrimSpace(ui.CustomCSS); css != "" {
		rules = append(rules, css)
	}
	return strings.Join(rules, "\n\n")
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	addr := cfg.Server.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening",
			zap.String("addr", a.server.Addr),
			zap.String("environment", a.cfg.Environment),
			zap.String("version", Version),
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Handler returns the root handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Close releases the session store.
func (a *App) Close() error {
	return a.store.Close()
}
