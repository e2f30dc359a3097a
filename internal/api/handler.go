package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/connector"
	"github.com/eugenenazirov/bedrock-chat/internal/metrics"
	"github.com/eugenenazirov/bedrock-chat/internal/render"
	"github.com/eugenenazirov/bedrock-chat/internal/session"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

type contextKey string

const (
	requestIDContextKey contextKey = "requestID"
	sessionIDContextKey contextKey = "sessionID"
)

// Handler wires session state, model connectors and renderers into HTTP
// handlers.
type Handler struct {
	cfg        *config.Config
	sessions   *session.Manager
	connectors *connector.Registry
	renderer   *render.Registry
	metrics    *metrics.Collector
	logger     *zap.Logger
	version    string

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithMetrics records HTTP, model and chat metrics on collector.
func WithMetrics(collector *metrics.Collector) HandlerOption {
	return func(h *Handler) {
		h.metrics = collector
	}
}

// WithVersion sets the version reported by /api/config.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) {
		h.version = version
	}
}

// WithRenderer replaces the default renderer registry.
func WithRenderer(r *render.Registry) HandlerOption {
	return func(h *Handler) {
		h.renderer = r
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(cfg *config.Config, sessions *session.Manager, connectors *connector.Registry, logger *zap.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		cfg:        cfg,
		sessions:   sessions,
		connectors: connectors,
		logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.renderer == nil {
		h.renderer = render.NewRegistry()
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	_ = r
	defaults := h.sessions.DefaultModelSettings()
	resp := configResponse{
		Version:         h.version,
		Environment:     h.cfg.Environment,
		Provider:        h.cfg.Models.Provider,
		UI:              h.cfg.UI,
		Models:          h.cfg.ModelNames(),
		DefaultModel:    h.cfg.DefaultModel(),
		DefaultSettings: toSettingsPayload(defaults),
		Limits: settingsLimits{
			MinTemperature: 0,
			MaxTemperature: 1,
			MinMaxTokens:   session.MinMaxTokens,
			MaxMaxTokens:   session.MaxMaxTokens,
			MinTopP:        0,
			MaxTopP:        1,
			MinTopK:        0,
			MaxTopK:        session.MaxTopK,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) recordMessage(role string) {
	if h.metrics != nil {
		h.metrics.RecordMessage(role)
	}
}

// writeSessionError maps session manager failures to responses.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found", "the session expired, reload the page to start a new one")
	case errors.Is(err, session.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, "Invalid settings", err.Error())
	default:
		writeInternalError(w, err)
	}
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type settingsLimits struct {
	MinTemperature float64 `json:"minTemperature"`
	MaxTemperature float64 `json:"maxTemperature"`
	MinMaxTokens   int     `json:"minMaxTokens"`
	MaxMaxTokens   int     `json:"maxMaxTokens"`
	MinTopP        float64 `json:"minTopP"`
	MaxTopP        float64 `json:"maxTopP"`
	MinTopK        int     `json:"minTopK"`
	MaxTopK        int     `json:"maxTopK"`
}

type configResponse struct {
	Version         string          `json:"version"`
	Environment     string          `json:"environment"`
	Provider        string          `json:"provider"`
	UI              config.UIConfig `json:"ui"`
	Models          []string        `json:"models"`
	DefaultModel    string          `json:"defaultModel"`
	DefaultSettings settingsPayload `json:"defaultSettings"`
	Limits          settingsLimits  `json:"limits"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
