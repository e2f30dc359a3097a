package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/connector"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

const (
	// SessionCookieName carries the chat session id between requests.
	SessionCookieName = "chat_session"
	// SessionHeader may be used instead of the cookie by API clients.
	SessionHeader = "X-Session-ID"
)

// withSession resolves the caller's session, creating one when the presented
// id is missing or expired, and stores its id in the request context.
func (h *Handler) withSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested := sessionIDFromRequest(r)
		sess, err := h.sessions.Initialize(r.Context(), requested)
		if err != nil {
			h.logger.Error("failed to initialize session",
				zap.Error(err),
				zap.String("request_id", requestIDFromContext(r.Context())),
			)
			writeInternalError(w, err)
			return
		}

		if sess.ID != requested {
			if h.metrics != nil {
				h.metrics.RecordSessionCreated()
			}
			http.SetCookie(w, h.sessionCookie(sess.ID, r))
		}
		w.Header().Set(SessionHeader, sess.ID)

		ctx := context.WithValue(r.Context(), sessionIDContextKey, sess.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) sessionCookie(id string, r *http.Request) *http.Cookie {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if retention := h.cfg.Storage.Retention(); retention > 0 {
		cookie.MaxAge = int(retention / time.Second)
	}
	return cookie
}

func sessionIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func sessionIDFromContext(ctx context.Context) string {
	if v := ctx.Value(sessionIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFromContext(r.Context())
	msgs, err := h.sessions.Messages(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	creds, err := h.sessions.Credentials(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		ID:           id,
		MessageCount: len(msgs),
		Configured:   h.connectorConfigured(r.Context(), creds),
	})
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFromContext(r.Context())
	msgs, err := h.sessions.Messages(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	rendered, err := h.renderer.RenderAll(msgs)
	if err != nil {
		h.logger.Warn("failed to render message", zap.Error(err), zap.String("user_id", id))
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: rendered, Count: len(rendered)})
}

func (h *Handler) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFromContext(r.Context())
	if err := h.sessions.ClearMessages(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Message: "Chat history cleared"})
}

func (h *Handler) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.sessions.Credentials(r.Context(), sessionIDFromContext(r.Context()))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialsView(creds, h.connectorConfigured(r.Context(), creds), ""))
}

func (h *Handler) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}
	if strings.TrimSpace(req.AccessKeyID) == "" || strings.TrimSpace(req.SecretAccessKey) == "" {
		writeError(w, http.StatusBadRequest, "Invalid credentials", "accessKeyId and secretAccessKey are required")
		return
	}
	region := strings.TrimSpace(req.Region)
	if region == "" {
		region = h.cfg.AWS.Region
	}

	id := sessionIDFromContext(r.Context())
	if err := h.sessions.SaveCredentials(r.Context(), id, req.AccessKeyID, req.SecretAccessKey, region); err != nil {
		writeSessionError(w, err)
		return
	}
	creds, err := h.sessions.Credentials(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialsView(creds, h.connectorConfigured(r.Context(), creds), "AWS credentials saved!"))
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.sessions.ModelSettings(r.Context(), sessionIDFromContext(r.Context()))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsPayload(settings))
}

func (h *Handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	id := sessionIDFromContext(r.Context())
	if err := h.sessions.SaveModelSettings(r.Context(), id, req.toModelSettings()); err != nil {
		writeSessionError(w, err)
		return
	}
	settings, err := h.sessions.ModelSettings(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	resp := toSettingsPayload(settings)
	resp.Message = "Model settings saved!"
	writeJSON(w, http.StatusOK, resp)
}

// maskSecret keeps the last four characters of a key.
func maskSecret(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}

// connectorConfigured reports whether the provider could serve a chat turn
// with these credentials, including the default credential chain.
func (h *Handler) connectorConfigured(ctx context.Context, creds storage.Credentials) bool {
	conn, err := h.connectors.New(ctx, h.cfg.Models.Provider, connector.Params{
		Config:      h.cfg,
		Credentials: creds,
		Logger:      h.logger,
	})
	if err != nil {
		h.logger.Warn("failed to build connector", zap.Error(err))
		return false
	}
	return conn.IsConfigured()
}

func credentialsView(c storage.Credentials, configured bool, msg string) credentialsResponse {
	return credentialsResponse{
		AccessKeyID: maskSecret(c.AccessKeyID),
		HasSecret:   strings.TrimSpace(c.SecretAccessKey) != "",
		Region:      c.Region,
		Configured:  configured,
		Message:     msg,
	}
}

type sessionResponse struct {
	ID           string `json:"id"`
	MessageCount int    `json:"messageCount"`
	Configured   bool   `json:"configured"`
}

type statusResponse struct {
	Message string `json:"message"`
}

type credentialsRequest struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`
}

type credentialsResponse struct {
	AccessKeyID string `json:"accessKeyId"`
	HasSecret   bool   `json:"hasSecret"`
	Region      string `json:"region"`
	Configured  bool   `json:"configured"`
	Message     string `json:"message,omitempty"`
}

type settingsPayload struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	TopK        int     `json:"topK"`
	Message     string  `json:"message,omitempty"`
}

func toSettingsPayload(s storage.ModelSettings) settingsPayload {
	return settingsPayload{
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		TopP:        s.TopP,
		TopK:        s.TopK,
	}
}

func (p settingsPayload) toModelSettings() storage.ModelSettings {
	return storage.ModelSettings{
		Model: p.Model,
		ModelParameters: config.ModelParameters{
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			TopP:        p.TopP,
			TopK:        p.TopK,
		},
	}
}
