package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/connector"
	"github.com/eugenenazirov/bedrock-chat/internal/logging"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
	"github.com/eugenenazirov/bedrock-chat/internal/render"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

// Assistant texts appended to the transcript when no reply can be produced.
const (
	NotConfiguredReply = "Please configure your AWS credentials in the sidebar to use the chat."
	ApologyReply       = "I'm sorry, but I encountered a technical issue. Please try again in a moment or contact support if the problem persists."

	streamErrorNotice = "An error occurred while processing your request."
)

// SSE event names emitted by POST /api/chat.
const (
	eventMessage = "message"
	eventChunk   = "chunk"
	eventDone    = "done"
	eventError   = "error"
)

// turn is a chat exchange in progress.
type turn struct {
	sessionID string
	user      message.Message
	history   []message.Message
	settings  storage.ModelSettings
	conn      connector.Connector
	logger    *zap.Logger
	started   time.Time
}

func (h *Handler) decodePrompt(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return "", false
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "prompt must not be empty", "Type your message...")
		return "", false
	}
	return prompt, true
}

// beginTurn appends the user message and prepares the connector. The
// returned connector is nil when the session has no usable credentials.
func (h *Handler) beginTurn(ctx context.Context, prompt string) (*turn, error) {
	id := sessionIDFromContext(ctx)
	t := &turn{
		sessionID: id,
		user:      message.New(prompt, message.RoleUser, message.TypeText, nil),
		logger:    logging.WithContext(h.logger, requestIDFromContext(ctx), id),
		started:   time.Now(),
	}

	if err := h.sessions.AddMessage(ctx, id, t.user); err != nil {
		return nil, err
	}
	h.recordMessage(string(message.RoleUser))

	creds, err := h.sessions.Credentials(ctx, id)
	if err != nil {
		return nil, err
	}
	t.settings, err = h.sessions.ModelSettings(ctx, id)
	if err != nil {
		return nil, err
	}
	t.history, err = h.sessions.Messages(ctx, id)
	if err != nil {
		return nil, err
	}

	conn, err := h.connectors.New(ctx, h.cfg.Models.Provider, connector.Params{
		Config:      h.cfg,
		Credentials: creds,
		Model:       t.settings.Model,
		Logger:      t.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build connector: %w", err)
	}
	if conn.IsConfigured() {
		t.conn = conn
	}
	return t, nil
}

// appendAssistant stores an assistant reply and returns it rendered. Once
// the user turn is stored a reply must follow it, so the write outlives a
// disconnected client.
func (h *Handler) appendAssistant(ctx context.Context, t *turn, content string) (render.Rendered, error) {
	reply := message.New(content, message.RoleAssistant, message.TypeText, nil)
	if err := h.sessions.AddMessage(context.WithoutCancel(ctx), t.sessionID, reply); err != nil {
		return render.Rendered{}, err
	}
	h.recordMessage(string(message.RoleAssistant))
	return h.renderOne(t.logger, reply), nil
}

func (h *Handler) renderOne(logger *zap.Logger, msg message.Message) render.Rendered {
	rendered, err := h.renderer.RenderMessage(msg)
	if err != nil {
		logger.Warn("failed to render message", zap.Error(err), zap.String("message_type", string(msg.Type)))
	}
	return rendered
}

// failureReply is the assistant text for a failed model call. Errors the
// connector can explain are shown as is; anything else gets the apology.
func failureReply(err error) string {
	if connector.Classified(err) {
		return connector.UserMessage(err)
	}
	return ApologyReply
}

func (h *Handler) logFailure(t *turn, err error) {
	t.logger.Error("error generating response",
		zap.Error(err),
		zap.String("error_type", fmt.Sprintf("%T", err)),
		zap.Int("message_count", len(t.history)),
		zap.String("model", t.settings.Model),
	)
}

func (h *Handler) recordModel(t *turn, mode, status string, chunks int) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordModelRequest(h.cfg.Models.Provider, t.settings.Model, mode, status, time.Since(t.started))
	h.metrics.RecordStreamChunks(h.cfg.Models.Provider, t.settings.Model, chunks)
}

// handleChatStream answers a prompt over Server-Sent Events. The user turn
// is echoed as "message", text arrives as "chunk" events and the stored
// reply closes the stream as "done". Failures end with "error".
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	prompt, ok := h.decodePrompt(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal error", "streaming not supported")
		return
	}

	ctx := r.Context()
	t, err := h.beginTurn(ctx, prompt)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	_ = sse.send(eventMessage, h.renderOne(t.logger, t.user))

	if t.conn == nil {
		reply, err := h.appendAssistant(ctx, t, NotConfiguredReply)
		if err != nil {
			t.logger.Error("failed to store reply", zap.Error(err))
		}
		_ = sse.send(eventError, errorEvent{Error: connector.MsgNotConfigured, Message: &reply})
		return
	}

	if h.metrics != nil {
		defer h.metrics.StreamStarted()()
	}

	text, chunks, err := h.streamReply(ctx, t, sse)
	if err != nil {
		h.logFailure(t, err)
		h.recordModel(t, "stream", "error", chunks)
		reply, storeErr := h.appendAssistant(ctx, t, failureReply(err))
		if storeErr != nil {
			t.logger.Error("failed to store reply", zap.Error(storeErr))
		}
		if ctx.Err() != nil {
			return
		}
		_ = sse.send(eventError, errorEvent{Error: streamErrorNotice, Message: &reply})
		return
	}

	reply, err := h.appendAssistant(ctx, t, text)
	if err != nil {
		t.logger.Error("failed to store reply", zap.Error(err))
		_ = sse.send(eventError, errorEvent{Error: streamErrorNotice})
		return
	}
	h.recordModel(t, "stream", "success", chunks)

	elapsed := time.Since(t.started)
	t.logger.Info("response generated",
		zap.Duration("response_time", elapsed),
		zap.Int("chunks", chunks),
		zap.String("model", t.conn.ModelName()),
	)
	_ = sse.send(eventDone, doneEvent{
		Message:   reply,
		ElapsedMs: elapsed.Milliseconds(),
		Chunks:    chunks,
		Model:     t.conn.ModelName(),
	})
}

func (h *Handler) streamReply(ctx context.Context, t *turn, sse *sseWriter) (string, int, error) {
	stream, err := t.conn.GenerateStream(ctx, t.history, &t.settings.ModelParameters)
	if err != nil {
		return "", 0, err
	}
	defer stream.Close()

	var (
		b      strings.Builder
		chunks int
	)
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), chunks, nil
			}
			return b.String(), chunks, err
		}
		chunks++
		b.WriteString(chunk)
		if err := sse.send(eventChunk, chunkEvent{Text: chunk}); err != nil {
			return b.String(), chunks, fmt.Errorf("write chunk: %w", err)
		}
	}
}

// handleChatComplete runs the same exchange without streaming.
func (h *Handler) handleChatComplete(w http.ResponseWriter, r *http.Request) {
	prompt, ok := h.decodePrompt(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	t, err := h.beginTurn(ctx, prompt)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	resp := chatResponse{User: h.renderOne(t.logger, t.user)}

	if t.conn == nil {
		reply, err := h.appendAssistant(ctx, t, NotConfiguredReply)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		resp.Reply = reply
		resp.Error = connector.MsgNotConfigured
		writeJSON(w, http.StatusOK, resp)
		return
	}

	text, err := t.conn.GenerateResponse(ctx, t.history, &t.settings.ModelParameters)
	if err != nil {
		h.logFailure(t, err)
		h.recordModel(t, "complete", "error", 0)
		reply, storeErr := h.appendAssistant(ctx, t, failureReply(err))
		if storeErr != nil {
			writeSessionError(w, storeErr)
			return
		}
		resp.Reply = reply
		resp.Error = streamErrorNotice
		writeJSON(w, http.StatusOK, resp)
		return
	}

	reply, err := h.appendAssistant(ctx, t, text)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	h.recordModel(t, "complete", "success", 0)

	elapsed := time.Since(t.started)
	t.logger.Info("response generated",
		zap.Duration("response_time", elapsed),
		zap.String("model", t.conn.ModelName()),
	)
	resp.Reply = reply
	resp.ElapsedMs = elapsed.Milliseconds()
	resp.Model = t.conn.ModelName()
	writeJSON(w, http.StatusOK, resp)
}

// sseWriter frames events as "event: <name>\ndata: <json>\n\n".
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chunkEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	Message   render.Rendered `json:"message"`
	ElapsedMs int64           `json:"elapsedMs"`
	Chunks    int             `json:"chunks"`
	Model     string          `json:"model"`
}

type errorEvent struct {
	Error   string           `json:"error"`
	Message *render.Rendered `json:"message,omitempty"`
}

type chatResponse struct {
	User      render.Rendered `json:"user"`
	Reply     render.Rendered `json:"reply"`
	ElapsedMs int64           `json:"elapsedMs,omitempty"`
	Model     string          `json:"model,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type messagesResponse struct {
	Messages []render.Rendered `json:"messages"`
	Count    int               `json:"count"`
}
