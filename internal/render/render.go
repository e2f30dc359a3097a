// Package render turns chat messages into sanitized HTML fragments. Each
// message type has a renderer; new types can be registered at runtime.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/eugenenazirov/bedrock-chat/internal/message"
)

const (
	// DefaultLanguage is used for code messages without a language hint.
	DefaultLanguage = "python"
	// DefaultStyle is the chroma style used for highlighting.
	DefaultStyle = "github"

	responseSummary = "Response (click to expand/collapse)"
)

// Func writes the HTML for one message.
type Func func(w io.Writer, msg message.Message) error

// Option configures a Registry.
type Option func(*Registry)

// WithStyle selects a chroma style by name. Unknown names fall back to the
// chroma default.
func WithStyle(name string) Option {
	return func(r *Registry) {
		r.styleName = name
	}
}

// Registry maps message types to renderers.
type Registry struct {
	mu        sync.RWMutex
	renderers map[message.Type]Func

	markdown  goldmark.Markdown
	policy    *bluemonday.Policy
	formatter *chromahtml.Formatter
	styleName string
	style     *chroma.Style
}

// NewRegistry returns a registry with the text, markdown, code and json
// renderers installed.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		renderers: make(map[message.Type]Func),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy:    bluemonday.UGCPolicy(),
		formatter: chromahtml.New(chromahtml.WithClasses(true), chromahtml.TabWidth(4)),
		styleName: DefaultStyle,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.style = styles.Get(r.styleName)
	if r.style == nil {
		r.style = styles.Fallback
	}

	r.Register(message.TypeText, r.renderMarkdown)
	r.Register(message.TypeMarkdown, r.renderMarkdown)
	r.Register(message.TypeCode, r.renderCode)
	r.Register(message.TypeJSON, r.renderJSON)
	return r
}

// Register installs or replaces the renderer for a message type.
func (r *Registry) Register(t message.Type, fn Func) {
	r.mu.Lock()
	r.renderers[t] = fn
	r.mu.Unlock()
}

// Has reports whether a renderer is installed for t.
func (r *Registry) Has(t message.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.renderers[t]
	return ok
}

// Render produces the HTML body of msg. Unknown types are rendered as text
// followed by a caption naming the type.
func (r *Registry) Render(msg message.Message) (string, error) {
	msgType := msg.Type
	if msgType == "" {
		msgType = message.TypeText
	}

	r.mu.RLock()
	fn, ok := r.renderers[msgType]
	r.mu.RUnlock()

	var buf bytes.Buffer
	if !ok {
		if err := r.renderMarkdown(&buf, msg); err != nil {
			return "", err
		}
		fmt.Fprintf(&buf, `<p class="caption">Unhandled message type: %s</p>`, template.HTMLEscapeString(string(msgType)))
		return buf.String(), nil
	}
	if err := fn(&buf, msg); err != nil {
		return "", fmt.Errorf("render %s message: %w", msgType, err)
	}
	return buf.String(), nil
}

// CSS returns the stylesheet for highlighted code.
func (r *Registry) CSS() (string, error) {
	var buf bytes.Buffer
	if err := r.formatter.WriteCSS(&buf, r.style); err != nil {
		return "", fmt.Errorf("write highlight css: %w", err)
	}
	return buf.String(), nil
}

func (r *Registry) renderMarkdown(w io.Writer, msg message.Message) error {
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return fmt.Errorf("convert markdown: %w", err)
	}
	_, err := w.Write(r.policy.SanitizeBytes(buf.Bytes()))
	return err
}

func (r *Registry) renderCode(w io.Writer, msg message.Message) error {
	lang := msg.Language(DefaultLanguage)
	fmt.Fprintf(w, `<div class="code-block" data-language="%s">`, template.HTMLEscapeString(lang))
	if err := r.highlight(w, msg.Content, lang); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</div>")
	return err
}

func (r *Registry) renderJSON(w io.Writer, msg message.Message) error {
	var data any
	if strings.TrimSpace(msg.Content) == "" && msg.Metadata != nil && msg.Metadata["data"] != nil {
		data = msg.Metadata["data"]
	} else if err := json.Unmarshal([]byte(msg.Content), &data); err != nil {
		_, werr := fmt.Fprintf(w, `<div class="render-error">Invalid JSON data</div><pre class="raw">%s</pre>`,
			template.HTMLEscapeString(msg.Content))
		return werr
	}

	pretty, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("format json: %w", err)
	}
	if _, err := io.WriteString(w, `<div class="json-block">`); err != nil {
		return err
	}
	if err := r.highlight(w, string(pretty), "json"); err != nil {
		return err
	}
	_, err = io.WriteString(w, "</div>")
	return err
}

func (r *Registry) highlight(w io.Writer, code, lang string) error {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return fmt.Errorf("tokenise %s: %w", lang, err)
	}
	if err := r.formatter.Format(w, r.style, iterator); err != nil {
		return fmt.Errorf("highlight %s: %w", lang, err)
	}
	return nil
}

// Rendered is a message prepared for the browser.
type Rendered struct {
	Role      message.Role `json:"role"`
	Type      message.Type `json:"type"`
	Name      string       `json:"name"`
	Avatar    string       `json:"avatar"`
	Content   string       `json:"content"`
	HTML      string       `json:"html"`
	Timestamp time.Time    `json:"timestamp"`
}

// RenderMessage renders msg with its chat chrome. Assistant text and
// markdown replies are wrapped in an expanded collapsible block. On renderer
// failure the escaped content is used and the error is returned alongside.
func (r *Registry) RenderMessage(msg message.Message) (Rendered, error) {
	out := Rendered{
		Role:      msg.Role,
		Type:      msg.Type,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Name:      "Assistant",
		Avatar:    "🤖",
	}
	if message.IsUser(msg) {
		out.Name, out.Avatar = "You", "👤"
	}

	body, err := r.Render(msg)
	if err != nil {
		body = "<pre>" + template.HTMLEscapeString(msg.Content) + "</pre>"
	}

	if !message.IsUser(msg) && (msg.Type == message.TypeText || msg.Type == message.TypeMarkdown || msg.Type == "") {
		body = `<details class="response" open><summary>` + responseSummary + `</summary>` + body + `</details>`
	}
	out.HTML = body
	return out, err
}

// RenderAll renders a transcript; the first renderer error is returned with
// the full result.
func (r *Registry) RenderAll(msgs []message.Message) ([]Rendered, error) {
	out := make([]Rendered, 0, len(msgs))
	var firstErr error
	for _, m := range msgs {
		rendered, err := r.RenderMessage(m)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out = append(out, rendered)
	}
	return out, firstErr
}
