// Package connector defines the contract between the chat front-end and a
// hosted language model, plus the Bedrock implementation.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

var (
	// ErrNotConfigured is returned when a connector has no usable credentials.
	ErrNotConfigured = errors.New("connector is not configured")
	// ErrUnknownProvider is returned by Registry.New for unregistered names.
	ErrUnknownProvider = errors.New("unknown provider")
)

// User facing error texts.
const (
	MsgInvalidRequest = "Error: The request format was invalid. This may be due to model requirements or input formatting."
	MsgAuthFailed     = "Error: Unable to authenticate with AWS. Please check your credentials."
	MsgNotConfigured  = "Error: Bedrock is not configured. Please check your AWS credentials."
	MsgUnexpected     = "Error: An unexpected error occurred. Please check logs for details."
)

// Stream yields response text chunks until io.EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Connector generates model replies for a transcript.
type Connector interface {
	// GenerateResponse returns the whole reply. A nil params uses the
	// configured defaults.
	GenerateResponse(ctx context.Context, msgs []message.Message, params *config.ModelParameters) (string, error)
	// GenerateStream starts a streamed reply. Callers must Close the stream.
	GenerateStream(ctx context.Context, msgs []message.Message, params *config.ModelParameters) (Stream, error)
	IsConfigured() bool
	ModelName() string
	SetModel(name string)
}

// Params carries what a factory needs to build a connector for one session.
type Params struct {
	Config      *config.Config
	Credentials storage.Credentials
	Model       string
	Logger      *zap.Logger
	HTTPClient  *http.Client
}

// Factory builds a connector.
type Factory func(ctx context.Context, p Params) (Connector, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the bedrock provider registered.
func DefaultRegistry(opts ...BedrockOption) *Registry {
	r := NewRegistry()
	r.Register(ProviderBedrock, func(ctx context.Context, p Params) (Connector, error) {
		return NewBedrock(ctx, p, opts...)
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[strings.ToLower(name)] = f
	r.mu.Unlock()
}

// New builds a connector for the named provider.
func (r *Registry) New(ctx context.Context, name string, p Params) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return f(ctx, p)
}

// Providers lists registered provider names in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UserMessage converts a connector error into text safe to show in the chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConfigured):
		return MsgNotConfigured
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsValidation():
			return MsgInvalidRequest
		case apiErr.IsAuth():
			return MsgAuthFailed
		}
	}
	return MsgUnexpected
}

// Classified reports whether err maps to a specific user message rather than
// the generic one.
func Classified(err error) bool {
	msg := UserMessage(err)
	return msg != "" && msg != MsgUnexpected
}

// DrainStream reads a stream to the end and returns the joined text.
func DrainStream(s Stream) (string, int, error) {
	defer s.Close()

	var (
		b      strings.Builder
		chunks int
	)
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), chunks, nil
			}
			return b.String(), chunks, err
		}
		chunks++
		b.WriteString(chunk)
	}
}
