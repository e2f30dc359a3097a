// Package session manages per-browser chat state: the transcript, the AWS
// credentials a user entered and their model settings.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
	"github.com/eugenenazirov/bedrock-chat/internal/storage"
)

// ErrInvalidSettings wraps every model settings validation failure.
var ErrInvalidSettings = errors.New("invalid model settings")

// Limits accepted for model settings.
const (
	MinMaxTokens = 1
	MaxMaxTokens = 4096
	MaxTopK      = 500
)

// Option customises a Manager.
type Option func(*Manager)

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		m.newID = fn
	}
}

// WithEnvLookup replaces os.Getenv for credential defaults.
func WithEnvLookup(fn func(string) string) Option {
	return func(m *Manager) {
		m.getenv = fn
	}
}

// Manager exposes session state operations on top of a storage.Store.
type Manager struct {
	store  storage.Store
	cfg    *config.Config
	logger *zap.Logger
	newID  func() string
	getenv func(string) string
}

// NewManager builds a Manager.
func NewManager(store storage.Store, cfg *config.Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		newID:  uuid.NewString,
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize returns the session identified by id, creating a fresh one when
// id is empty, unknown or expired.
func (m *Manager) Initialize(ctx context.Context, id string) (*storage.Session, error) {
	if id != "" {
		sess, err := m.store.Load(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	sess := &storage.Session{
		ID:       m.newID(),
		Messages: []message.Message{},
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session initialized", zap.String("session_id", sess.ID))
	return m.store.Load(ctx, sess.ID)
}

// SessionID returns the id of the session, creating one when needed.
func (m *Manager) SessionID(ctx context.Context, id string) (string, error) {
	sess, err := m.Initialize(ctx, id)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// AddMessage appends msg to the transcript.
func (m *Manager) AddMessage(ctx context.Context, id string, msg message.Message) error {
	_, err := m.store.Update(ctx, id, func(s *storage.Session) error {
		s.Messages = append(s.Messages, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// Messages returns the transcript in append order.
func (m *Manager) Messages(ctx context.Context, id string) ([]message.Message, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if sess.Messages == nil {
		return []message.Message{}, nil
	}
	return sess.Messages, nil
}

// ClearMessages empties the transcript and keeps everything else.
func (m *Manager) ClearMessages(ctx context.Context, id string) error {
	_, err := m.store.Update(ctx, id, func(s *storage.Session) error {
		s.Messages = []message.Message{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	m.logger.Info("chat history cleared", zap.String("session_id", id))
	return nil
}

// SaveCredentials stores the AWS keys for the session.
func (m *Manager) SaveCredentials(ctx context.Context, id, accessKeyID, secretAccessKey, region string) error {
	creds := &storage.Credentials{
		AccessKeyID:     strings.TrimSpace(accessKeyID),
		SecretAccessKey: strings.TrimSpace(secretAccessKey),
		Region:          strings.TrimSpace(region),
	}
	_, err := m.store.Update(ctx, id, func(s *storage.Session) error {
		s.Credentials = creds
		return nil
	})
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	m.logger.Info("credentials saved", zap.String("session_id", id), zap.String("region", creds.Region))
	return nil
}

// Credentials returns saved credentials or, when none were saved, the
// process environment keys and the configured region.
func (m *Manager) Credentials(ctx context.Context, id string) (storage.Credentials, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return storage.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if sess.Credentials != nil {
		return *sess.Credentials, nil
	}
	return m.DefaultCredentials(), nil
}

// DefaultCredentials reads AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
func (m *Manager) DefaultCredentials() storage.Credentials {
	return storage.Credentials{
		AccessKeyID:     m.getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: m.getenv("AWS_SECRET_ACCESS_KEY"),
		Region:          m.cfg.AWS.Region,
	}
}

// SaveModelSettings validates and stores the model settings.
func (m *Manager) SaveModelSettings(ctx context.Context, id string, settings storage.ModelSettings) error {
	if err := ValidateModelSettings(m.cfg, settings); err != nil {
		return err
	}
	_, err := m.store.Update(ctx, id, func(s *storage.Session) error {
		s.ModelSettings = &settings
		return nil
	})
	if err != nil {
		return fmt.Errorf("save model settings: %w", err)
	}
	m.logger.Info("model settings saved",
		zap.String("session_id", id),
		zap.String("model", settings.Model),
		zap.Float64("temperature", settings.Temperature),
		zap.Int("max_tokens", settings.MaxTokens),
	)
	return nil
}

// ModelSettings returns the saved settings or the configured defaults.
func (m *Manager) ModelSettings(ctx context.Context, id string) (storage.ModelSettings, error) {
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return storage.ModelSettings{}, fmt.Errorf("load model settings: %w", err)
	}
	if sess.ModelSettings != nil {
		return *sess.ModelSettings, nil
	}
	return m.DefaultModelSettings(), nil
}

// DefaultModelSettings combines models.default_model and
// models.default_settings.
func (m *Manager) DefaultModelSettings() storage.ModelSettings {
	return storage.ModelSettings{
		Model:           m.cfg.DefaultModel(),
		ModelParameters: m.cfg.DefaultModelSettings(),
	}
}

// ValidateModelSettings checks parameter ranges and that the model is in the
// catalog.
func ValidateModelSettings(cfg *config.Config, s storage.ModelSettings) error {
	switch {
	case s.Temperature < 0 || s.Temperature > 1:
		return fmt.Errorf("%w: temperature must be between 0 and 1", ErrInvalidSettings)
	case s.MaxTokens < MinMaxTokens || s.MaxTokens > MaxMaxTokens:
		return fmt.Errorf("%w: max_tokens must be between %d and %d", ErrInvalidSettings, MinMaxTokens, MaxMaxTokens)
	case s.TopP < 0 || s.TopP > 1:
		return fmt.Errorf("%w: top_p must be between 0 and 1", ErrInvalidSettings)
	case s.TopK < 0 || s.TopK > MaxTopK:
		return fmt.Errorf("%w: top_k must be between 0 and %d", ErrInvalidSettings, MaxTopK)
	case !cfg.HasModel(s.Model):
		return fmt.Errorf("%w: unknown model %q", ErrInvalidSettings, s.Model)
	}
	return nil
}
