package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
)

var (
	// ErrNotFound indicates the session does not exist or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidSession is returned when a record without an id is saved.
	ErrInvalidSession = errors.New("session id must not be empty")
)

// Credentials are the AWS keys a user entered for their session.
type Credentials struct {
	AccessKeyID     string `json:"aws_access_key_id"`
	SecretAccessKey string `json:"aws_secret_access_key"`
	Region          string `json:"region_name"`
}

// Complete reports whether every credential value is present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.AccessKeyID) != "" &&
		strings.TrimSpace(c.SecretAccessKey) != "" &&
		strings.TrimSpace(c.Region) != ""
}

// ModelSettings is the model choice plus sampling parameters of a session.
type ModelSettings struct {
	Model string `json:"model"`
	config.ModelParameters
}

// Session is everything kept for one browser session.
type Session struct {
	ID            string            `json:"id"`
	Messages      []message.Message `json:"messages"`
	Credentials   *Credentials      `json:"credentials,omitempty"`
	ModelSettings *ModelSettings    `json:"model_settings,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = message.CloneAll(s.Messages)
	if s.Credentials != nil {
		creds := *s.Credentials
		out.Credentials = &creds
	}
	if s.ModelSettings != nil {
		settings := *s.ModelSettings
		out.ModelSettings = &settings
	}
	return &out
}

// Store persists session records.
type Store interface {
	// Load returns a copy of the session or ErrNotFound.
	Load(ctx context.Context, id string) (*Session, error)
	// Save creates or replaces a session.
	Save(ctx context.Context, s *Session) error
	// Update applies fn to the stored session atomically and returns the
	// result. fn errors abort the update.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	// Delete removes a session; deleting a missing one is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// New builds the store selected by storage.type.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case config.StorageSession, config.StorageMemory, "":
		return NewMemoryStorage(
			WithTTL(cfg.Retention()),
			WithMaxSessions(cfg.MaxConversations),
		), nil
	case config.StorageRedis:
		store, err := NewRedisStoreFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}
