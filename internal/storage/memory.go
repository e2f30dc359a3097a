package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryOption configures MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithTTL expires sessions that were not updated within ttl. Zero disables
// expiry.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStorage) {
		s.ttl = ttl
	}
}

// WithMaxSessions caps the number of stored sessions; the least recently
// updated ones are evicted first. Zero means unlimited.
func WithMaxSessions(n int) MemoryOption {
	return func(s *MemoryStorage) {
		s.maxSessions = n
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		s.clock = clock
	}
}

// MemoryStorage keeps sessions in-memory and guards access with a RWMutex.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl         time.Duration
	maxSessions int
	clock       func() time.Time
}

// NewMemoryStorage initialises an empty store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		sessions: make(map[string]*Session),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns a defensive copy of the session.
func (s *MemoryStorage) Load(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	expired := ok && s.expired(sess)
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if expired {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && s.expired(cur) {
			delete(s.sessions, id)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Save stores a copy of sess and stamps its update time.
func (s *MemoryStorage) Save(_ context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(sess.Clone())
	return nil
}

// Update runs fn under the write lock.
func (s *MemoryStorage) Update(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[id]
	if !ok || s.expired(cur) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.put(next)
	return next.Clone(), nil
}

// Delete removes a session.
func (s *MemoryStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Len reports how many sessions are held, expired ones included.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }

// put must be called with the write lock held.
func (s *MemoryStorage) put(sess *Session) {
	now := s.clock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	s.sessions[sess.ID] = sess

	if s.maxSessions <= 0 {
		return
	}
	for len(s.sessions) > s.maxSessions {
		s.evictOldest(sess.ID)
	}
}

func (s *MemoryStorage) evictOldest(keep string) {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, sess := range s.sessions {
		if id == keep {
			continue
		}
		if oldestID == "" || sess.UpdatedAt.Before(oldest) {
			oldestID, oldest = id, sess.UpdatedAt
		}
	}
	if oldestID == "" {
		return
	}
	delete(s.sessions, oldestID)
}

func (s *MemoryStorage) expired(sess *Session) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.clock().Sub(sess.UpdatedAt) > s.ttl
}
