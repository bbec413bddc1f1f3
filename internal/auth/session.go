// Package auth resolves session ids to principals for the administrative API.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSession means the session does not exist, has expired or
	// belongs to an unknown user.
	ErrInvalidSession = errors.New("invalid session")

	// ErrAccountLocked means the user authenticates through the directory
	// realm and that realm is disabled.
	ErrAccountLocked = errors.New("account locked: directory authentication is disabled")
)

// Session is an authenticated login.
type Session struct {
	ID         string
	Username   string
	LastAccess time.Time
}

// SessionStore holds sessions. Get returns ErrInvalidSession for absent or
// expired sessions.
type SessionStore interface {
	Create(ctx context.Context, username string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore keeps sessions in memory. A session expires when it was
// not touched for ttl.
type MemorySessionStore struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates a store. A nil clock uses time.Now.
func NewMemorySessionStore(ttl time.Duration, now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{ttl: ttl, now: now, sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) Create(ctx context.Context, username string) (*Session, error) {
	sess := &Session{ID: uuid.NewString(), Username: username, LastAccess: s.now()}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	cp := *sess
	return &cp, nil
}

// liveLocked returns the session or drops it when expired.
func (s *MemorySessionStore) liveLocked(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && s.now().Sub(sess.LastAccess) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	return sess, true
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.liveLocked(id)
	if !ok {
		return nil, ErrInvalidSession
	}
	cp := *sess
	return &cp, nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.liveLocked(id)
	if !ok {
		return ErrInvalidSession
	}
	sess.LastAccess = s.now()
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
