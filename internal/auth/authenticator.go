package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// User is an account known to the user directory.
type User struct {
	Name string
	// External users authenticate through the directory realm.
	External bool
}

// UserStore loads users by name. Load returns nil, nil for unknown users.
type UserStore interface {
	Load(ctx context.Context, name string) (*User, error)
}

// MemoryUserStore is a fixed set of users.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUserStore creates a store holding users.
func NewMemoryUserStore(users ...User) *MemoryUserStore {
	s := &MemoryUserStore{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.Name] = u
	}
	return s
}

// Put adds or replaces a user.
func (s *MemoryUserStore) Put(u User) {
	s.mu.Lock()
	s.users[u.Name] = u
	s.mu.Unlock()
}

func (s *MemoryUserStore) Load(ctx context.Context, name string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Username  string
	SessionID string
	Realm     string
}

// Options are per-request authentication flags, taken from the request by
// the caller.
type Options struct {
	// NoSessionExtension leaves the session's last access time unchanged.
	NoSessionExtension bool
}

// SessionRealm names principals authenticated by session.
const SessionRealm = "session authenticator"

// SessionAuthenticator resolves a session id to a principal.
type SessionAuthenticator struct {
	sessions         SessionStore
	users            UserStore
	directoryEnabled func() bool
	logger           *slog.Logger
}

// AuthenticatorOption configures a SessionAuthenticator.
type AuthenticatorOption func(*SessionAuthenticator)

// WithDirectory reports whether the directory realm is enabled. Without it
// the realm counts as disabled and external users are locked out.
func WithDirectory(enabled func() bool) AuthenticatorOption {
	return func(a *SessionAuthenticator) { a.directoryEnabled = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AuthenticatorOption {
	return func(a *SessionAuthenticator) { a.logger = logger }
}

// NewSessionAuthenticator creates an authenticator.
func NewSessionAuthenticator(sessions SessionStore, users UserStore, opts ...AuthenticatorOption) *SessionAuthenticator {
	a := &SessionAuthenticator{
		sessions:         sessions,
		users:            users,
		directoryEnabled: func() bool { return false },
		logger:           slog.Default().With("component", "auth"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate returns the principal owning the session. It fails with
// ErrInvalidSession when the session or its user is unknown and with
// ErrAccountLocked for external users while the directory is disabled. The
// session is extended unless opts.NoSessionExtension is set.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, sessionID string, opts Options) (*Principal, error) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			a.logger.Debug("invalid session, either it has expired or did not exist", "session", sessionID)
		}
		return nil, err
	}

	user, err := a.users.Load(ctx, sess.Username)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", sess.Username, err)
	}
	if user == nil {
		a.logger.Debug("no user found for session", "user", sess.Username, "session", sessionID)
		return nil, ErrInvalidSession
	}
	if user.External && !a.directoryEnabled() {
		return nil, ErrAccountLocked
	}

	if opts.NoSessionExtension {
		a.logger.Debug("not extending session because the request indicated not to", "session", sessionID)
	} else if err := a.sessions.Touch(ctx, sessionID); err != nil {
		return nil, err
	}

	return &Principal{Username: user.Name, SessionID: sessionID, Realm: SessionRealm}, nil
}

type principalKey struct{}

// WithPrincipal attaches a principal to a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
