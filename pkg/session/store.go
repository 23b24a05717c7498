// Package session tracks who is signed in and tells interested parties when
// that changes.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"directchat/internal/async"
	"directchat/pkg/domain"
)

// AuthProvider is the hosted authentication collaborator.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (string, error)
	CreateAccount(ctx context.Context, email, password string) (string, error)
	SignOut(ctx context.Context) error
	CurrentUserID() (string, bool)
}

// Profiles provisions profile records at registration.
type Profiles interface {
	Create(ctx context.Context, u domain.User) error
	UploadAvatar(ctx context.Context, id string, r io.Reader, size int64, contentType string) (string, error)
}

// Limiter throttles login attempts per key.
type Limiter interface {
	Allow(key string) bool
}

// Profile carries optional registration data.
type Profile struct {
	Avatar            []byte
	AvatarContentType string
}

// EventKind tells which transition happened.
type EventKind int

const (
	LoggedIn EventKind = iota + 1
	LoggedOut
)

// Event is a session-changed notification.
type Event struct {
	Kind   EventKind
	UserID string
}

// Option customises a Store.
type Option func(*Store)

// WithLimiter throttles Login per email.
func WithLimiter(l Limiter) Option {
	return func(s *Store) { s.limiter = l }
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store holds the identity of the signed-in user.
type Store struct {
	auth     AuthProvider
	profiles Profiles
	limiter  Limiter
	log      *slog.Logger

	mu      sync.RWMutex
	current string
	subs    map[uint64]func(Event)
	nextSub uint64
}

// New builds a Store and adopts a session the provider already holds.
func New(auth AuthProvider, profiles Profiles, opts ...Option) *Store {
	s := &Store{
		auth:     auth,
		profiles: profiles,
		log:      slog.Default(),
		subs:     make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if uid, ok := auth.CurrentUserID(); ok {
		s.current = uid
	}
	return s
}

// Login signs in and makes the user current.
func (s *Store) Login(ctx context.Context, creds domain.Credentials) (string, error) {
	email := domain.NormalizeEmail(creds.Email)
	if s.limiter != nil && !s.limiter.Allow("login:"+email) {
		return "", domain.ErrRateLimited
	}
	uid, err := s.auth.SignIn(ctx, email, creds.Password)
	if err != nil {
		return "", err
	}
	s.setCurrent(uid)
	return uid, nil
}

// Register creates the account, provisions its profile, and makes it current.
func (s *Store) Register(ctx context.Context, creds domain.Credentials, p Profile) (string, error) {
	email := domain.NormalizeEmail(creds.Email)
	uid, err := s.auth.CreateAccount(ctx, email, creds.Password)
	if err != nil {
		return "", err
	}
	user := domain.User{ID: uid, Email: email, CreatedAt: time.Now().UTC()}
	if err := s.profiles.Create(ctx, user); err != nil {
		s.abandonSignIn(ctx)
		return "", fmt.Errorf("provision profile: %w", err)
	}
	if len(p.Avatar) > 0 {
		if _, err := s.profiles.UploadAvatar(ctx, uid, bytes.NewReader(p.Avatar), int64(len(p.Avatar)), p.AvatarContentType); err != nil {
			s.abandonSignIn(ctx)
			return "", fmt.Errorf("provision avatar: %w", err)
		}
	}
	s.setCurrent(uid)
	return uid, nil
}

// abandonSignIn drops the provider session opened by a registration that
// could not complete.
func (s *Store) abandonSignIn(ctx context.Context) {
	if err := s.auth.SignOut(ctx); err != nil {
		s.log.Warn("sign out after failed registration", "err", err)
	}
}

// LoginAsync runs Login without blocking the caller.
func (s *Store) LoginAsync(ctx context.Context, creds domain.Credentials) *async.Future[string] {
	return async.Go(ctx, func(ctx context.Context) (string, error) {
		return s.Login(ctx, creds)
	})
}

// RegisterAsync runs Register without blocking the caller.
func (s *Store) RegisterAsync(ctx context.Context, creds domain.Credentials, p Profile) *async.Future[string] {
	return async.Go(ctx, func(ctx context.Context) (string, error) {
		return s.Register(ctx, creds, p)
	})
}

// Logout clears the session. A provider failure is logged, not returned.
func (s *Store) Logout(ctx context.Context) {
	if err := s.auth.SignOut(ctx); err != nil {
		s.log.Warn("provider sign out failed", "err", err)
	}
	s.mu.Lock()
	uid := s.current
	s.current = ""
	s.mu.Unlock()
	if uid != "" {
		s.notify(Event{Kind: LoggedOut, UserID: uid})
	}
}

// CurrentUser returns the signed-in user ID.
func (s *Store) CurrentUser() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current != ""
}

// Subscribe registers fn for session changes and returns its cancel func.
// Notifications are delivered synchronously after the state change.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) setCurrent(uid string) {
	s.mu.Lock()
	prev := s.current
	s.current = uid
	s.mu.Unlock()
	if prev != "" && prev != uid {
		s.notify(Event{Kind: LoggedOut, UserID: prev})
	}
	s.notify(Event{Kind: LoggedIn, UserID: uid})
}

func (s *Store) notify(ev Event) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.mu.RLock()
		fn, ok := s.subs[id]
		s.mu.RUnlock()
		if ok {
			fn(ev)
		}
	}
}
