// Package app wires the chat core together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"directchat/internal/ratelimit"
	"directchat/internal/util"
	"directchat/pkg/auth"
	"directchat/pkg/chat"
	"directchat/pkg/docstore"
	"directchat/pkg/domain"
	"directchat/pkg/messages"
	"directchat/pkg/profile"
	"directchat/pkg/queue"
	"directchat/pkg/recent"
	"directchat/pkg/session"
	"directchat/pkg/storage"
)

// Config holds runtime configuration.
type Config struct {
	DocumentBackend string
	DatabaseURL     string
	PollInterval    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	// Minio is used for avatars when Endpoint is set; otherwise avatars stay
	// in memory.
	Minio storage.MinioConfig

	JWTSecret  string
	JWTIssuer  string
	SessionTTL time.Duration

	LoginRateLimitPerMinute int

	IndexMode    string
	IndexWorkers int
	IndexStream  string

	Logger *slog.Logger
}

// App owns every component and the open chats of this process.
type App struct {
	Auth     *auth.Provider
	Sessions *session.Store
	Profiles *profile.Directory
	Messages *messages.Store
	Recent   *recent.Index

	log         *slog.Logger
	indexer     chat.IndexUpdater
	inline      *chat.AsyncIndexer
	stopWorkers context.CancelFunc
	closers     []func() error
	unsubscribe func()

	mu    sync.Mutex
	chats map[domain.ConversationKey]*chat.Session
}

// New builds the app. Components that cannot be built release whatever was
// already opened.
func New(cfg Config) (_ *App, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{log: logger, chats: make(map[domain.ConversationKey]*chat.Session)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	docs, db, err := a.openDocuments(cfg)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(cfg.Minio)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("init token issuer: %w", err)
	}
	creds, err := a.openCredentials(cfg, db)
	if err != nil {
		return nil, err
	}
	var revoker auth.TokenRevoker = auth.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		rr := auth.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		a.closers = append(a.closers, rr.Close)
		revoker = rr
	}
	a.Auth = auth.NewProvider(creds, tokens, auth.WithRevoker(revoker))

	a.Profiles = profile.New(docs, blobs)
	sessionOpts := []session.Option{session.WithLogger(logger)}
	if cfg.LoginRateLimitPerMinute > 0 {
		limiter, err := newLoginLimiter(cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, limiter.Close)
		sessionOpts = append(sessionOpts, session.WithLimiter(limiter))
	}
	a.Sessions = session.New(a.Auth, a.Profiles, sessionOpts...)
	a.Messages = messages.New(docs, messages.WithLogger(logger))
	a.Recent = recent.New(docs, a.Profiles, recent.WithLogger(logger))

	if err := a.startIndexer(cfg); err != nil {
		return nil, err
	}

	a.unsubscribe = a.Sessions.Subscribe(func(ev session.Event) {
		if ev.Kind == session.LoggedOut {
			a.CloseAllChats()
		}
	})
	return a, nil
}

func (a *App) openDocuments(cfg Config) (docstore.Store, *gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DocumentBackend)) {
	case "", "memory":
		return docstore.NewMemoryStore(), nil, nil
	case "redis":
		rs, err := docstore.NewRedisStore(docstore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init redis document store: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("database URL required")
		}
		db, err := docstore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		gs, err := docstore.NewGormStoreFromDB(db, cfg.PollInterval)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return gs, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown document backend: %s", cfg.DocumentBackend)
	}
}

// openCredentials keeps sign-in records next to the documents, so every
// process sharing a backend sees the same accounts.
func (a *App) openCredentials(cfg Config, db *gorm.DB) (auth.CredentialStore, error) {
	switch {
	case db != nil:
		gormCreds, err := auth.NewGormCredentialStore(db)
		if err != nil {
			return nil, fmt.Errorf("init credential store: %w", err)
		}
		return gormCreds, nil
	case strings.EqualFold(strings.TrimSpace(cfg.DocumentBackend), "redis"):
		rc := auth.NewRedisCredentialStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
		a.closers = append(a.closers, rc.Close)
		return rc, nil
	default:
		return auth.NewMemoryCredentialStore(), nil
	}
}

func openBlobs(cfg storage.MinioConfig) (storage.BlobStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return storage.NewMemoryStore("avatars"), nil
	}
	ms, err := storage.NewMinioStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return ms, nil
}

func newLoginLimiter(cfg Config) (*ratelimit.FixedWindowLimiter, error) {
	var (
		limiter *ratelimit.FixedWindowLimiter
		err     error
	)
	if cfg.RedisAddr != "" {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.LoginRateLimitPerMinute, time.Minute)
	} else {
		limiter, err = ratelimit.NewMemoryFixedWindowLimiter(cfg.LoginRateLimitPerMinute, time.Minute)
	}
	if err != nil {
		return nil, fmt.Errorf("init login limiter: %w", err)
	}
	return limiter, nil
}

func (a *App) startIndexer(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.IndexMode)) {
	case "", "inline":
		a.inline = chat.NewAsyncIndexer(a.Recent, a.log)
		a.indexer = a.inline
		return nil
	case "queue":
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   defaultIndexStream(cfg.IndexStream),
			Consumer: util.NewID(),
			Block:    time.Second,
		})
		if err != nil {
			return fmt.Errorf("init index queue: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		a.indexer = chat.NewQueueIndexer(q, a.log)
		if cfg.IndexWorkers > 0 {
			ctx, cancel := context.WithCancel(context.Background())
			a.stopWorkers = cancel
			q.Start(ctx, cfg.IndexWorkers, chat.IndexJobHandler(a.Recent))
			a.log.Info("index workers started", "workers", cfg.IndexWorkers)
		}
		return nil
	default:
		return fmt.Errorf("unknown index mode: %s", cfg.IndexMode)
	}
}

func defaultIndexStream(name string) string {
	if strings.TrimSpace(name) == "" {
		return "directchat:index-jobs"
	}
	return name
}

// OpenChat opens, or returns the already open, chat between the current user
// and peer. onMessage applies only when a new chat is opened.
func (a *App) OpenChat(ctx context.Context, peer string, onMessage func(domain.Message)) (*chat.Session, error) {
	uid, ok := a.Sessions.CurrentUser()
	if !ok {
		return nil, domain.ErrNoActiveLogin
	}
	key := domain.NewConversationKey(uid, peer)

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.chats[key]; ok && existing.State() != chat.Closed {
		return existing, nil
	}
	c := chat.New(a.Sessions, a.Messages, a.indexer, chat.WithLogger(a.log))
	if err := c.Open(ctx, uid, peer, onMessage); err != nil {
		return nil, err
	}
	a.chats[key] = c
	return c, nil
}

// CloseChat closes the current user's chat with peer, if open.
func (a *App) CloseChat(peer string) {
	uid, ok := a.Sessions.CurrentUser()
	if !ok {
		return
	}
	key := domain.NewConversationKey(uid, peer)
	a.mu.Lock()
	c := a.chats[key]
	delete(a.chats, key)
	a.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// CloseAllChats closes every open chat. It runs on logout.
func (a *App) CloseAllChats() {
	a.mu.Lock()
	chats := a.chats
	a.chats = make(map[domain.ConversationKey]*chat.Session)
	a.mu.Unlock()
	for _, c := range chats {
		c.Close()
	}
	if len(chats) > 0 {
		a.log.Info("closed open chats", "count", len(chats))
	}
}

// FlushIndex waits for inline index updates submitted so far.
func (a *App) FlushIndex() {
	if a.inline != nil {
		a.inline.Wait()
	}
}

// Close closes chats, stops index workers and releases backends.
func (a *App) Close() error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.CloseAllChats()
	a.FlushIndex()
	if a.stopWorkers != nil {
		a.stopWorkers()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
