package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ErrDuplicateEmail is returned when an email already has credentials.
var ErrDuplicateEmail = errors.New("email already registered")

// Credential is a stored sign-in record.
type Credential struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CredentialStore persists sign-in records.
type CredentialStore interface {
	Create(ctx context.Context, c Credential) error
	GetByEmail(ctx context.Context, email string) (Credential, bool, error)
}

// MemoryCredentialStore keeps credentials in-process.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	byEmail map[string]Credential
}

// NewMemoryCredentialStore initializes an empty store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{byEmail: make(map[string]Credential)}
}

// Create stores a credential unless the email is taken.
func (m *MemoryCredentialStore) Create(ctx context.Context, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byEmail[c.Email]; exists {
		return ErrDuplicateEmail
	}
	m.byEmail[c.Email] = c
	return nil
}

// GetByEmail looks up a credential by email.
func (m *MemoryCredentialStore) GetByEmail(ctx context.Context, email string) (Credential, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byEmail[email]
	return c, ok, nil
}

// CredentialModel is the GORM model for credentials.
type CredentialModel struct {
	UserID       string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// GormCredentialStore implements CredentialStore using GORM + Postgres.
type GormCredentialStore struct {
	db *gorm.DB
}

// NewGormCredentialStore migrates the credentials table.
func NewGormCredentialStore(db *gorm.DB) (*GormCredentialStore, error) {
	if err := db.AutoMigrate(&CredentialModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormCredentialStore{db: db}, nil
}

// Create inserts a credential; a unique violation maps to ErrDuplicateEmail.
func (s *GormCredentialStore) Create(ctx context.Context, c Credential) error {
	model := CredentialModel{
		UserID:       c.UserID,
		Email:        c.Email,
		PasswordHash: c.PasswordHash,
		CreatedAt:    c.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateEmail
	}
	return err
}

// GetByEmail looks up a credential by email.
func (s *GormCredentialStore) GetByEmail(ctx context.Context, email string) (Credential, bool, error) {
	var model CredentialModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, false, nil
		}
		return Credential{}, false, err
	}
	return Credential{
		UserID:       model.UserID,
		Email:        model.Email,
		PasswordHash: model.PasswordHash,
		CreatedAt:    model.CreatedAt,
	}, true, nil
}

// RedisCredentialStore keeps one JSON record per email. Create claims the
// email key with SETNX, so concurrent registrations from several processes
// admit exactly one.
type RedisCredentialStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCredentialStore builds a Redis-backed credential store.
func NewRedisCredentialStore(addr, password, prefix string) *RedisCredentialStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "directchat"
	}
	return &RedisCredentialStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Create stores a credential unless the email is taken.
func (s *RedisCredentialStore) Create(ctx context.Context, c Credential) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.key(c.Email), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateEmail
	}
	return nil
}

// GetByEmail looks up a credential by email.
func (s *RedisCredentialStore) GetByEmail(ctx context.Context, email string) (Credential, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, false, fmt.Errorf("decode credential: %w", err)
	}
	return c, true, nil
}

// Close releases the Redis connection pool.
func (s *RedisCredentialStore) Close() error {
	return s.client.Close()
}

func (s *RedisCredentialStore) key(email string) string {
	return s.prefix + ":credential:" + email
}
