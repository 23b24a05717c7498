package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"directchat/internal/util"
	"directchat/pkg/domain"
)

// Provider is the authentication collaborator: it checks credentials,
// creates accounts and holds the ID token of the signed-in user.
type Provider struct {
	creds   CredentialStore
	tokens  *TokenIssuer
	revoker TokenRevoker

	mu    sync.RWMutex
	token string
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithRevoker makes SignOut revoke the held token and Restore reject
// revoked tokens.
func WithRevoker(r TokenRevoker) ProviderOption {
	return func(p *Provider) { p.revoker = r }
}

// NewProvider builds a provider over a credential store and token issuer.
func NewProvider(creds CredentialStore, tokens *TokenIssuer, opts ...ProviderOption) *Provider {
	p := &Provider{creds: creds, tokens: tokens}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// SignIn validates credentials and stores a fresh ID token.
func (p *Provider) SignIn(ctx context.Context, email, password string) (string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return "", domain.ErrInvalidCredentials
	}
	cred, ok, err := p.creds.GetByEmail(ctx, email)
	if err != nil {
		return "", domain.NewAuthError(domain.NetworkFailure, fmt.Errorf("fetch credential: %w", err))
	}
	if !ok || !CheckPassword(password, cred.PasswordHash) {
		return "", domain.ErrInvalidCredentials
	}
	if err := p.startSession(cred.UserID); err != nil {
		return "", err
	}
	return cred.UserID, nil
}

// CreateAccount registers credentials and signs the new user in.
func (p *Provider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", domain.NewAuthError(domain.InvalidCredentials, errors.New("valid email required"))
	}
	if err := ValidatePassword(password); err != nil {
		return "", domain.NewAuthError(domain.InvalidCredentials, err)
	}
	_, exists, err := p.creds.GetByEmail(ctx, email)
	if err != nil {
		return "", domain.NewAuthError(domain.NetworkFailure, fmt.Errorf("check email: %w", err))
	}
	if exists {
		return "", domain.ErrEmailTaken
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	cred := Credential{
		UserID:       util.NewID(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return "", domain.ErrEmailTaken
		}
		return "", domain.NewAuthError(domain.NetworkFailure, fmt.Errorf("save credential: %w", err))
	}
	if err := p.startSession(cred.UserID); err != nil {
		return "", err
	}
	return cred.UserID, nil
}

// SignOut drops the held token and, with a revoker, revokes it. The token
// is dropped even when revocation fails.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	token := p.token
	p.token = ""
	p.mu.Unlock()
	if p.revoker == nil || token == "" {
		return nil
	}
	if err := p.revoker.Revoke(ctx, token, p.tokens.ttl); err != nil {
		return domain.NewAuthError(domain.NetworkFailure, fmt.Errorf("revoke token: %w", err))
	}
	return nil
}

// CurrentUserID returns the subject of the held token while it is valid.
func (p *Provider) CurrentUserID() (string, bool) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return "", false
	}
	uid, err := p.tokens.Verify(token)
	if err != nil {
		return "", false
	}
	return uid, true
}

// Token returns the held ID token, if any.
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Restore adopts a previously issued token, e.g. one persisted by a client.
func (p *Provider) Restore(ctx context.Context, token string) (string, error) {
	uid, err := p.tokens.Verify(token)
	if err != nil {
		return "", domain.NewAuthError(domain.InvalidCredentials, err)
	}
	if p.revoker != nil {
		revoked, err := p.revoker.IsRevoked(ctx, token)
		if err != nil {
			return "", domain.NewAuthError(domain.NetworkFailure, fmt.Errorf("check revocation: %w", err))
		}
		if revoked {
			return "", domain.NewAuthError(domain.InvalidCredentials, errors.New("token revoked"))
		}
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return uid, nil
}

func (p *Provider) startSession(userID string) error {
	token, err := p.tokens.Issue(userID)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return nil
}
