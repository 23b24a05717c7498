package domain

import "fmt"

// AuthErrorKind classifies authentication failures.
type AuthErrorKind int

const (
	InvalidCredentials AuthErrorKind = iota + 1
	EmailTaken
	NetworkFailure
	RateLimited
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid credentials"
	case EmailTaken:
		return "email taken"
	case NetworkFailure:
		return "network failure"
	case RateLimited:
		return "too many attempts"
	default:
		return "unknown"
	}
}

// AuthError is returned by sign-in and registration.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return "auth: " + e.Kind.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError of the same kind.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// StoreErrorKind classifies backend storage failures.
type StoreErrorKind int

const (
	Unreachable StoreErrorKind = iota + 1
	NotFound
)

func (k StoreErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// StoreError is returned by document and blob store operations.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %v", e.Kind, e.Err)
	}
	return "store: " + e.Kind.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Kind == e.Kind
}

// SessionErrorKind classifies chat session state violations.
type SessionErrorKind int

const (
	NoActiveLogin SessionErrorKind = iota + 1
	NotOpen
)

func (k SessionErrorKind) String() string {
	switch k {
	case NoActiveLogin:
		return "no active login"
	case NotOpen:
		return "not open"
	default:
		return "unknown"
	}
}

// SessionError is returned by chat session operations.
type SessionError struct {
	Kind SessionErrorKind
}

func (e *SessionError) Error() string { return "session: " + e.Kind.String() }

func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrInvalidCredentials = &AuthError{Kind: InvalidCredentials}
	ErrEmailTaken         = &AuthError{Kind: EmailTaken}
	ErrAuthNetwork        = &AuthError{Kind: NetworkFailure}
	ErrRateLimited        = &AuthError{Kind: RateLimited}

	ErrUnreachable = &StoreError{Kind: Unreachable}
	ErrNotFound    = &StoreError{Kind: NotFound}

	ErrNoActiveLogin = &SessionError{Kind: NoActiveLogin}
	ErrNotOpen       = &SessionError{Kind: NotOpen}
)

// NewAuthError wraps cause with an authentication failure kind.
func NewAuthError(kind AuthErrorKind, cause error) error {
	return &AuthError{Kind: kind, Err: cause}
}

// NewStoreError wraps cause with a storage failure kind.
func NewStoreError(kind StoreErrorKind, cause error) error {
	return &StoreError{Kind: kind, Err: cause}
}
