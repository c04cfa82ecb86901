package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config holds the status API credentials
type Config struct {
	Enabled  bool
	Username string
	// Password is a bcrypt hash or, for local use, plaintext
	Password    string
	JWTSecret   string
	TokenExpiry time.Duration
	// SessionID scopes issued tokens to one proctoring session
	SessionID string
}

// Authenticator guards the status API for proctors
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	tokens       *TokenIssuer
}

// NewAuthenticator creates an authenticator from config
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	username := cfg.Username
	if username == "" {
		username = "proctor"
	}

	var passwordHash []byte
	if cfg.Enabled {
		if cfg.Password == "" {
			return nil, fmt.Errorf("auth enabled but no password configured")
		}
		if isBcryptHash(cfg.Password) {
			passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("failed to hash password: %w", err)
			}
			passwordHash = hash
		}
	}

	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     username,
		passwordHash: passwordHash,
		tokens:       NewTokenIssuer(cfg.JWTSecret, cfg.SessionID, cfg.TokenExpiry),
	}, nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate checks the operator's credentials and issues a token for
// the current session.
func (a *Authenticator) Authenticate(username, password string) (Token, error) {
	if !a.enabled {
		return Token{}, ErrAuthDisabled
	}

	if username != a.username {
		return Token{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return Token{}, ErrInvalidCredentials
	}

	return a.tokens.Issue(username)
}

// ValidateToken verifies an operator token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.Verify(token)
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
