package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	// ErrForeignSession rejects a token minted for another proctoring session
	// that happened to share the signing secret.
	ErrForeignSession = errors.New("token belongs to another session")
)

const (
	tokenIssuer   = "proctor"
	tokenAudience = "proctor-status"

	defaultTokenTTL = 8 * time.Hour
)

// Claims identify the operator watching a session.
type Claims struct {
	// SessionID is the proctoring session the token was issued for
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Operator is the signed-in proctor.
func (c *Claims) Operator() string { return c.Subject }

// Token is an issued operator token.
type Token struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies operator tokens bound to one session.
type TokenIssuer struct {
	key       []byte
	ttl       time.Duration
	sessionID string
	now       func() time.Time
}

// NewTokenIssuer builds an issuer for sessionID. An empty secret is
// replaced by a random key, so tokens die with the process.
func NewTokenIssuer(secret, sessionID string, ttl time.Duration) *TokenIssuer {
	if secret == "" {
		b := make([]byte, 32)
		rand.Read(b)
		secret = hex.EncodeToString(b)
		log.Printf("[Auth] No JWT secret configured, tokens are valid for this run only")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{
		key:       []byte(secret),
		ttl:       ttl,
		sessionID: sessionID,
		now:       time.Now,
	}
}

// Issue mints a token for operator.
func (i *TokenIssuer) Issue(operator string) (Token, error) {
	now := i.now()
	tok := Token{ID: uuid.NewString(), ExpiresAt: now.Add(i.ttl)}

	claims := &Claims{
		SessionID: i.sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.ID,
			Subject:   operator,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, err
	}
	tok.Value = signed
	return tok, nil
}

// Verify checks signature, issuer, audience, lifetime and session.
func (i *TokenIssuer) Verify(value string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Subject == "":
		return nil, ErrInvalidToken
	case i.sessionID != "" && claims.SessionID != i.sessionID:
		return nil, ErrForeignSession
	}
	return claims, nil
}
