// Package auth verifies the bearer tokens presented by racing clients.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL matches the lifetime of tokens handed out at login.
const DefaultTokenTTL = 5 * time.Hour

var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrMissingSecret   = errors.New("auth: signing secret must not be empty")
)

// Claims is the token payload. Only UserID is required.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates and issues HS256 tokens with a shared secret.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier for the given secret.
func NewVerifier(secret string) (*Verifier, error) {
	return NewVerifierWithClock(secret, nil)
}

// NewVerifierWithClock creates a Verifier with a custom clock.
func NewVerifierWithClock(secret string, now func() time.Time) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), ttl: DefaultTokenTTL, now: now}, nil
}

// Verify checks the credential and returns the user id it was issued to.
// Every failure wraps ErrUnauthenticated.
func (v *Verifier) Verify(credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: token has no userId", ErrUnauthenticated)
	}
	return claims.UserID, nil
}

// Issue signs a token for userID. Used by the -issue-token CLI action and tests.
func (v *Verifier) Issue(userID, email string) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id must not be empty")
	}
	now := v.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
