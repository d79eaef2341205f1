package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken indicates the token format is invalid or signature doesn't match
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken indicates the token has expired
	ErrExpiredToken = errors.New("authentication token has expired")
)

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// TokenValidator checks HS256 bearer tokens signed with a shared secret.
type TokenValidator struct {
	secret    []byte
	timeFunc  func() time.Time
	clockSkew time.Duration
}

// NewTokenValidator returns a validator for secret.
func NewTokenValidator(secret string) (*TokenValidator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	return &TokenValidator{
		secret:    []byte(secret),
		timeFunc:  time.Now,
		clockSkew: 2 * time.Minute,
	}, nil
}

// WithTimeFunc replaces the validation clock.
func (v *TokenValidator) WithTimeFunc(fn func() time.Time) *TokenValidator {
	v.timeFunc = fn
	return v
}

// Validate parses token and returns its subject claim.
func (v *TokenValidator) Validate(token string) (string, error) {
	now := v.timeFunc()
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return claims.Subject, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

// Sign issues an HS256 token for subject valid for ttl. Used by operators
// and tests to mint admin tokens.
func (v *TokenValidator) Sign(subject string, ttl time.Duration) (string, error) {
	now := v.timeFunc()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with HMAC-SHA256: %w", err)
	}
	return signed, nil
}
