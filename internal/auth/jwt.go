// Package auth issues and validates the bearer tokens that carry a caller's
// identity. The token subject is the identity every ledger check runs against.
package auth

import (
	"DelayLedger/internal/identity"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Authenticator signs and verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue returns a token whose subject is who, valid for ttl.
func (a *Authenticator) Issue(who identity.ID, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   who.String(),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses a bearer token ("Bearer " prefix optional) and returns the
// caller identity it names.
func (a *Authenticator) Validate(header string) (identity.ID, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	who, err := identity.Parse(claims.Subject)
	if err != nil {
		return "", ErrInvalidToken
	}
	return who, nil
}

type contextKey struct{}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, who identity.ID) context.Context {
	return context.WithValue(ctx, contextKey{}, who)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (identity.ID, bool) {
	who, ok := ctx.Value(contextKey{}).(identity.ID)
	return who, ok && !who.IsZero()
}
