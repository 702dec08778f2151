// Package auth mints and checks the HS256 bearer token presented on the
// backend Socket.IO handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTTL = 5 * time.Minute

var (
	ErrNoSecret    = errors.New("auth: secret not configured")
	ErrMissingAuth = errors.New("auth: empty Authorization header")
	ErrBadFormat   = errors.New("auth: invalid Authorization format")
)

// Sign returns a token for subject that expires after ttl.
func Sign(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Header returns an http.Header carrying a fresh bearer token.
func Header(secret, subject string, ttl time.Duration) (http.Header, error) {
	token, err := Sign(secret, subject, ttl)
	if err != nil {
		return nil, err
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}, nil
}

// VerifyRequest checks the bearer token of r and returns its subject.
func VerifyRequest(r *http.Request, secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAuth
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", ErrBadFormat
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	return claims.Subject, nil
}
