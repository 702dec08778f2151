package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerify(t *testing.T) {
	header, err := Header("s3cret", "avc-monitor", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/socket.io/?EIO=4&transport=websocket", nil)
	r.Header = header
	subject, err := VerifyRequest(r, "s3cret")
	if err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}
	if subject != "avc-monitor" {
		t.Fatalf("subject = %q", subject)
	}
}

func TestVerifyRejects(t *testing.T) {
	valid, err := Sign("s3cret", "avc-monitor", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	past := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	stale, err := past.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		secret string
		want   error
	}{
		{"no header", "", "s3cret", ErrMissingAuth},
		{"not bearer", "Basic abc", "s3cret", ErrBadFormat},
		{"empty bearer", "Bearer ", "s3cret", ErrBadFormat},
		{"no secret", "Bearer " + valid, "", ErrNoSecret},
		{"wrong secret", "Bearer " + valid, "other", jwt.ErrTokenSignatureInvalid},
		{"expired", "Bearer " + stale, "s3cret", jwt.ErrTokenExpired},
		{"no expiry", "Bearer " + noExp, "s3cret", jwt.ErrTokenRequiredClaimMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if _, err := VerifyRequest(r, tt.secret); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
