package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pdcaflow/internal/store"
)

func signToken(t *testing.T, secret string, claims jwtClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestBearerToken(t *testing.T) {
	if tok, ok := bearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("got %q %v", tok, ok)
	}
	if tok, ok := bearerToken("bearer abc"); !ok || tok != "abc" {
		t.Fatalf("case-insensitive scheme: %q %v", tok, ok)
	}
	if _, ok := bearerToken("Basic abc"); ok {
		t.Fatalf("basic should not parse")
	}
	if _, ok := bearerToken("Bearer"); ok {
		t.Fatalf("missing token should not parse")
	}
}

func TestAuthenticateJWT(t *testing.T) {
	secret := "s3cret"
	token := signToken(t, secret, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"admin"},
	})

	p, err := authenticateJWT(token, secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.ActorID != "u1" || !p.Admin || p.Source != "jwt" {
		t.Fatalf("principal = %+v", p)
	}

	if _, err := authenticateJWT(token, "other-secret"); err == nil {
		t.Fatalf("wrong secret accepted")
	}
	if _, err := authenticateJWT(token, ""); err == nil {
		t.Fatalf("unconfigured secret accepted")
	}

	noSubject := signToken(t, secret, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	if _, err := authenticateJWT(noSubject, secret); err == nil {
		t.Fatalf("token without subject accepted")
	}

	expired := signToken(t, secret, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if _, err := authenticateJWT(expired, secret); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestHandleErrorMapping(t *testing.T) {
	if got := handleError(store.ErrNotFound); got.GetStatus() != http.StatusNotFound {
		t.Fatalf("not found mapped to %d", got.GetStatus())
	}
	if got := handleError(errAs("category_id is required")); got.GetStatus() != http.StatusBadRequest {
		t.Fatalf("required mapped to %d", got.GetStatus())
	}
	if got := handleError(errAs("disk exploded")); got.GetStatus() != http.StatusInternalServerError {
		t.Fatalf("internal mapped to %d", got.GetStatus())
	}
	if handleError(nil) != nil {
		t.Fatalf("nil error should map to nil")
	}
}

type errAs string

func (e errAs) Error() string { return string(e) }
