package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// idp serves a JWKS document with one RSA signing key and counts fetches.
type idp struct {
	key     *rsa.PrivateKey
	kid     string
	fetches atomic.Int32
	status  int
	srv     *httptest.Server
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &idp{key: key, kid: "lab-key-1", status: http.StatusOK}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		if p.status != http.StatusOK {
			w.WriteHeader(p.status)
			return
		}
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &p.key.PublicKey, KeyID: p.kid, Algorithm: "RS256", Use: "sig"},
		}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *idp) sign(t *testing.T, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(p.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func stationClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tech-7",
			Issuer:    "https://idp.lab.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:  []string{"technician"},
		Scopes: []string{"sections.hematology"},
	}
}

func runJWKS(t *testing.T, mw echo.MiddlewareFunc, token string) (string, []string, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/scan", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	c := e.NewContext(req, httptest.NewRecorder())

	var actor string
	var scopes []string
	err := mw(func(c echo.Context) error {
		actor = UserIDFromContext(c.Request().Context())
		scopes = ScopesFromContext(c.Request().Context())
		return nil
	})(c)
	return actor, scopes, err
}

func TestJWTMiddleware_JWKSValidatesRS256(t *testing.T) {
	p := newIDP(t)
	mw := JWTMiddleware(JWTConfig{JWKSURL: p.srv.URL, Issuer: "https://idp.lab.test"})

	actor, scopes, err := runJWKS(t, mw, p.sign(t, p.kid, stationClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor != "tech-7" {
		t.Errorf("actor = %q, want tech-7", actor)
	}
	if len(scopes) != 1 || scopes[0] != "sections.hematology" {
		t.Errorf("scopes = %v", scopes)
	}

	// A second request is served from the cached key set.
	if _, _, err := runJWKS(t, mw, p.sign(t, p.kid, stationClaims())); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if got := p.fetches.Load(); got != 1 {
		t.Errorf("expected one jwks fetch, got %d", got)
	}
}

func TestJWTMiddleware_JWKSRejects(t *testing.T) {
	p := newIDP(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, stationClaims())
	forged.Header["kid"] = p.kid
	forgedStr, err := forged.SignedString(other)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"unknown kid", p.sign(t, "rotated-away", stationClaims())},
		{"missing kid", p.sign(t, "", stationClaims())},
		{"wrong signing key", forgedStr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := JWTMiddleware(JWTConfig{JWKSURL: p.srv.URL})
			_, _, err := runJWKS(t, mw, tt.token)
			assertStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestKeySet_UnknownKidRefetchIsThrottled(t *testing.T) {
	p := newIDP(t)
	ks := newKeySet(p.srv.URL, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	ks.now = func() time.Time { return now }

	if _, err := ks.key(context.Background(), p.kid); err != nil {
		t.Fatalf("known kid: %v", err)
	}
	if _, err := ks.key(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown kid error")
	}
	if got := p.fetches.Load(); got != 1 {
		t.Errorf("unknown kid inside the refresh floor must not refetch, got %d fetches", got)
	}

	now = now.Add(minRefresh)
	ks.key(context.Background(), "missing")
	if got := p.fetches.Load(); got != 2 {
		t.Errorf("expected a refetch after the refresh floor, got %d fetches", got)
	}
}

func TestKeySet_ExpiredKeysRefetched(t *testing.T) {
	p := newIDP(t)
	ks := newKeySet(p.srv.URL, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	ks.now = func() time.Time { return now }

	ks.key(context.Background(), p.kid)
	now = now.Add(2 * time.Minute)
	if _, err := ks.key(context.Background(), p.kid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.fetches.Load(); got != 2 {
		t.Errorf("expected refetch after ttl, got %d fetches", got)
	}
}

func TestKeySet_EndpointError(t *testing.T) {
	p := newIDP(t)
	p.status = http.StatusBadGateway
	ks := newKeySet(p.srv.URL, time.Minute)
	if _, err := ks.key(context.Background(), p.kid); err == nil {
		t.Fatal("expected error from failing jwks endpoint")
	}
}
