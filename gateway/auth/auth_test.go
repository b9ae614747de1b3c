// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

func signedToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if _, err := BearerToken(r); !errors.Is(err, ErrNoBearerToken) {
		t.Errorf("missing header: got %v, want ErrNoBearerToken", err)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := BearerToken(r); err == nil {
		t.Error("Basic credentials accepted as bearer token")
	}

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	tok, err := BearerToken(r)
	if err != nil || tok != "abc.def.ghi" {
		t.Errorf("got (%q, %v), want abc.def.ghi", tok, err)
	}
}

func TestClaimsUnverified(t *testing.T) {
	raw := signedToken(t, []byte("secret"), jwt.MapClaims{"sub": "user-1", "admin": true})
	e := &ClaimsExtractor{}
	props, err := e.Claims(raw)
	if err != nil {
		t.Fatal(err)
	}
	if props["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", props["sub"])
	}
	if props["admin"] != true {
		t.Errorf("admin = %v, want true", props["admin"])
	}
}

func TestClaimsVerified(t *testing.T) {
	key := []byte("the-signing-key")
	raw := signedToken(t, key, jwt.MapClaims{"sub": "user-2"})

	good := &ClaimsExtractor{Verify: func(tok *jwt.Token) (any, error) { return key, nil }}
	props, err := good.Claims(raw)
	if err != nil {
		t.Fatal(err)
	}
	if props["sub"] != "user-2" {
		t.Errorf("sub = %v, want user-2", props["sub"])
	}

	bad := &ClaimsExtractor{Verify: func(tok *jwt.Token) (any, error) { return []byte("wrong-key"), nil }}
	if _, err := bad.Claims(raw); err == nil {
		t.Error("token verified against the wrong key")
	}
}

func TestClaimsFromRequest(t *testing.T) {
	raw := signedToken(t, []byte("k"), jwt.MapClaims{"sub": "user-3"})
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	e := &ClaimsExtractor{}
	props, err := e.ClaimsFromRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	if props["sub"] != "user-3" {
		t.Errorf("sub = %v, want user-3", props["sub"])
	}
}

func TestClaimsMalformedToken(t *testing.T) {
	e := &ClaimsExtractor{}
	if _, err := e.Claims("not-a-jwt"); err == nil {
		t.Error("malformed token decoded")
	}
}

func TestTokenSourceProperties(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: "opaque",
		TokenType:   "Bearer",
		Expiry:      expiry,
	})
	props, err := TokenSourceProperties(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if props["token_type"] != "Bearer" {
		t.Errorf("token_type = %v, want Bearer", props["token_type"])
	}
	if props["expires_at"] != expiry.Unix() {
		t.Errorf("expires_at = %v, want %d", props["expires_at"], expiry.Unix())
	}
}
