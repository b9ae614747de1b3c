// Copyright 2025 The BridgeMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package auth bridges the OAuth 2.1 authorization layer fronting a
// deployment into the opaque session properties every transport attaches at
// initialization. It decodes already-validated bearer claims; it does not
// itself perform token introspection or the authorization-code flow, which
// belong to the fronting authorization server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrNoBearerToken is returned by ClaimsFromRequest when the request carries
// no Authorization: Bearer header.
var ErrNoBearerToken = errors.New("auth: no bearer token present")

// ClaimsExtractor decodes a bearer token's claims into the opaque property
// map a Session attaches at initialization. It does not verify the token's
// signature against an authorization server's keys: that verification is
// expected to have already happened upstream (e.g. in a reverse-proxying
// authorization server, or a prior middleware stage). When Verify is non-nil it is
// used as the jwt.Keyfunc for a best-effort local check; leaving it nil
// decodes claims without verification, appropriate behind a trusted proxy
// that has already validated the token.
type ClaimsExtractor struct {
	Verify jwt.Keyfunc
}

// ClaimsFromRequest extracts the bearer token from r's Authorization
// header and decodes it into a properties map suitable for
// Session.Initialize. Numeric and string claims round-trip as their natural
// Go types (float64, string, bool) via jwt.MapClaims.
func (e *ClaimsExtractor) ClaimsFromRequest(r *http.Request) (map[string]any, error) {
	tok, err := BearerToken(r)
	if err != nil {
		return nil, err
	}
	return e.Claims(tok)
}

// Claims decodes raw's claims without requiring the surrounding
// Authorization header, for callers (e.g. tests, or a WebSocket handshake
// carrying the token in a query parameter) that already have the bare
// token string.
func (e *ClaimsExtractor) Claims(raw string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	var err error
	if e.Verify != nil {
		_, err = parser.ParseWithClaims(raw, claims, e.Verify)
	} else {
		_, _, err = parser.ParseUnverified(raw, claims)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: decoding bearer claims: %w", err)
	}
	props := make(map[string]any, len(claims))
	for k, v := range claims {
		props[k] = v
	}
	return props, nil
}

// BearerToken extracts the raw token from r's Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrNoBearerToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", fmt.Errorf("auth: Authorization header is not a bearer token")
	}
	return strings.TrimPrefix(h, prefix), nil
}

// TokenSourceProperties flattens an oauth2.Token's expiry and scope into the
// same properties map shape, for deployments whose session properties are
// populated from a server-to-server token exchange rather than a client's
// own bearer header (e.g. the dispatcher's internal WebSocket proxy
// authenticating to a session owner on another node).
func TokenSourceProperties(ctx context.Context, src oauth2.TokenSource) (map[string]any, error) {
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("auth: obtaining token: %w", err)
	}
	props := map[string]any{
		"token_type": tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		props["expires_at"] = tok.Expiry.Unix()
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		props["scope"] = scope
	}
	return props, nil
}
