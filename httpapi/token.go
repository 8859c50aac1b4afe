// Copyright 2025 Wire Swiss GmbH
// SPDX-License-Identifier: GPL-3.0-or-later

package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wireapp/kalium-sub012/internal/auth"
)

// JWTAuth mints and validates the HS256 bearer tokens the backup service
// expects.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims are the claims carried by a backup-service token.
type JWTClaims struct {
	ClientID string `json:"cid"` // registered device id
	jwt.RegisteredClaims
}

// GenerateToken mints a token for the given user and device.
func (j *JWTAuth) GenerateToken(userID, clientID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}

// Minter returns a mint function that derives the caller's identity from
// the request context and signs a token for it. Plugs into NewTokenSource.
func (j *JWTAuth) Minter(expiration time.Duration) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		userID, ok := auth.UserID(ctx)
		if !ok {
			return "", fmt.Errorf("no user id in request context")
		}
		clientID, _ := auth.ClientID(ctx)
		return j.GenerateToken(userID, clientID, expiration)
	}
}

// TokenSource caches a minted bearer token and re-mints it shortly before
// expiry. Safe for concurrent use; plugs into Client.Token.
type TokenSource struct {
	mint   func(context.Context) (string, error)
	leeway time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource wraps mint, reusing each minted token until 30 seconds
// before its exp claim. Tokens without an exp claim are not cached.
func NewTokenSource(mint func(context.Context) (string, error)) *TokenSource {
	return &TokenSource{mint: mint, leeway: 30 * time.Second}
}

// Token returns a cached token or mints a fresh one.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry.Add(-s.leeway)) {
		return s.token, nil
	}

	token, err := s.mint(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}

	s.token = token
	s.expiry = time.Time{}
	// Expiry is read without signature verification; the server remains the
	// authority on validity.
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		s.expiry = claims.ExpiresAt.Time
	}
	return token, nil
}
