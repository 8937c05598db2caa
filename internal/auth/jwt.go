// Package auth provides PDS session tokens, password hashing and the bearer-token
// middleware.
//
// SESSION FLOW:
// 1. createAccount / createSession on a PDS returns an accessJwt and a refreshJwt
// 2. Clients send the access token as "Authorization: Bearer <accessJwt>"
// 3. RequireAuth validates it and puts the account DID in the request context
// 4. When the access token expires, the refresh token is exchanged for a new pair
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: algorithm + token type → {"alg":"HS256","typ":"JWT"}
//	- Payload: claims → {"sub":"did:proto:42","scope":"access","exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
//
// The subject is the account DID. The scope claim keeps a refresh token from being
// used as an access token and vice versa.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "relaynet"

// Token lifetimes.
const (
	AccessTTL  = 2 * time.Hour
	RefreshTTL = 30 * 24 * time.Hour
)

// Scope says what a token may be used for.
type Scope string

const (
	ScopeAccess  Scope = "access"
	ScopeRefresh Scope = "refresh"
)

var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrWrongScope   = errors.New("auth: token has the wrong scope")
)

// TokenService handles JWT creation and validation.
//
// It holds the HMAC secret key used to sign and verify tokens.
// Every PDS that should accept a session must share the same secret.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
// Example: RELAYNET_PDS_JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret), now: time.Now}, nil
}

// claims is the JWT payload. It embeds jwt.RegisteredClaims which includes
// standard fields like Issuer, Subject, ExpiresAt, IssuedAt.
type claims struct {
	jwt.RegisteredClaims
	Scope Scope `json:"scope"`
}

// Pair is an access token and its refresh token.
type Pair struct {
	Access  string
	Refresh string
}

// IssuePair signs a fresh access + refresh token pair for did.
func (s *TokenService) IssuePair(did string) (Pair, error) {
	access, err := s.sign(did, ScopeAccess, AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.sign(did, ScopeRefresh, RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// sign creates and signs one token.
//
// Signing algorithm: HS256 (HMAC-SHA256)
// - Symmetric: same key for signing and verifying
// - Fast and simple
func (s *TokenService) sign(did string, scope Scope, ttl time.Duration) (string, error) {
	now := s.now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token of the given scope and returns its DID.
//
// VALIDATION STEPS (performed by jwt.ParseWithClaims):
// 1. Decode header and payload
// 2. Check the signing method is HMAC (prevents the "alg: none" attack)
// 3. Verify the signature with our secret
// 4. Check expiry and issuer
func (s *TokenService) Validate(tokenStr string, scope Scope) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Scope != scope {
		return "", ErrWrongScope
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return c.Subject, nil
}
