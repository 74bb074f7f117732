// SPDX-License-Identifier: MIT

package auth

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sectify/sectify/internal/crypto/kdf"
)

// TokenPurpose tags what a token may be used for.
type TokenPurpose string

const (
	PurposeAccess TokenPurpose = "access"
	PurposeMFA    TokenPurpose = "mfa_verification"
)

const (
	// MaxTokenAge is the absolute cap on token age: a token older than
	// this is rejected even when exp lies in the future.
	MaxTokenAge = 86400 * time.Second

	// ClockSkew is the accepted clock skew on temporal claims.
	ClockSkew = 30 * time.Second
)

// Claims is the session token envelope.
type Claims struct {
	jwt.RegisteredClaims

	Purpose   TokenPurpose `json:"purpose"`
	IPHash    string       `json:"ip_hash,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

// TokenService issues and verifies HS256-signed session tokens. The signing
// key is derived from the master secret, never the secret itself.
type TokenService struct {
	signingKey []byte
	secret     []byte
	accessTTL  time.Duration
	mfaTTL     time.Duration
	now        func() time.Time
}

// NewTokenService derives the signing key and returns a ready service.
// Derivation runs the full PBKDF2 round count; construct once at startup.
func NewTokenService(master []byte, accessTTL, mfaTTL time.Duration) *TokenService {
	return &TokenService{
		signingKey: kdf.Derive(master, kdf.PurposeSessionBind, []byte("token-signing")),
		secret:     master,
		accessTTL:  accessTTL,
		mfaTTL:     mfaTTL,
		now:        time.Now,
	}
}

// AccessTTL reports the configured access-token lifetime.
func (ts *TokenService) AccessTTL() time.Duration { return ts.accessTTL }

// IssueAccess mints an access token bound to a session and the caller's IP.
func (ts *TokenService) IssueAccess(userID, sessionID, ip string) (string, error) {
	return ts.issue(userID, PurposeAccess, sessionID, ip, ts.accessTTL)
}

// IssueMFA mints a short-lived token accepted only by the 2FA verify
// endpoint.
func (ts *TokenService) IssueMFA(userID, ip string) (string, error) {
	return ts.issue(userID, PurposeMFA, "", ip, ts.mfaTTL)
}

func (ts *TokenService) issue(userID string, purpose TokenPurpose, sessionID, ip string, ttl time.Duration) (string, error) {
	now := ts.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose:   purpose,
		SessionID: sessionID,
	}
	if ip != "" {
		claims.IPHash = hex.EncodeToString(kdf.IPHash(ts.secret, ip))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. A token is valid iff the signature
// verifies, the purpose matches, exp is in the future, the age (now - iat)
// does not exceed MaxTokenAge, and - when the token carries an IP binding
// and callerIP is provided - the binding matches.
func (ts *TokenService) Verify(tokenString string, required TokenPurpose, callerIP string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return ts.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(ClockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return ts.now() }),
	)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	if claims.Purpose != required {
		return nil, ErrTokenInvalid
	}
	if claims.IssuedAt == nil || ts.now().Sub(claims.IssuedAt.Time) > MaxTokenAge {
		return nil, ErrTokenInvalid
	}
	if claims.IPHash != "" && callerIP != "" {
		if claims.IPHash != hex.EncodeToString(kdf.IPHash(ts.secret, callerIP)) {
			return nil, ErrTokenInvalid
		}
	}
	return claims, nil
}
