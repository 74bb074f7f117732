// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Operation is a track operation subject to authorization.
type Operation string

const (
	OpRead   Operation = "read"
	OpStream Operation = "stream"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// GrantTTL bounds the lifetime of an access grant.
const GrantTTL = 5 * time.Minute

// sessionIDLen is the CSPRNG session identifier length in bytes.
const sessionIDLen = 32

// AccessGrant is a short-lived, in-memory authorization record binding a
// session to a track, user, operation, and originating network.
type AccessGrant struct {
	SessionID string
	TrackID   string
	UserID    string // empty for anonymous access to public tracks
	Operation Operation
	CreatedAt time.Time
	ExpiresAt time.Time

	ipBinding []byte
}

// GrantTable holds live grants keyed by session ID. Lookups are read-heavy;
// the write lock is taken only on mint, revoke, and sweep.
type GrantTable struct {
	mu     sync.RWMutex
	grants map[string]*AccessGrant
	now    func() time.Time
}

// NewGrantTable returns an empty table.
func NewGrantTable() *GrantTable {
	return &GrantTable{
		grants: make(map[string]*AccessGrant),
		now:    time.Now,
	}
}

// mint creates and stores a grant with a fresh 32-byte session ID.
func (t *GrantTable) mint(trackID, userID string, op Operation, ipBinding []byte) (*AccessGrant, error) {
	raw := make([]byte, sessionIDLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("auth: mint session id: %w", err)
	}

	now := t.now()
	g := &AccessGrant{
		SessionID: hex.EncodeToString(raw),
		TrackID:   trackID,
		UserID:    userID,
		Operation: op,
		CreatedAt: now,
		ExpiresAt: now.Add(GrantTTL),
		ipBinding: append([]byte(nil), ipBinding...),
	}

	t.mu.Lock()
	t.grants[g.SessionID] = g
	t.mu.Unlock()
	return g, nil
}

// lookup returns a live grant, lazily purging it when expired.
func (t *GrantTable) lookup(sessionID string) *AccessGrant {
	t.mu.RLock()
	g, ok := t.grants[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	if t.now().After(g.ExpiresAt) {
		t.mu.Lock()
		delete(t.grants, sessionID)
		t.mu.Unlock()
		return nil
	}
	return g
}

// Sweep removes every grant past its expiry and returns the count removed.
func (t *GrantTable) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, g := range t.grants {
		if now.After(g.ExpiresAt) {
			delete(t.grants, id)
			removed++
		}
	}
	return removed
}

// RevokeUser removes every grant held by the given user and returns the
// count. Called on password change, logout-all, and 2FA reset.
func (t *GrantTable) RevokeUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, g := range t.grants {
		if g.UserID == userID && userID != "" {
			delete(t.grants, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live grants. Exposed for metrics.
func (t *GrantTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.grants)
}

func bindingMatches(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
