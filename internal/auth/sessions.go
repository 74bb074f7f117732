// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// loginSessionIDLen is the CSPRNG login session identifier length in bytes.
const loginSessionIDLen = 16

// NewLoginSessionID returns a fresh 128-bit hex login session identifier.
func NewLoginSessionID() (string, error) {
	raw := make([]byte, loginSessionIDLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: mint login session id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

type loginSession struct {
	userID    string
	expiresAt time.Time
}

// sessionTable tracks live login sessions. An access token is only honoured
// while its session is present here, so revocation takes effect immediately
// even though the JWT itself stays well-formed until exp.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]loginSession
	now      func() time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]loginSession), now: time.Now}
}

func (t *sessionTable) register(sessionID, userID string, ttl time.Duration) {
	t.mu.Lock()
	t.sessions[sessionID] = loginSession{userID: userID, expiresAt: t.now().Add(ttl)}
	t.mu.Unlock()
}

// alive reports whether the session exists, belongs to the user, and has
// not expired. Expired entries are purged lazily.
func (t *sessionTable) alive(sessionID, userID string) bool {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok || s.userID != userID {
		return false
	}
	if t.now().After(s.expiresAt) {
		t.mu.Lock()
		delete(t.sessions, sessionID)
		t.mu.Unlock()
		return false
	}
	return true
}

func (t *sessionTable) revokeUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.sessions {
		if s.userID == userID {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

// sweep removes expired sessions and returns the count removed.
func (t *sessionTable) sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.sessions {
		if now.After(s.expiresAt) {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
