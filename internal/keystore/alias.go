// SPDX-License-Identifier: MIT

// Package keystore mints short-lived opaque aliases that resolve to HLS
// segment keys under binding checks. Aliases are held in memory only; loss
// on restart is acceptable because players simply re-negotiate.
package keystore

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown or expired aliases.
	ErrNotFound = errors.New("keystore: alias not found")

	// ErrDenied is returned when binding checks fail. Callers must map
	// this to 403 without revealing whether the alias exists.
	ErrDenied = errors.New("keystore: binding check failed")
)

const (
	// AliasLen is the alias length in bytes (128 bits, 32 hex chars).
	AliasLen = 16

	// SegmentKeyLen is the AES-128 segment key length.
	SegmentKeyLen = 16

	// TTL bounds the lifetime of every alias.
	TTL = 5 * time.Minute
)

type entry struct {
	alias       []byte
	key         [SegmentKeyLen]byte
	trackID     string
	ownerUserID string // empty for public tracks
	ipBinding   []byte
	expiresAt   time.Time
}

// Store is the in-memory alias table. Read-heavy lookups take the read
// lock; mint and sweep take the write lock.
type Store struct {
	mu      sync.RWMutex
	entries []*entry
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{now: time.Now}
}

// Mint creates an alias for a segment key bound to a track, an optional
// owner, and an IP binding hash. The alias expires after TTL.
func (s *Store) Mint(segmentKey []byte, trackID, ownerUserID string, ipBinding []byte) (string, error) {
	if len(segmentKey) != SegmentKeyLen {
		return "", fmt.Errorf("keystore: segment key must be %d bytes, got %d", SegmentKeyLen, len(segmentKey))
	}

	alias := make([]byte, AliasLen)
	if _, err := rand.Read(alias); err != nil {
		return "", fmt.Errorf("keystore: mint alias: %w", err)
	}

	e := &entry{
		alias:       alias,
		trackID:     trackID,
		ownerUserID: ownerUserID,
		ipBinding:   append([]byte(nil), ipBinding...),
		expiresAt:   s.now().Add(TTL),
	}
	copy(e.key[:], segmentKey)

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	return hex.EncodeToString(alias), nil
}

// Resolve returns the segment key for an alias. The lookup scans every live
// entry with a constant-time comparison so response timing does not reveal
// alias prefixes. Expired or unknown aliases yield ErrNotFound; binding
// failures yield ErrDenied without distinguishing existence.
func (s *Store) Resolve(alias string, callerBinding []byte, callerUserID string) ([]byte, error) {
	raw, err := hex.DecodeString(alias)
	if err != nil || len(raw) != AliasLen {
		return nil, ErrNotFound
	}

	now := s.now()

	s.mu.RLock()
	var found *entry
	for _, e := range s.entries {
		// Constant-time over the full table: no early exit on match.
		if subtle.ConstantTimeCompare(e.alias, raw) == 1 && found == nil {
			found = e
		}
	}
	s.mu.RUnlock()

	if found == nil || now.After(found.expiresAt) {
		return nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare(found.ipBinding, callerBinding) != 1 {
		return nil, ErrDenied
	}
	if found.ownerUserID != "" && found.ownerUserID != callerUserID {
		return nil, ErrDenied
	}

	key := make([]byte, SegmentKeyLen)
	copy(key, found.key[:])
	return key, nil
}

// Sweep removes expired aliases and returns the number removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if now.After(e.expiresAt) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// Len reports the number of live entries. Exposed for metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
