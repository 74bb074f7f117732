// SPDX-License-Identifier: MIT

// Package kdf derives all symmetric key material from the process-wide
// master secret. Every consumer names a fixed purpose label so that
// compromise of one derived key never reveals another.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net"

	"golang.org/x/crypto/pbkdf2"
)

// Purpose is a fixed ASCII domain-separation label.
type Purpose string

const (
	PurposeFileAtRest  Purpose = "file-at-rest"
	PurposeHLSSegment  Purpose = "hls-segment"
	PurposeSessionBind Purpose = "session-bind"
)

const (
	// Iterations is the PBKDF2-HMAC-SHA256 round count. CPU heavy on
	// purpose; callers must run derivation off the request dispatcher.
	Iterations = 200_000

	// KeyLen is the derived key length in bytes.
	KeyLen = 32

	// SegmentSaltLen is the per-track CSPRNG salt length for segment keys.
	SegmentSaltLen = 16

	// IPHashLen is the truncated SHA-256 length used for IP binding.
	IPHashLen = 16
)

// Derive produces KeyLen bytes from (master, purpose, salt) using
// PBKDF2-HMAC-SHA256. The purpose label is mixed into the salt input so
// identical salts under different purposes yield unrelated keys.
func Derive(master []byte, purpose Purpose, salt []byte) []byte {
	saltInput := make([]byte, 0, len(purpose)+1+len(salt))
	saltInput = append(saltInput, purpose...)
	saltInput = append(saltInput, 0x00)
	saltInput = append(saltInput, salt...)
	return pbkdf2.Key(master, saltInput, Iterations, KeyLen, sha256.New)
}

// FileSalt returns the deterministic at-rest salt for a (user, track) pair.
func FileSalt(userID, trackID string) []byte {
	h := sha256.Sum256([]byte(userID + trackID))
	return h[:]
}

// NewSegmentSalt returns a fresh CSPRNG salt, stored with the track.
func NewSegmentSalt() ([]byte, error) {
	salt := make([]byte, SegmentSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("segment salt: %w", err)
	}
	return salt, nil
}

// IPHash returns the first IPHashLen bytes of SHA-256(ip || secret). Used to
// bind tokens to an originating address without storing the raw IP.
func IPHash(secret []byte, ip string) []byte {
	h := sha256.New()
	h.Write([]byte(ip))
	h.Write(secret)
	return h.Sum(nil)[:IPHashLen]
}

// IPBindingHash hashes only the routing prefix of the address: the first two
// octets of an IPv4 address, or the first four bytes of an IPv6 address.
// Grants and key aliases bind on the prefix so mobile roamers inside the
// same /16 keep playing.
func IPBindingHash(secret []byte, ip string) []byte {
	return IPHash(secret, ipBindingPrefix(ip))
}

func ipBindingPrefix(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d", v4[0], v4[1])
	}
	v6 := parsed.To16()
	return fmt.Sprintf("%02x%02x%02x%02x", v6[0], v6[1], v6[2], v6[3])
}
