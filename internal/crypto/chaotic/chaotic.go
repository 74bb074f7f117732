// SPDX-License-Identifier: MIT

// Package chaotic implements the at-rest stream cipher: plaintext XORed with
// a keystream produced by iterating a logistic map in Q2.62 fixed point.
//
// This layer is a deterrent on top of filesystem ACLs, not a replacement for
// AES; the trailing HMAC-SHA256 supplies the authenticity the raw stream
// lacks. All arithmetic is integer-only so ciphertexts are reproducible
// across platforms.
package chaotic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrIntegrity is returned when the envelope HMAC does not verify or
	// the envelope is structurally invalid. No plaintext is ever emitted
	// before the HMAC has been checked.
	ErrIntegrity = errors.New("chaotic: integrity verification failed")
)

const (
	// Version is the current envelope format version.
	Version = 0x01

	// NonceLen is the per-file CSPRNG nonce length.
	NonceLen = 16

	macLen    = sha256.Size
	headerLen = 4 + 1 + NonceLen
)

// Magic identifies a Sectify at-rest envelope ("SEC" + 0x01).
var Magic = [4]byte{0x53, 0x45, 0x43, 0x01}

// Q2.62 constants. State x stays in (0,1) so it always fits the 62
// fractional bits; the map parameter r lives in [3.9, 4.0).
const (
	one      = uint64(1) << 62
	oneTenth = one / 10
)

// mulQ multiplies two Q2.62 values via a 128-bit intermediate.
func mulQ(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return hi<<2 | lo>>62
}

// generator is the keystream state. Deterministic in (key, nonce).
type generator struct {
	x uint64 // map state, Q2.62 in (0,1)
	r uint64 // map parameter, Q2.62 in [3.9, 4.0)
}

// newGenerator seeds the map from HMAC-SHA256(key, nonce) and burns the
// transient so the orbit has reached the chaotic attractor before any
// keystream byte is emitted.
func newGenerator(key, nonce []byte) *generator {
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	seed := mac.Sum(nil)

	// x0 constrained to [0.1, 0.9) to stay clear of the fixed points.
	xi := binary.BigEndian.Uint64(seed[0:8]) % (8 * oneTenth)
	// r constrained to [3.9, 4.0), inside the fully chaotic band.
	ri := binary.BigEndian.Uint64(seed[8:16]) % oneTenth

	g := &generator{
		x: oneTenth + xi,
		r: 39*oneTenth + ri,
	}
	for i := 0; i < 64; i++ {
		g.step()
	}
	return g
}

// step advances the map once: x <- r * x * (1 - x).
func (g *generator) step() {
	g.x = mulQ(g.r, mulQ(g.x, one-g.x))
}

// nextByte runs 8 iterations and folds the top byte of each state into the
// output with a rotating XOR. The rotation decorrelates bit positions so
// the keystream distribution is uniform (chi-squared tested).
func (g *generator) nextByte() byte {
	var b byte
	for i := 0; i < 8; i++ {
		g.step()
		top := byte(g.x >> 54)
		b ^= bits.RotateLeft8(top, i)
	}
	b ^= b << 1
	b ^= b >> 1
	return b
}

// xorKeystream XORs dst with the keystream in place. The generator is
// strictly sequential: every output byte depends on the full prior orbit,
// so chunks cannot be decrypted in parallel or out of order.
func (g *generator) xorKeystream(dst []byte) {
	for i := range dst {
		dst[i] ^= g.nextByte()
	}
}

// Keystream returns n deterministic keystream bytes for (key, nonce).
// Exposed for statistical tests.
func Keystream(key, nonce []byte, n int) []byte {
	out := make([]byte, n)
	newGenerator(key, nonce).xorKeystream(out)
	return out
}

// Encrypt seals plaintext into an envelope:
//
//	magic(4) | version(1) | nonce(16) | ciphertext(N) | HMAC-SHA256(key, prior)(32)
func Encrypt(key, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("chaotic: nonce: %w", err)
	}

	blob := make([]byte, headerLen+len(plaintext), headerLen+len(plaintext)+macLen)
	copy(blob[0:4], Magic[:])
	blob[4] = Version
	copy(blob[5:headerLen], nonce)

	ct := blob[headerLen:]
	copy(ct, plaintext)
	newGenerator(key, nonce).xorKeystream(ct)

	mac := hmac.New(sha256.New, key)
	mac.Write(blob)
	return mac.Sum(blob), nil
}

// Decrypt verifies the envelope HMAC and only then recovers the plaintext.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(blob) < headerLen+macLen {
		return nil, ErrIntegrity
	}
	if [4]byte(blob[0:4]) != Magic || blob[4] != Version {
		return nil, ErrIntegrity
	}

	body := blob[:len(blob)-macLen]
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), blob[len(blob)-macLen:]) {
		return nil, ErrIntegrity
	}

	nonce := blob[5:headerLen]
	plaintext := make([]byte, len(body)-headerLen)
	copy(plaintext, body[headerLen:])
	newGenerator(key, nonce).xorKeystream(plaintext)
	return plaintext, nil
}
