// SPDX-License-Identifier: MIT

package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sectify/sectify/internal/crypto/kdf"
)

// SecretSealer encrypts MFA secrets for storage. The database never holds a
// plaintext TOTP secret.
type SecretSealer struct {
	aead cipher.AEAD
}

// NewSecretSealer derives the sealing key from the master secret.
func NewSecretSealer(master []byte) (*SecretSealer, error) {
	key := kdf.Derive(master, kdf.PurposeSessionBind, []byte("mfa-secret-seal"))
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth: sealer cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("auth: sealer gcm: %w", err)
	}
	return &SecretSealer{aead: aead}, nil
}

// Seal encrypts a secret; the nonce is prepended to the ciphertext.
func (s *SecretSealer) Seal(secret []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: seal nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, secret, nil), nil
}

// Open decrypts a sealed secret.
func (s *SecretSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("auth: sealed secret too short")
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ct, nil)
}
