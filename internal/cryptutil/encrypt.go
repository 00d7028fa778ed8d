package cryptutil

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
)

// ContentKeySize is the width of a Node/blob content key (spec.md §3.2).
const ContentKeySize = chacha20poly1305.KeySize

// ContentKey is a 256-bit random symmetric key. Each Node and each data
// blob has its own; keys are never stored plaintext alongside ciphertext.
type ContentKey [ContentKeySize]byte

// NewContentKey generates a fresh random content key.
func NewContentKey() (ContentKey, error) {
	var k ContentKey
	if _, err := rand.Read(k[:]); err != nil {
		return ContentKey{}, jaxerr.Wrap(jaxerr.BlockStoreError, "generate content key", err)
	}
	return k, nil
}

// Encrypt seals plaintext under key with a fresh 96-bit random nonce,
// returning nonce ‖ body ‖ tag. Adapted from the teacher's XChaCha20
// Encrypt/Decrypt shape in core/security.go, narrowed to the standard
// (12-byte nonce) ChaCha20-Poly1305 construction spec.md §4.1 specifies.
func Encrypt(key ContentKey, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "build aead", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "generate nonce", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt opens a blob produced by Encrypt. A tag mismatch is reported as
// IntegrityFailure, a permanent error for this (hash, key) pair per
// spec.md §4.1.
func Decrypt(key ContentKey, blob, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "build aead", err)
	}
	if len(blob) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, jaxerr.New(jaxerr.IntegrityFailure, "ciphertext too short")
	}
	nonce, ct := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.IntegrityFailure, "aead open", err)
	}
	return pt, nil
}
