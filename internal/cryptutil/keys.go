// Package cryptutil implements the cryptographic primitives the bucket
// store builds on: Ed25519 identity keys, ChaCha20-Poly1305 content
// encryption, and X25519-ECDH + AES-KeyWrap share construction/recovery.
package cryptutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// PublicKeySize and PrivateKeySize mirror the Ed25519 key sizes; identity
// keys are Ed25519 pairs per spec.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
)

// PublicKey is an Ed25519 identity public key. Its stable lowercase-hex
// encoding is used as a map key throughout the Manifest's share set.
type PublicKey [PublicKeySize]byte

// PrivateKey is an Ed25519 identity private key (the 64-byte seed||public
// form, matching crypto/ed25519.PrivateKey).
type PrivateKey []byte

// GenerateIdentity creates a fresh Ed25519 identity keypair.
func GenerateIdentity() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, fmt.Errorf("generate identity: %w", err)
	}
	var pk PublicKey
	copy(pk[:], pub)
	return pk, PrivateKey(priv), nil
}

// Public derives the public key carried by sk.
func (sk PrivateKey) Public() PublicKey {
	pub := ed25519.PrivateKey(sk).Public().(ed25519.PublicKey)
	var pk PublicKey
	copy(pk[:], pub)
	return pk
}

// Sign signs msg with sk.
func (sk PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(sk), msg)
}

// Verify checks sig against msg under pk.
func (pk PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig)
}

// String renders the public key as stable lowercase hex, the form used as
// the shares map key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ParsePublicKeyHex parses the hex form produced by String.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key hex: %w", err)
	}
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("parse public key hex: want %d bytes, got %d", PublicKeySize, len(b))
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// toX25519Public converts an Ed25519 (Edwards) public key to its X25519
// (Montgomery) counterpart, per spec.md §4.1 step 2. Grounded on
// original_source's keys.rs PublicKey::to_x25519, which decompresses the
// Edwards point and maps it to Montgomery u-coordinate form.
func toX25519Public(pub PublicKey) ([32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("decompress edwards point: %w", err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// toX25519Private converts an Ed25519 private key's signing scalar to an
// X25519 scalar, per spec.md §4.1 step 2 ("scalar-clamped form for
// e_priv"). This is the standard conversion: the X25519 scalar is the
// first 32 bytes of SHA-512(seed), clamped as curve25519 requires —
// identical to what original_source's SecretKey::to_x25519 does via
// to_scalar_bytes/StaticSecret::from.
func toX25519Private(sk PrivateKey) [32]byte {
	seed := ed25519.PrivateKey(sk).Seed()
	h := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}
