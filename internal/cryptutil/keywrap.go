package cryptutil

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
)

// aesDefaultIV is the RFC 3394 default integrity check value, used when no
// caller-supplied IV is needed (the share KEK is single-use per share, so a
// fixed IV does not weaken the construction).
var aesDefaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// aesKeyWrap implements RFC 3394 AES Key Wrap. No library in the example
// pack implements key wrapping (see DESIGN.md); this is a direct,
// from-the-RFC implementation on stdlib crypto/aes, the one primitive in
// this package not sourced from a third-party dependency.
func aesKeyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) == 0 {
		return nil, jaxerr.New(jaxerr.MalformedMessage, "key wrap input must be a non-empty multiple of 8 bytes")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.ShareRejected, "aes cipher", err)
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintext[i*8:(i+1)*8])
	}

	var a [8]byte
	copy(a[:], aesDefaultIV[:])

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)
			copy(a[:], buf[:8])
			t := uint64(n*j + i)
			xorUint64(&a, t)
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:8+(i+1)*8], r[i][:])
	}
	return out, nil
}

// aesKeyUnwrap reverses aesKeyWrap and validates the integrity check value.
func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, jaxerr.New(jaxerr.ShareRejected, "wrapped key has invalid length")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.ShareRejected, "aes cipher", err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])

	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			xorUint64(&a, t)
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)
			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], aesDefaultIV[:]) != 1 {
		return nil, jaxerr.New(jaxerr.ShareRejected, "key unwrap integrity check failed")
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:(i+1)*8], r[i][:])
	}
	return out, nil
}

func xorUint64(a *[8]byte, t uint64) {
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], t)
	for i := range a {
		a[i] ^= tb[i]
	}
}
