package cryptutil

import (
	"encoding/hex"

	"golang.org/x/crypto/curve25519"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
)

// ShareSize is the wire width of a Share: ephemeral X25519 public (32B)
// plus the AES-KeyWrap-wrapped content key (40B, RFC 3394 adds one 8-byte
// integrity block to the 32-byte key).
const ShareSize = 32 + ContentKeySize + 8

// Share is a wrapped content key: only the holder of the intended
// recipient's identity private key can recover it (spec.md §3.3).
type Share [ShareSize]byte

// String renders the share as lowercase hex, for logs and CBOR-adjacent
// debugging, extending the stable hex convention spec.md already mandates
// for public keys (supplemented feature, see DESIGN.md).
func (s Share) String() string {
	return hex.EncodeToString(s[:])
}

// ParseShareHex parses the hex form produced by String.
func ParseShareHex(s string) (Share, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Share{}, jaxerr.Wrap(jaxerr.MalformedMessage, "parse share hex", err)
	}
	if len(b) != ShareSize {
		return Share{}, jaxerr.New(jaxerr.MalformedMessage, "share has wrong length")
	}
	var sh Share
	copy(sh[:], b)
	return sh, nil
}

// NewShare constructs a Share of content key k for recipient's identity
// public key, per spec.md §4.1:
//  1. generate an ephemeral Ed25519 pair
//  2. convert both keys to X25519 (recipient: Edwards->Montgomery;
//     ephemeral private: scalar-clamped)
//  3. kek = ECDH(ephemeral_priv, recipient_pub)
//  4. wrapped = AES-KW.wrap(kek, k)
//  5. emit ephemeral_pub || wrapped
//
// Grounded on original_source/rust/crates/common/src/crypto/share.rs
// Share::new.
func NewShare(k ContentKey, recipient PublicKey) (Share, error) {
	ephPub, ephPriv, err := GenerateIdentity()
	if err != nil {
		return Share{}, err
	}

	recipientX, err := toX25519Public(recipient)
	if err != nil {
		return Share{}, jaxerr.Wrap(jaxerr.ShareRejected, "recipient key is not a valid point", err)
	}
	ephPrivX := toX25519Private(ephPriv)

	kek, err := curve25519.X25519(ephPrivX[:], recipientX[:])
	if err != nil {
		return Share{}, jaxerr.Wrap(jaxerr.ShareRejected, "ecdh", err)
	}

	wrapped, err := aesKeyWrap(kek, k[:])
	if err != nil {
		return Share{}, jaxerr.Wrap(jaxerr.ShareRejected, "wrap content key", err)
	}

	ephPubX, err := toX25519Public(ephPub)
	if err != nil {
		return Share{}, jaxerr.Wrap(jaxerr.ShareRejected, "ephemeral key is not a valid point", err)
	}

	var s Share
	copy(s[:32], ephPubX[:])
	copy(s[32:], wrapped)
	return s, nil
}

// Recover reverses NewShare using the recipient's identity private key.
// Failure to unwrap — wrong recipient or a corrupted share — is
// ShareRejected, per spec.md §4.1.
func (s Share) Recover(recipientSK PrivateKey) (ContentKey, error) {
	var ephPubX [32]byte
	copy(ephPubX[:], s[:32])
	wrapped := s[32:]

	recipientX := toX25519Private(recipientSK)
	kek, err := curve25519.X25519(recipientX[:], ephPubX[:])
	if err != nil {
		return ContentKey{}, jaxerr.Wrap(jaxerr.ShareRejected, "ecdh", err)
	}

	plain, err := aesKeyUnwrap(kek, wrapped)
	if err != nil {
		return ContentKey{}, jaxerr.Wrap(jaxerr.ShareRejected, "unwrap content key", err)
	}
	var k ContentKey
	copy(k[:], plain)
	return k, nil
}

// RekeyAll rebuilds a Share of a new content key for every recipient
// already able to read the previous one. Used by the mount layer on save:
// every existing principal gets a fresh share of the new root content key.
func RekeyAll(k ContentKey, recipients []PublicKey) (map[PublicKey]Share, error) {
	out := make(map[PublicKey]Share, len(recipients))
	for _, r := range recipients {
		s, err := NewShare(k, r)
		if err != nil {
			return nil, err
		}
		out[r] = s
	}
	return out, nil
}
