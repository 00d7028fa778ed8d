package cryptutil

import (
	"bytes"
	"testing"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k, err := NewContentKey()
	if err != nil {
		t.Fatalf("new content key: %v", err)
	}
	pt := []byte("the quick brown fox")
	ct, err := Encrypt(k, pt, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(k, ct, nil)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch: got %q want %q", got, pt)
	}
}

func TestDecryptTamperedTagFailsWithIntegrityFailure(t *testing.T) {
	k, _ := NewContentKey()
	ct, err := Encrypt(k, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xFF
	if _, err := Decrypt(k, ct, nil); jaxerr.Classify(err) != jaxerr.IntegrityFailure {
		t.Fatalf("expected IntegrityFailure, got %v", err)
	}
}

func TestShareClosure(t *testing.T) {
	k, _ := NewContentKey()
	_, sk, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	pub := sk.Public()
	s, err := NewShare(k, pub)
	if err != nil {
		t.Fatalf("new share: %v", err)
	}
	got, err := s.Recover(sk)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != k {
		t.Fatalf("share closure failed: got %x want %x", got, k)
	}
}

func TestShareIsolation(t *testing.T) {
	k, _ := NewContentKey()
	_, sk1, _ := GenerateIdentity()
	_, sk2, _ := GenerateIdentity()

	s, err := NewShare(k, sk1.Public())
	if err != nil {
		t.Fatalf("new share: %v", err)
	}
	if _, err := s.Recover(sk2); jaxerr.Classify(err) != jaxerr.ShareRejected {
		t.Fatalf("expected ShareRejected recovering with wrong key, got %v", err)
	}
}

func TestShareHexRoundTrip(t *testing.T) {
	k, _ := NewContentKey()
	_, sk, _ := GenerateIdentity()
	s, err := NewShare(k, sk.Public())
	if err != nil {
		t.Fatalf("new share: %v", err)
	}
	parsed, err := ParseShareHex(s.String())
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if parsed != s {
		t.Fatalf("share hex round trip mismatch")
	}
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	pub, _, _ := GenerateIdentity()
	parsed, err := ParsePublicKeyHex(pub.String())
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if parsed != pub {
		t.Fatalf("public key hex round trip mismatch")
	}
}

func TestRekeyAllProducesIndependentShares(t *testing.T) {
	k, _ := NewContentKey()
	_, sk1, _ := GenerateIdentity()
	_, sk2, _ := GenerateIdentity()
	recipients := []PublicKey{sk1.Public(), sk2.Public()}

	shares, err := RekeyAll(k, recipients)
	if err != nil {
		t.Fatalf("rekey all: %v", err)
	}
	for _, sk := range []PrivateKey{sk1, sk2} {
		s, ok := shares[sk.Public()]
		if !ok {
			t.Fatalf("missing share for %s", sk.Public())
		}
		got, err := s.Recover(sk)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if got != k {
			t.Fatalf("rekeyed share did not recover original key")
		}
	}
}
