// Package linkdata implements the canonical linked-data layer: deterministic
// CBOR encoding of typed records, content hashing, and the Link type that
// names a block by its bytes.
//
// A Link is realized as a CID (github.com/ipfs/go-cid): the CID's multicodec
// plays the role of the spec's codec_tag and its multihash wraps a BLAKE3
// digest, matching the content-addressing already used in the block store.
package linkdata

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// Codec distinguishes canonical-CBOR records from raw byte blobs.
type Codec uint64

const (
	// CodecRaw names a block holding an opaque ciphertext (a Node or data
	// blob encrypted form).
	CodecRaw Codec = cid.Raw
	// CodecRecord names a block holding an unencrypted canonical-CBOR
	// record (a Manifest).
	CodecRecord Codec = cid.DagCBOR
)

// blake3MultihashCode is the multicodec table entry for BLAKE3-256 (0x1e),
// reserved by multiformats and recognized by go-multihash's Encode.
const blake3MultihashCode = 0x1e

// Link is a (codec_tag, hash, format_tag) triple naming a block by content.
// Equality is by hash alone.
type Link struct {
	c cid.Cid
}

// Zero is the sentinel link meaning "no value".
var Zero = Link{}

// IsZero reports whether l is the sentinel "no value" link.
func (l Link) IsZero() bool {
	return !l.c.Defined()
}

// Codec returns the link's codec tag.
func (l Link) Codec() Codec {
	return Codec(l.c.Type())
}

// Hash returns the raw 32-byte BLAKE3 digest this link names.
func (l Link) Hash() [32]byte {
	decoded, err := mh.Decode(l.c.Hash())
	if err != nil {
		return [32]byte{}
	}
	var out [32]byte
	copy(out[:], decoded.Digest)
	return out
}

// Equal compares two links by hash, per spec: codec/format do not affect
// equality.
func (l Link) Equal(o Link) bool {
	if l.IsZero() || o.IsZero() {
		return l.IsZero() == o.IsZero()
	}
	return l.Hash() == o.Hash()
}

// String renders the link as lowercase hex of its digest, prefixed by
// "link:" for readability in logs; the codec is not shown. Not the wire
// form.
func (l Link) String() string {
	if l.IsZero() {
		return "link:zero"
	}
	h := l.Hash()
	return fmt.Sprintf("link:%x", h[:])
}

// CID exposes the underlying CID for components (block store, wire codec)
// that need the multiformats representation directly.
func (l Link) CID() cid.Cid { return l.c }

// FromCID wraps an existing CID as a Link.
func FromCID(c cid.Cid) Link { return Link{c: c} }

// NewLink builds a Link from a raw 32-byte BLAKE3 digest and a codec tag.
func NewLink(codec Codec, digest [32]byte) (Link, error) {
	mhBytes, err := mh.Encode(digest[:], blake3MultihashCode)
	if err != nil {
		return Link{}, fmt.Errorf("encode multihash: %w", err)
	}
	return Link{c: cid.NewCidV1(uint64(codec), mhBytes)}, nil
}

// Hash computes the BLAKE3-256 digest of data.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// HashLink computes the Link a raw block of bytes would occupy, under the
// given codec, without storing it.
func HashLink(codec Codec, data []byte) Link {
	l, err := NewLink(codec, Hash(data))
	if err != nil {
		// Hash is always 32 bytes and the multihash table entry is fixed;
		// this branch is unreachable in practice.
		panic(err)
	}
	return l
}

// MarshalBinary implements a stable binary form for storage/wire use: the
// raw CID bytes.
func (l Link) MarshalBinary() ([]byte, error) {
	if l.IsZero() {
		return nil, nil
	}
	return l.c.Bytes(), nil
}

// UnmarshalBinary parses the form produced by MarshalBinary. An empty slice
// decodes to the zero link.
func (l *Link) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		*l = Zero
		return nil
	}
	c, err := cid.Cast(data)
	if err != nil {
		return fmt.Errorf("parse link: %w", err)
	}
	l.c = c
	return nil
}
