package linkdata

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Errorf("linkdata: build canonical cbor mode: %w", err))
	}
	encMode = m
}

// Encode serializes v as canonical (deterministic key-order) CBOR so that
// identical records always produce identical bytes and therefore identical
// hashes.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return b, nil
}

// Decode parses canonical-CBOR bytes into v.
func Decode(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}

// HashRecord encodes v and returns both the bytes and the DagCBOR-codec
// Link they hash to.
func HashRecord(v any) ([]byte, Link, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, Link{}, err
	}
	return b, HashLink(CodecRecord, b), nil
}
