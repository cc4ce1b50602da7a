// Package cidutil computes and validates the single CID shape used
// throughout the repository: CIDv1, DAG-CBOR codec, SHA2-256 multihash.
// Every CID is exactly 36 bytes and renders as a lowercase base32
// multibase string starting with "b".
package cidutil

import (
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ByteLength is the binary size of every CID this server produces:
// version (1) + codec (1) + hash type (1) + hash length (1) + digest (32).
const ByteLength = 36

var prefix = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// Compute returns the CIDv1 (SHA-256, DAG-CBOR codec) of raw bytes.
func Compute(raw []byte) (cid.Cid, error) {
	c, err := prefix.Sum(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: compute cid: %w", err)
	}
	return c, nil
}

// FromDigest builds a CID directly from an already computed SHA-256
// digest.
func FromDigest(digest [sha256.Size]byte) (cid.Cid, error) {
	mh, err := multihash.Encode(digest[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// Parse decodes a CID string, accepting only the base32-lower multibase
// form ("b" prefix) of a 36-byte CIDv1 with the DAG-CBOR codec and a
// SHA2-256 multihash. Anything else is rejected.
func Parse(s string) (cid.Cid, error) {
	if len(s) == 0 || s[0] != 'b' {
		return cid.Undef, fmt.Errorf("cidutil: parse %q: not base32-lower multibase", s)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: parse %q: %w", s, err)
	}
	if err := Validate(c); err != nil {
		return cid.Undef, fmt.Errorf("cidutil: parse %q: %w", s, err)
	}
	return c, nil
}

// Validate checks that a CID has the exact shape this server produces.
func Validate(c cid.Cid) error {
	raw := c.Bytes()
	if len(raw) != ByteLength {
		return fmt.Errorf("cidutil: cid is %d bytes, want %d", len(raw), ByteLength)
	}
	if raw[0] != 0x01 || raw[1] != 0x71 || raw[2] != 0x12 || raw[3] != 0x20 {
		return fmt.Errorf("cidutil: cid prefix %x, want 01711220", raw[:4])
	}
	return nil
}

// FromBytes decodes a raw 36-byte CID as found in CAR sections and
// DAG-CBOR link tags.
func FromBytes(raw []byte) (cid.Cid, error) {
	if len(raw) != ByteLength {
		return cid.Undef, fmt.Errorf("cidutil: raw cid is %d bytes, want %d", len(raw), ByteLength)
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: cast raw cid: %w", err)
	}
	if err := Validate(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}
