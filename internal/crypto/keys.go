// Package crypto implements the two signing curves repository commits
// accept: NIST P-256 and secp256k1 (K-256). Signatures are always 64
// bytes, R and S as fixed-width big-endian scalars, with S normalized
// to the low half of the curve order. Verification rejects high-S
// signatures so every accepted signature has exactly one valid byte
// form.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-varint"
)

// KeyType identifies a signing curve.
type KeyType string

const (
	KeyTypeP256 KeyType = "p256"
	KeyTypeK256 KeyType = "k256"
)

// SignatureLength is the exact size of every signature this package
// produces or accepts.
const SignatureLength = 64

// Multicodec values for did:key encoding of compressed public keys.
const (
	multicodecP256 = 0x1200
	multicodecK256 = 0xe7
)

// PrivateKey signs 32-byte digests and serializes for durable storage.
type PrivateKey interface {
	// Sign produces a 64-byte low-S signature over a SHA-256 digest.
	Sign(digest [sha256.Size]byte) ([]byte, error)
	Public() PublicKey
	// Bytes returns the 32-byte curve scalar.
	Bytes() []byte
	Type() KeyType
}

// PublicKey verifies signatures and renders as a did:key string.
type PublicKey interface {
	// Verify checks a 64-byte low-S signature over a SHA-256 digest.
	Verify(digest [sha256.Size]byte, sig []byte) error
	// Bytes returns the 33-byte compressed point.
	Bytes() []byte
	DIDKey() string
	Type() KeyType
}

// GenerateKeypair creates a fresh private key on the given curve.
func GenerateKeypair(kt KeyType) (PrivateKey, error) {
	switch kt {
	case KeyTypeP256:
		return generateP256()
	case KeyTypeK256:
		return generateK256()
	default:
		return nil, fmt.Errorf("crypto: unknown key type %q", kt)
	}
}

// FormatPrivateKey serializes a private key as "<curve>:<hex>" for the
// accounts table.
func FormatPrivateKey(priv PrivateKey) string {
	return string(priv.Type()) + ":" + hex.EncodeToString(priv.Bytes())
}

// ParsePrivateKey loads a private key from its "<curve>:<hex>" storage
// form.
func ParsePrivateKey(s string) (PrivateKey, error) {
	curve, hexPart, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("crypto: parse key: missing curve prefix")
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse key: %w", err)
	}
	switch KeyType(curve) {
	case KeyTypeP256:
		return parseP256(raw)
	case KeyTypeK256:
		return parseK256(raw)
	default:
		return nil, fmt.Errorf("crypto: parse key: unknown curve %q", curve)
	}
}

// HMACSHA256 computes an HMAC-SHA256 tag for inter-service request
// signatures.
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// VerifyHMACSHA256 checks a tag in constant time.
func VerifyHMACSHA256(key, msg, tag []byte) bool {
	return hmac.Equal(HMACSHA256(key, msg), tag)
}

// didKeyString renders a compressed public key as did:key: multicodec
// varint prefix, then base58btc with the "z" multibase sigil.
func didKeyString(code uint64, compressed []byte) string {
	prefixed := append(varint.ToUvarint(code), compressed...)
	return "did:key:z" + base58.Encode(prefixed)
}
