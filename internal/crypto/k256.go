package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

type k256PrivateKey struct {
	key *secp256k1.PrivateKey
}

type k256PublicKey struct {
	key *secp256k1.PublicKey
}

func generateK256() (PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate k256 key: %w", err)
	}
	return &k256PrivateKey{key: key}, nil
}

func parseK256(raw []byte) (PrivateKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: k256 private key is %d bytes, want 32", len(raw))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("crypto: k256 private key out of range")
	}
	return &k256PrivateKey{key: secp256k1.PrivKeyFromBytes(raw)}, nil
}

func (k *k256PrivateKey) Sign(digest [sha256.Size]byte) ([]byte, error) {
	sig := secpecdsa.Sign(k.key, digest[:])
	r := sig.R()
	s := sig.S()
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	var out [SignatureLength]byte
	r.PutBytesUnchecked(out[:32])
	s.PutBytesUnchecked(out[32:])
	return out[:], nil
}

func (k *k256PrivateKey) Public() PublicKey {
	return &k256PublicKey{key: k.key.PubKey()}
}

func (k *k256PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

func (k *k256PrivateKey) Type() KeyType { return KeyTypeK256 }

func (k *k256PublicKey) Verify(digest [sha256.Size]byte, sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("crypto: signature is %d bytes, want %d", len(sig), SignatureLength)
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return fmt.Errorf("crypto: k256 signature R out of range")
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return fmt.Errorf("crypto: k256 signature S out of range")
	}
	if r.IsZero() || s.IsZero() {
		return fmt.Errorf("crypto: k256 signature scalar is zero")
	}
	if s.IsOverHalfOrder() {
		return fmt.Errorf("crypto: k256 signature has high S")
	}
	if !secpecdsa.NewSignature(&r, &s).Verify(digest[:], k.key) {
		return fmt.Errorf("crypto: k256 signature verification failed")
	}
	return nil
}

func (k *k256PublicKey) Bytes() []byte {
	return k.key.SerializeCompressed()
}

func (k *k256PublicKey) DIDKey() string {
	return didKeyString(multicodecK256, k.Bytes())
}

func (k *k256PublicKey) Type() KeyType { return KeyTypeK256 }

// ParsePublicKeyK256 decodes a 33-byte compressed point.
func ParsePublicKeyK256(compressed []byte) (PublicKey, error) {
	key, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse k256 public key: %w", err)
	}
	return &k256PublicKey{key: key}, nil
}
