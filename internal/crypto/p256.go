package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

type p256PrivateKey struct {
	key *ecdsa.PrivateKey
}

type p256PublicKey struct {
	key *ecdsa.PublicKey
}

func generateP256() (PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate p256 key: %w", err)
	}
	return &p256PrivateKey{key: key}, nil
}

func parseP256(raw []byte) (PrivateKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: p256 private key is %d bytes, want 32", len(raw))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("crypto: p256 private key out of range")
	}
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	return &p256PrivateKey{key: key}, nil
}

func (p *p256PrivateKey) Sign(digest [sha256.Size]byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, p.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: p256 sign: %w", err)
	}
	n := p.key.Curve.Params().N
	halfN := new(big.Int).Rsh(n, 1)
	if s.Cmp(halfN) > 0 {
		s = new(big.Int).Sub(n, s)
	}
	sig := make([]byte, SignatureLength)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

func (p *p256PrivateKey) Public() PublicKey {
	return &p256PublicKey{key: &p.key.PublicKey}
}

func (p *p256PrivateKey) Bytes() []byte {
	out := make([]byte, 32)
	p.key.D.FillBytes(out)
	return out
}

func (p *p256PrivateKey) Type() KeyType { return KeyTypeP256 }

func (p *p256PublicKey) Verify(digest [sha256.Size]byte, sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("crypto: signature is %d bytes, want %d", len(sig), SignatureLength)
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	n := p.key.Curve.Params().N
	if r.Sign() == 0 || s.Sign() == 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return fmt.Errorf("crypto: p256 signature scalar out of range")
	}
	halfN := new(big.Int).Rsh(n, 1)
	if s.Cmp(halfN) > 0 {
		return fmt.Errorf("crypto: p256 signature has high S")
	}
	if !ecdsa.Verify(p.key, digest[:], r, s) {
		return fmt.Errorf("crypto: p256 signature verification failed")
	}
	return nil
}

func (p *p256PublicKey) Bytes() []byte {
	return elliptic.MarshalCompressed(p.key.Curve, p.key.X, p.key.Y)
}

func (p *p256PublicKey) DIDKey() string {
	return didKeyString(multicodecP256, p.Bytes())
}

func (p *p256PublicKey) Type() KeyType { return KeyTypeP256 }

// ParsePublicKeyP256 decodes a 33-byte compressed point.
func ParsePublicKeyP256(compressed []byte) (PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, compressed)
	if x == nil {
		return nil, fmt.Errorf("crypto: invalid compressed p256 point")
	}
	return &p256PublicKey{key: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}
