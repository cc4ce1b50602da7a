package repo

import (
	"crypto/sha256"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/primal-host/quartz-pds/internal/cbor"
	"github.com/primal-host/quartz-pds/internal/crypto"
)

// CommitVersion is the repository format version every commit carries.
const CommitVersion = 3

// Commit is a signed pointer at an MST root. Prev chains commits into
// a per-repository log; it is absent (not null) on the first commit.
type Commit struct {
	DID  string
	Data cid.Cid
	Rev  string
	Prev *cid.Cid
	Sig  []byte
}

// unsignedMap builds the map that gets hashed and signed. Prev is
// omitted entirely when nil.
func (c *Commit) unsignedMap() map[string]any {
	m := map[string]any{
		"did":     c.DID,
		"version": int64(CommitVersion),
		"data":    c.Data,
		"rev":     c.Rev,
	}
	if c.Prev != nil {
		m["prev"] = *c.Prev
	}
	return m
}

// UnsignedBytes returns the DAG-CBOR encoding of the commit without
// its signature, the exact bytes the signature covers.
func (c *Commit) UnsignedBytes() ([]byte, error) {
	data, err := cbor.Marshal(c.unsignedMap())
	if err != nil {
		return nil, fmt.Errorf("commit: encode unsigned: %w", err)
	}
	return data, nil
}

// SignedBytes returns the DAG-CBOR encoding including the signature.
// The commit's CID is computed over these bytes.
func (c *Commit) SignedBytes() ([]byte, error) {
	if len(c.Sig) == 0 {
		return nil, fmt.Errorf("commit: not signed")
	}
	m := c.unsignedMap()
	m["sig"] = c.Sig
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("commit: encode signed: %w", err)
	}
	return data, nil
}

// Sign computes the low-S signature over the unsigned encoding and
// attaches it.
func (c *Commit) Sign(key crypto.PrivateKey) error {
	unsigned, err := c.UnsignedBytes()
	if err != nil {
		return err
	}
	sig, err := key.Sign(sha256.Sum256(unsigned))
	if err != nil {
		return fmt.Errorf("commit: sign: %w", err)
	}
	c.Sig = sig
	return nil
}

// Verify re-derives the unsigned bytes and checks the signature.
func (c *Commit) Verify(pub crypto.PublicKey) error {
	if len(c.Sig) != crypto.SignatureLength {
		return fmt.Errorf("commit: signature is %d bytes, want %d", len(c.Sig), crypto.SignatureLength)
	}
	unsigned, err := c.UnsignedBytes()
	if err != nil {
		return err
	}
	if err := pub.Verify(sha256.Sum256(unsigned), c.Sig); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DecodeCommit parses a signed commit block.
func DecodeCommit(data []byte) (*Commit, error) {
	m, err := cbor.UnmarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("commit: decode: %w", err)
	}
	version, ok := m["version"].(int64)
	if !ok || version != CommitVersion {
		return nil, fmt.Errorf("commit: unsupported version %v", m["version"])
	}
	did, ok := m["did"].(string)
	if !ok {
		return nil, fmt.Errorf("commit: missing did")
	}
	dataCid, ok := m["data"].(cid.Cid)
	if !ok {
		return nil, fmt.Errorf("commit: missing data link")
	}
	rev, ok := m["rev"].(string)
	if !ok {
		return nil, fmt.Errorf("commit: missing rev")
	}
	sig, ok := m["sig"].([]byte)
	if !ok {
		return nil, fmt.Errorf("commit: missing sig")
	}

	c := &Commit{DID: did, Data: dataCid, Rev: rev, Sig: sig}
	if rawPrev, present := m["prev"]; present && rawPrev != nil {
		prev, ok := rawPrev.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("commit: prev is not a link")
		}
		c.Prev = &prev
	}
	return c, nil
}
