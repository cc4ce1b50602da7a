package repo

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/quartz-pds/internal/cidutil"
	"github.com/primal-host/quartz-pds/internal/crypto"
)

func testDataCID(t *testing.T) cid.Cid {
	t.Helper()
	c, err := cidutil.Compute([]byte("mst root"))
	require.NoError(t, err)
	return c
}

// TestCommitSignVerify tests, for both curves:
//
// 1. a signed commit verifies with the matching public key
// 2. changing any signed field invalidates the signature
// 3. a different key fails verification
func TestCommitSignVerify(t *testing.T) {
	for _, kt := range []crypto.KeyType{crypto.KeyTypeP256, crypto.KeyTypeK256} {
		t.Run(string(kt), func(t *testing.T) {
			key, err := crypto.GenerateKeypair(kt)
			require.NoError(t, err)

			commit := &Commit{
				DID:  "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
				Data: testDataCID(t),
				Rev:  "3jzfcijpj2z2a",
			}
			require.NoError(t, commit.Sign(key))
			require.Len(t, commit.Sig, crypto.SignatureLength)
			assert.NoError(t, commit.Verify(key.Public()))

			// Tamper with a signed field.
			tampered := *commit
			tampered.Rev = "3jzfcijpj2z2b"
			assert.Error(t, tampered.Verify(key.Public()))

			// Wrong key.
			other, err := crypto.GenerateKeypair(kt)
			require.NoError(t, err)
			assert.Error(t, commit.Verify(other.Public()))
		})
	}
}

// TestCommitRoundTrip tests:
//
// 1. a signed commit decodes back field for field
// 2. prev is omitted on genesis commits and preserved otherwise
func TestCommitRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKeypair(crypto.KeyTypeK256)
	require.NoError(t, err)

	genesis := &Commit{
		DID:  "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		Data: testDataCID(t),
		Rev:  "3jzfcijpj2z2a",
	}
	require.NoError(t, genesis.Sign(key))

	signed, err := genesis.SignedBytes()
	require.NoError(t, err)
	back, err := DecodeCommit(signed)
	require.NoError(t, err)
	assert.Equal(t, genesis.DID, back.DID)
	assert.Equal(t, genesis.Rev, back.Rev)
	assert.True(t, genesis.Data.Equals(back.Data))
	assert.Nil(t, back.Prev)
	assert.Equal(t, genesis.Sig, back.Sig)
	assert.NoError(t, back.Verify(key.Public()))

	prevCid, err := cidutil.Compute(signed)
	require.NoError(t, err)
	second := &Commit{
		DID:  genesis.DID,
		Data: genesis.Data,
		Rev:  "3jzfcijpj2z2b",
		Prev: &prevCid,
	}
	require.NoError(t, second.Sign(key))

	signed2, err := second.SignedBytes()
	require.NoError(t, err)
	back2, err := DecodeCommit(signed2)
	require.NoError(t, err)
	require.NotNil(t, back2.Prev)
	assert.True(t, prevCid.Equals(*back2.Prev))
}

// TestCommitUnsignedDeterministic tests:
//
// 1. the unsigned encoding is stable across calls, so the signature
//    always covers the same bytes
func TestCommitUnsignedDeterministic(t *testing.T) {
	commit := &Commit{
		DID:  "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		Data: testDataCID(t),
		Rev:  "3jzfcijpj2z2a",
	}
	a, err := commit.UnsignedBytes()
	require.NoError(t, err)
	b, err := commit.UnsignedBytes()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestDecodeCommitRejects tests:
//
// 1. wrong versions and missing fields are rejected
func TestDecodeCommitRejects(t *testing.T) {
	key, err := crypto.GenerateKeypair(crypto.KeyTypeK256)
	require.NoError(t, err)
	commit := &Commit{
		DID:  "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		Data: testDataCID(t),
		Rev:  "3jzfcijpj2z2a",
	}
	require.NoError(t, commit.Sign(key))

	_, err = (&Commit{DID: "did:plc:x", Data: commit.Data, Rev: "r"}).SignedBytes()
	assert.Error(t, err, "unsigned commit must not encode")

	_, err = DecodeCommit([]byte{0x00})
	assert.Error(t, err)
}
