package account

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/quartz-pds/internal/crypto"
)

func testSigningKey(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKeypair(crypto.KeyTypeK256)
	require.NoError(t, err)
	return crypto.FormatPrivateKey(key)
}

// TestGeneratePLCDID tests:
//
// 1. the DID has the did:plc: prefix and a 24-char lowercase base32 body
// 2. the same inputs always derive the same DID
// 3. changing the handle or key changes the DID
func TestGeneratePLCDID(t *testing.T) {
	signingKey := testSigningKey(t)

	did, op, err := GeneratePLCDID(signingKey, "alice.example.com", "https://pds.example.com")
	require.NoError(t, err)
	require.NotNil(t, op)

	require.True(t, strings.HasPrefix(did, "did:plc:"))
	body := strings.TrimPrefix(did, "did:plc:")
	assert.Len(t, body, 24)
	assert.Equal(t, strings.ToLower(body), body)

	assert.Equal(t, "plc_operation", op.Type)
	assert.Equal(t, []string{"at://alice.example.com"}, op.AlsoKnownAs)
	assert.Equal(t, "https://pds.example.com", op.Services.AtprotoPDS.Endpoint)
	assert.True(t, strings.HasPrefix(op.VerificationMethod.Atproto, "did:key:z"))

	again, _, err := GeneratePLCDID(signingKey, "alice.example.com", "https://pds.example.com")
	require.NoError(t, err)
	assert.Equal(t, did, again)

	otherHandle, _, err := GeneratePLCDID(signingKey, "bob.example.com", "https://pds.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, did, otherHandle)

	otherKey, _, err := GeneratePLCDID(testSigningKey(t), "alice.example.com", "https://pds.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, did, otherKey)
}

// TestSignPLCOperation tests:
//
// 1. the signature is base64url without padding
// 2. it verifies against the operation's canonical encoding
func TestSignPLCOperation(t *testing.T) {
	key, err := crypto.GenerateKeypair(crypto.KeyTypeK256)
	require.NoError(t, err)
	signingKey := crypto.FormatPrivateKey(key)

	_, op, err := GeneratePLCDID(signingKey, "alice.example.com", "https://pds.example.com")
	require.NoError(t, err)

	sigB64, err := SignPLCOperation(op, signingKey)
	require.NoError(t, err)
	assert.NotContains(t, sigB64, "=")

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	encoded, err := EncodePLCOp(op)
	require.NoError(t, err)
	assert.NoError(t, key.Public().Verify(sha256.Sum256(encoded), sig))
}
