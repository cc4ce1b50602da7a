package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPasswordHashing tests:
//
// 1. a hashed password verifies against the plaintext
// 2. a wrong password fails
// 3. hashes are salted, so two hashes of the same input differ
func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, "hunter2", hash)

	assert.NoError(t, CheckPassword(hash, "hunter2"))
	assert.Error(t, CheckPassword(hash, "hunter3"))

	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
	assert.NoError(t, CheckPassword(other, "hunter2"))
}

// TestGeneratePassword tests:
//
// 1. generated passwords are 24 lowercase hex characters
// 2. successive calls do not repeat
func TestGeneratePassword(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		require.Len(t, pw, 24)
		for _, r := range pw {
			assert.Contains(t, "0123456789abcdef", string(r))
		}
		_, dup := seen[pw]
		require.False(t, dup)
		seen[pw] = struct{}{}
	}
}
