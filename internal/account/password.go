package account

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Accounts always store a bcrypt hash, never the plaintext. When the
// admin omits a password at creation time, a random one is generated
// and returned exactly once in the createAccount response.

// HashPassword bcrypt-hashes a plaintext password at the default cost.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("account: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a stored bcrypt
// hash. Returns nil on match.
func CheckPassword(hash, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}

// GeneratePassword returns a random password of 24 lowercase hex
// characters (96 bits of entropy).
func GeneratePassword() (string, error) {
	var raw [12]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("account: generate password: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
