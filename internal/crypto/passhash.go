// Package crypto implements server-side password-token hashing and the
// key-validation handshake primitives.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPasswordToken returns the Argon2id hash of the client-derived
// password token using the provided salt.
func HashPasswordToken(token, salt []byte) []byte {
	return argon2.IDKey(token, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPasswordToken verifies a password token against the stored hash.
func VerifyPasswordToken(token, salt, expected []byte) bool {
	got := HashPasswordToken(token, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}
