package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// DigestEqual reports whether body is exactly the expected digest, compared
// in constant time. No encoding or hashing scheme is assumed.
func DigestEqual(body []byte, expected string) bool {
	return subtle.ConstantTimeCompare(body, []byte(expected)) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
