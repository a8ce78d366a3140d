// Package auth implements the viewer challenge-response handshake.
//
// The server sends a random per-connection salt; the viewer proves knowledge of the
// shared password by returning hex(HMAC-SHA256(key=password, data=salt)), where salt is
// the hex string exactly as it appeared on the wire. Plaintext passwords are never
// accepted.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SaltSize is the number of random bytes in a challenge salt
const SaltSize = 32

// NewSalt returns SaltSize random bytes, hex-encoded
func NewSalt() (string, error) {
	buf := make([]byte, SaltSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the lowercase hex HMAC-SHA256 of salt keyed with secret
func Sign(secret, salt string) string {
	return hex.EncodeToString(mac(secret, salt))
}

// Verify reports whether response is the HMAC of salt under secret.
// The hex comparison is case-insensitive and constant-time.
func Verify(secret, salt, response string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(response))
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, salt))
}

func mac(secret, salt string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(salt))
	return h.Sum(nil)
}
