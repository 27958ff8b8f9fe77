// Package code generates and checks single-use verification codes.
package code

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"strings"
)

// charset intentionally excludes lowercase: codes are relayed by hand between
// strangers, so they are case-normalized on both ends.
const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// biasCutoff is the largest multiple of len(charset) that fits in a byte.
// Bytes at or above it are rejected so every character is equally likely.
const biasCutoff = 256 - 256%len(charset)

// New generates a cryptographically random uppercase alphanumeric code of the
// given length.
func New(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		for _, b := range buf {
			c, ok := mapByte(b)
			if !ok {
				continue
			}
			out = append(out, c)
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// mapByte maps a random byte onto the charset, rejecting the biased tail.
func mapByte(b byte) (byte, bool) {
	if int(b) >= biasCutoff {
		return 0, false
	}
	return charset[int(b)%len(charset)], true
}

// Normalize trims whitespace and upper-cases a user-submitted code.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Matches compares a submitted code against the stored one in constant time.
// The submitted code is normalized first; stored codes are already uppercase.
func Matches(stored, submitted string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(Normalize(submitted))) == 1
}
