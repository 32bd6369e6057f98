// Package idgen generates random identifiers for trades, messages and leases.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func random(numBytes int) []byte {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// WithPrefix returns prefix followed by 24 random hex chars (e.g. "trd_", "msg_").
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}

// Ref returns a short human-facing reference: prefix plus 2*numBytes
// upper-case hex chars, e.g. "T9F03A1C2B7".
func Ref(prefix string, numBytes int) string {
	return prefix + strings.ToUpper(hex.EncodeToString(random(numBytes)))
}
