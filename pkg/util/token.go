package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomToken returns a 16-char hex token used as a lock ownership value.
func RandomToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
