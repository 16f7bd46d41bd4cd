package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a fresh random identifier, "<prefix>_<hex>" when a prefix is
// given.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
