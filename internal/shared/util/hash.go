package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashUserKey maps an owner id to a path-safe storage namespace.
func HashUserKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
