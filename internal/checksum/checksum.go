// Package checksum computes the digests recorded for backup artifacts.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const prefix = "sha256:"

// Sum returns the digest of data as "sha256:<hex>".
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return prefix + hex.EncodeToString(h[:])
}

// Verify reports whether data matches sum. A bare hex digest without the
// algorithm prefix is accepted.
func Verify(data []byte, sum string) bool {
	if sum == "" {
		return false
	}
	if !strings.HasPrefix(sum, prefix) {
		sum = prefix + sum
	}
	return Sum(data) == strings.ToLower(sum)
}
