// Package crypto holds the content-digest helper the orchestration
// checkpoints key on.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// shortDigestLen keeps checkpoint records compact; 64 bits of SHA-256
// is plenty to detect a phase's result or context drifting between
// executions.
const shortDigestLen = 16

// ShortDigest returns a truncated hex SHA-256 of data.
func ShortDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:shortDigestLen]
}
