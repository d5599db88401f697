// Package games implements the chance products. All randomness is seeded
// from settled transaction signatures, so every outcome can be replayed and
// audited from chain data alone.
package games

import (
	"crypto/sha256"
	"encoding/binary"
)

// SeedFromSignature derives a deterministic seed from a transaction
// signature. The same signature always yields the same seed.
func SeedFromSignature(signature string) int64 {
	sum := sha256.Sum256([]byte(signature))
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<63 - 1))
}

// SeedFromParts derives a seed from a signature plus a domain qualifier, so
// one signature can seed independent draws.
func SeedFromParts(signature string, qualifier int64) int64 {
	sum := sha256.Sum256(binary.BigEndian.AppendUint64([]byte(signature), uint64(qualifier)))
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<63 - 1))
}
