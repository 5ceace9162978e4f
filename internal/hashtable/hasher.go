package hashtable

import "github.com/cespare/xxhash/v2"

// Hasher computes a 32-bit fingerprint for a key. The engine is
// written against this interface rather than a concrete function so
// an alternative hash can be substituted without touching routing or
// scan logic.
type Hasher interface {
	Sum32(key []byte) uint32
}

type xxHasher struct{}

// NewXXHasher returns the default Hasher, backed by xxHash64
// truncated to its low 32 bits.
func NewXXHasher() Hasher {
	return xxHasher{}
}

func (xxHasher) Sum32(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}
