// Package hashutil provides the single hash function shared by every caller
// of pkg/index: the bucket a key lands in, and the bucket it migrates to
// during a resize, must agree on exactly the same function.
package hashutil

import "github.com/cespare/xxhash/v2"

// Sum hashes key into the 32-bit value pkg/index expects as its hv
// parameter. xxhash gives a 64-bit digest; the low 32 bits are plenty of
// entropy for a bucket mask that never exceeds a few billion slots.
func Sum(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}
