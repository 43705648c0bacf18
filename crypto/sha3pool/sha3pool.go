// Package sha3pool provides a pool of reusable Keccak-256 hash state.
// Every value hash computed by package
// value goes through this pool, so it's worth not allocating a new
// hash.Hash for each one.
package sha3pool

import (
	"hash"
	"sync"

	"golang.org/x/crypto/sha3"
)

var pool = sync.Pool{
	New: func() interface{} { return sha3.NewLegacyKeccak256() },
}

// Get256 returns a hash.Hash computing the Keccak-256 digest, taken
// from the pool. The caller must call Put256 when done with it.
func Get256() hash.Hash {
	return pool.Get().(hash.Hash)
}

// Put256 resets h and returns it to the pool.
func Put256(h hash.Hash) {
	h.Reset()
	pool.Put(h)
}

// Sum256 writes the Keccak-256 digest of d into h, which must have
// length 32 or more.
func Sum256(h []byte, d []byte) {
	s := Get256()
	defer Put256(s)
	s.Write(d) // guaranteed not to return an error
	s.Sum(h[:0])
}
