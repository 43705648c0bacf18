package value

import (
	"encoding/hex"
	"errors"
)

// Hash is a canonical 256-bit value hash, produced by Keccak-256 over
// a value's shallow-marshaled form (§4.1). Two values are equal, by
// definition, iff their hashes are equal.
type Hash [32]byte

// ZeroHash is the hash of no value; used as the sentinel next_hash
// of a terminal CodePoint and as the empty optional sideload hash.
var ZeroHash Hash

// Bytes returns h's 32 big-endian bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, h[:])
	return b
}

// HashFromBytes reads a 32-byte big-endian hash from b.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != 32 {
		return h, errors.New("value: hash must be 32 bytes")
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText satisfies encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])
	return dst, nil
}

// UnmarshalText satisfies encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != 32 {
		return errors.New("value: hash must decode to 32 bytes")
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}
