package sha3pool

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/sha3"
)

func TestSum256MatchesDirect(t *testing.T) {
	data := []byte("arbcore value")

	var got [32]byte
	Sum256(got[:], data)

	want := sha3.NewLegacyKeccak256()
	want.Write(data)
	var wantSum [32]byte
	want.Sum(wantSum[:0])

	if !bytes.Equal(got[:], wantSum[:]) {
		t.Fatalf("Sum256 = %x, want %x", got, wantSum)
	}
}

func TestPoolReuse(t *testing.T) {
	h := Get256()
	h.Write([]byte("x"))
	Put256(h)

	h2 := Get256()
	defer Put256(h2)
	if h2.Size() != 32 {
		t.Fatalf("Size() = %d, want 32", h2.Size())
	}
}
