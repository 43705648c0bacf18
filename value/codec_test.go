package value

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustTuple(t *testing.T, items ...Value) Tuple {
	tup, err := NewTuple(items)
	require.NoError(t, err)
	return tup
}

func TestIntHash(t *testing.T) {
	i := IntFromUint64(42)
	buf := new(bytes.Buffer)
	ShallowMarshal(buf, i)

	require.Equal(t, byte(TagInt), buf.Bytes()[0])
	require.Equal(t, 33, buf.Len())

	// hash(Int) must equal keccak256 of its deep form too, since Int
	// has no children and deep == shallow.
	var deep bytes.Buffer
	DeepMarshal(&deep, i)
	require.Equal(t, buf.Bytes(), deep.Bytes())
}

func TestTupleHashDependsOnlyOnChildHashes(t *testing.T) {
	a := mustTuple(t, IntFromUint64(1), IntFromUint64(2))
	b := mustTuple(t, IntFromUint64(1), IntFromUint64(2))
	require.Equal(t, a.Hash(), b.Hash())

	c := mustTuple(t, IntFromUint64(1), IntFromUint64(3))
	require.NotEqual(t, a.Hash(), c.Hash())
}

func TestTupleTooLong(t *testing.T) {
	items := make([]Value, MaxTupleLen+1)
	for i := range items {
		items[i] = IntFromUint64(uint64(i))
	}
	_, err := NewTuple(items)
	require.Error(t, err)
}

func TestCodePointHashExcludesPC(t *testing.T) {
	op := Operation{Opcode: 0x01}
	cp1 := CodePoint{PC: PC{Segment: 1, Offset: 0}, Op: op, NextHash: ZeroHash}
	cp2 := CodePoint{PC: PC{Segment: 2, Offset: 5}, Op: op, NextHash: ZeroHash}

	require.Equal(t, cp1.Hash(), cp2.Hash(), "pc must not affect the CodePoint hash")

	cp3 := CodePoint{PC: PC{Segment: 1, Offset: 0}, Op: op, NextHash: Hash{1}}
	require.NotEqual(t, cp1.Hash(), cp3.Hash(), "next_hash must affect the CodePoint hash")
}

func TestCodePointWithImmediate(t *testing.T) {
	imm := IntFromUint64(7)
	op := Operation{Opcode: 0x02, Immediate: imm}
	cp := CodePoint{Op: op, NextHash: ZeroHash}

	var buf bytes.Buffer
	ShallowMarshal(&buf, cp)

	// tag + opcode + presence + hash-only tag + 32-byte hash + 32-byte next_hash
	require.Equal(t, 1+1+1+1+32+32, buf.Len())
}

func TestDeepRoundTrip(t *testing.T) {
	inner := mustTuple(t, IntFromUint64(1))
	op := Operation{Opcode: 0x10, Immediate: IntFromUint64(99)}
	cp := CodePoint{PC: PC{Segment: 3, Offset: 9}, Op: op, NextHash: Hash{0xaa}}
	outer := mustTuple(t, inner, cp, IntFromUint64(5))

	var buf bytes.Buffer
	DeepMarshal(&buf, outer)

	got, err := DeepUnmarshal(&buf)
	require.NoError(t, err)
	require.Equal(t, outer.Hash(), got.Hash())

	gotTuple, ok := got.(Tuple)
	require.True(t, ok)
	require.Equal(t, 3, gotTuple.Len())

	gotCP, ok := gotTuple.items[1].(CodePoint)
	require.True(t, ok)
	require.Equal(t, cp.PC, gotCP.PC)
	require.Equal(t, cp.NextHash, gotCP.NextHash)
	require.Equal(t, cp.Op.Opcode, gotCP.Op.Opcode)
	require.Equal(t, cp.Op.Immediate.Hash(), gotCP.Op.Immediate.Hash())
}

func TestReadShallowTuple(t *testing.T) {
	a := IntFromUint64(1)
	b := IntFromUint64(2)
	tup := mustTuple(t, a, b)

	var buf bytes.Buffer
	ShallowMarshal(&buf, tup)

	sf, err := ReadShallow(&buf)
	require.NoError(t, err)
	require.Equal(t, TagTuple(2), sf.Tag)
	require.Equal(t, []Hash{a.Hash(), b.Hash()}, sf.ChildHashes)
}

func TestTupleAtOutOfBounds(t *testing.T) {
	tup := mustTuple(t, IntFromUint64(1))
	_, err := tup.At(5)
	require.Error(t, err)
}
