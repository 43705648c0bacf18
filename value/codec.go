package value

import (
	"encoding/binary"
	"fmt"
	"io"

	"avmcore/crypto/sha3pool"
	"avmcore/encoding/bufpool"
	"avmcore/errors"
)

// encoder is a minimal io.Writer-shaped helper around a pooled
// bytes.Buffer; every marshal routine in this file writes through
// one so the hashing and storage paths share the same byte layout
// code (§6 "Bit-exact byte layout").
type encoder struct {
	w io.Writer
}

func (e encoder) byte(b byte) {
	e.w.Write([]byte{b})
}

func (e encoder) be64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	e.w.Write(buf[:])
}

func (e encoder) hash(h Hash) {
	e.w.Write(h[:])
}

func (e encoder) int32be(i Int) {
	e.w.Write(i[:])
}

// Hash returns the canonical hash of i: keccak256(TagInt || be32(v)).
func (i Int) Hash() Hash {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	buf.WriteByte(TagInt)
	buf.Write(i[:])
	var h Hash
	sha3pool.Sum256(h[:], buf.Bytes())
	return h
}

func (i Int) deepMarshal(w *encoder)    { w.byte(TagInt); w.int32be(i) }
func (i Int) shallowMarshal(w *encoder) { i.deepMarshal(w) }

// Shallow returns the wire bytes of op as used inside a CodePoint's
// shallow form: opcode, a presence flag, and (if present) the
// immediate's hash rather than its full body.
func (op Operation) Shallow() []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	e := encoder{w: buf}
	op.shallowMarshal(e)
	return bufpool.CopyBytes(buf)
}

func (op Operation) shallowMarshal(w encoder) {
	w.byte(op.Opcode)
	if op.Immediate == nil {
		w.byte(0)
		return
	}
	w.byte(1)
	w.byte(TagHashOnly)
	w.hash(op.Immediate.Hash())
}

func (op Operation) deepMarshal(w encoder) {
	w.byte(op.Opcode)
	if op.Immediate == nil {
		w.byte(0)
		return
	}
	w.byte(1)
	op.Immediate.deepMarshal(&w)
}

// Hash returns the canonical hash of c: keccak256 of c's shallow
// form. Per §4.1, the pc is deliberately excluded — only the
// operation's shallow form and next_hash are incorporated, so two
// CodePoints with the same instruction and successor hash but
// different positions in the code store hash identically.
func (c CodePoint) Hash() Hash {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	e := encoder{w: buf}
	c.shallowMarshal(&e)
	var h Hash
	sha3pool.Sum256(h[:], buf.Bytes())
	return h
}

func (c CodePoint) shallowMarshal(w *encoder) {
	w.byte(TagCodePoint)
	w.w.Write(c.Op.Shallow())
	w.hash(c.NextHash)
}

func (c CodePoint) deepMarshal(w *encoder) {
	w.byte(TagCodePoint)
	w.be64(c.PC.Segment)
	w.be64(c.PC.Offset)
	c.Op.deepMarshal(*w)
	w.hash(c.NextHash)
}

// Hash returns the canonical hash of t: keccak256 of t's shallow
// form (its tag plus each child's hash).
func (t Tuple) Hash() Hash {
	buf := bufpool.Get()
	defer bufpool.Put(buf)
	e := encoder{w: buf}
	t.shallowMarshal(&e)
	var h Hash
	sha3pool.Sum256(h[:], buf.Bytes())
	return h
}

func (t Tuple) shallowMarshal(w *encoder) {
	w.byte(TagTuple(len(t.items)))
	for _, item := range t.items {
		w.byte(TagHashOnly)
		w.hash(item.Hash())
	}
}

func (t Tuple) deepMarshal(w *encoder) {
	w.byte(TagTuple(len(t.items)))
	for _, item := range t.items {
		item.deepMarshal(w)
	}
}

// DeepMarshal writes v's deep form (children inline) to w.
func DeepMarshal(w io.Writer, v Value) {
	e := encoder{w: w}
	v.deepMarshal(&e)
}

// ShallowMarshal writes v's shallow form (children replaced by their
// hashes) to w. This is exactly the byte sequence value hashes are
// computed over.
func ShallowMarshal(w io.Writer, v Value) {
	e := encoder{w: w}
	v.shallowMarshal(&e)
}

// decoder reads the fixed-width primitives the codec needs, using
// errors.Reader's sticky-error convention so a single failure at any
// point short-circuits the rest of a recursive parse.
type decoder struct {
	r *errors.Reader
}

func (d decoder) byte() byte {
	var b [1]byte
	d.r.Read(b[:])
	return b[0]
}

func (d decoder) be64() uint64 {
	var b [8]byte
	d.r.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (d decoder) hash() Hash {
	var h Hash
	d.r.Read(h[:])
	return h
}

func (d decoder) int32be() Int {
	var i Int
	d.r.Read(i[:])
	return i
}

// DeepUnmarshal reads one value, in deep form, from r.
func DeepUnmarshal(r io.Reader) (Value, error) {
	d := decoder{r: errors.NewReader(r)}
	v := deepUnmarshalOne(d)
	if err := d.r.Err(); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "deep unmarshal")
	}
	return v, nil
}

func deepUnmarshalOne(d decoder) Value {
	tag := d.byte()
	switch {
	case tag == TagInt:
		return d.int32be()
	case tag == TagCodePoint:
		pc := PC{Segment: d.be64(), Offset: d.be64()}
		op := deepUnmarshalOperation(d)
		next := d.hash()
		return CodePoint{PC: pc, Op: op, NextHash: next}
	case tag >= 3 && tag <= 3+MaxTupleLen:
		n := int(tag - 3)
		items := make([]Value, n)
		for i := 0; i < n; i++ {
			items[i] = deepUnmarshalOne(d)
		}
		t, _ := NewTuple(items) // n <= MaxTupleLen by construction
		return t
	default:
		return nil
	}
}

func deepUnmarshalOperation(d decoder) Operation {
	opcode := d.byte()
	hasImm := d.byte()
	if hasImm == 0 {
		return Operation{Opcode: opcode}
	}
	return Operation{Opcode: opcode, Immediate: deepUnmarshalOne(d)}
}

// ShallowForm is the parsed shallow representation of a stored
// value's record body: enough to know the value's own tag and kind,
// plus (for composite kinds) the hashes of its children, without
// recursively loading them. The value store uses this to drive its
// own recursive get()/delete() without depending on a Value
// reconstruction step.
type ShallowForm struct {
	Tag byte

	Int Int // valid when Tag == TagInt

	// valid when Tag == TagCodePoint
	Opcode        byte
	HasImmediate  bool
	ImmediateHash Hash
	NextHash      Hash

	// valid when Tag indicates a tuple
	ChildHashes []Hash
}

// ReadShallow parses one value's shallow form from r.
func ReadShallow(r io.Reader) (ShallowForm, error) {
	d := decoder{r: errors.NewReader(r)}
	sf := readShallowOne(d)
	if err := d.r.Err(); err != nil && err != io.EOF {
		return ShallowForm{}, errors.Wrap(err, "shallow unmarshal")
	}
	return sf, nil
}

func readShallowOne(d decoder) ShallowForm {
	tag := d.byte()
	sf := ShallowForm{Tag: tag}
	switch {
	case tag == TagInt:
		sf.Int = d.int32be()
	case tag == TagCodePoint:
		sf.Opcode = d.byte()
		hasImm := d.byte()
		if hasImm != 0 {
			d.byte() // TagHashOnly marker
			sf.HasImmediate = true
			sf.ImmediateHash = d.hash()
		}
		sf.NextHash = d.hash()
	case tag >= 3 && tag <= 3+MaxTupleLen:
		n := int(tag - 3)
		sf.ChildHashes = make([]Hash, n)
		for i := 0; i < n; i++ {
			d.byte() // TagHashOnly marker
			sf.ChildHashes[i] = d.hash()
		}
	}
	return sf
}

// TypeNameOfTag names a tag byte for diagnostics, mirroring
// Value.TypeName for shallow-only contexts (the value store, which
// never materializes a full Value for an untouched tuple child).
func TypeNameOfTag(tag byte) string {
	switch {
	case tag == TagInt:
		return "int"
	case tag == TagCodePoint:
		return "codepoint"
	case tag >= 3 && tag <= 3+MaxTupleLen:
		return fmt.Sprintf("tuple(%d)", tag-3)
	default:
		return "unknown"
	}
}
