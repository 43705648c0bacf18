package valuestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"avmcore/codestore"
	"avmcore/storage"
	"avmcore/storage/memstore"
	"avmcore/value"
)

func TestSaveGetInt(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	s := New(cs)
	cache := NewCache()

	i := value.IntFromUint64(42)
	var h value.Hash
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		h, err = s.Save(rw, i)
		return err
	}))

	require.NoError(t, db.View(func(r storage.Reader) error {
		got, err := s.Get(r, h, cache)
		require.NoError(t, err)
		require.Equal(t, i.Hash(), got.Hash())
		return nil
	}))
}

func TestSaveIncrementsRefcount(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	s := New(cs)

	i := value.IntFromUint64(7)
	var h value.Hash
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		h, err = s.Save(rw, i)
		require.NoError(t, err)
		h, err = s.Save(rw, i)
		return err
	}))

	require.NoError(t, db.View(func(r storage.Reader) error {
		rc, err := s.Refcount(r, h)
		require.NoError(t, err)
		require.Equal(t, uint64(2), rc)
		return nil
	}))
}

func TestTupleRoundTripAndRefcounts(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	s := New(cs)
	cache := NewCache()

	a := value.IntFromUint64(1)
	b := value.IntFromUint64(2)
	tup, err := value.NewTuple([]value.Value{a, b})
	require.NoError(t, err)

	var h value.Hash
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		h, err = s.Save(rw, tup)
		return err
	}))

	require.NoError(t, db.View(func(r storage.Reader) error {
		got, err := s.Get(r, h, cache)
		require.NoError(t, err)
		require.Equal(t, tup.Hash(), got.Hash())

		rc, err := s.Refcount(r, a.Hash())
		require.NoError(t, err)
		require.Equal(t, uint64(1), rc)
		return nil
	}))

	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		return s.Delete(rw, h)
	}))

	require.NoError(t, db.View(func(r storage.Reader) error {
		rc, err := s.Refcount(r, a.Hash())
		require.NoError(t, err)
		require.Equal(t, uint64(0), rc)
		return nil
	}))
}

func TestDeleteSharedChildKeepsIt(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	s := New(cs)

	a := value.IntFromUint64(9)
	tup1, err := value.NewTuple([]value.Value{a})
	require.NoError(t, err)
	tup2, err := value.NewTuple([]value.Value{a, value.IntFromUint64(10)})
	require.NoError(t, err)

	var h1, h2 value.Hash
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		h1, err = s.Save(rw, tup1)
		require.NoError(t, err)
		h2, err = s.Save(rw, tup2)
		return err
	}))

	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		return s.Delete(rw, h1)
	}))

	require.NoError(t, db.View(func(r storage.Reader) error {
		rc, err := s.Refcount(r, a.Hash())
		require.NoError(t, err)
		require.Equal(t, uint64(1), rc, "second tuple still references a")

		_, err = s.Get(r, h2, NewCache())
		require.NoError(t, err)
		return nil
	}))
}

func TestCodePointDelegatesToCodeStore(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	s := New(cs)
	cache := NewCache()

	var segID uint64
	var cps []value.CodePoint
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		segID, cps, err = cs.Publish(rw, []value.Operation{{Opcode: 0x5}}, value.ZeroHash)
		return err
	}))

	cp := cps[0]
	var h value.Hash
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		h, err = s.Save(rw, cp)
		return err
	}))

	require.NoError(t, db.View(func(r storage.Reader) error {
		got, err := s.Get(r, h, cache)
		require.NoError(t, err)
		gotCP, ok := got.(value.CodePoint)
		require.True(t, ok)
		require.Equal(t, segID, gotCP.PC.Segment)
		require.Equal(t, byte(0x5), gotCP.Op.Opcode)
		return nil
	}))
}

func TestGetMissingIsNotFound(t *testing.T) {
	db := memstore.New()
	cs := codestore.New(db)
	s := New(cs)

	require.NoError(t, db.View(func(r storage.Reader) error {
		_, err := s.Get(r, value.Hash{0x1}, NewCache())
		require.Error(t, err)
		return nil
	}))
}
