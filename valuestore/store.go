// Package valuestore implements the content-addressed, reference-
// counted value store (§4.2): save/get/delete against the "value"
// column family, backed by a generational in-memory cache. Tuples
// recurse into their children on save/get/delete; Int bodies are
// self-contained; CodePoint bodies are a pointer into the code store
// rather than a copy of its operation, since the code store already
// owns that data (§4.3's segments are immutable once published, so
// there is nothing for the value store to refcount there beyond the
// pointer itself).
package valuestore

import (
	"encoding/binary"

	"avmcore/codestore"
	"avmcore/errors"
	"avmcore/metrics"
	"avmcore/storage"
	"avmcore/value"
)

// Store saves, fetches, and reference-counts Values in a single
// "value" column family, delegating CodePoint bodies to a codestore.
type Store struct {
	code *codestore.Store
}

// New returns a Store whose CodePoint values are resolved through code.
func New(code *codestore.Store) *Store {
	return &Store{code: code}
}

const (
	bodyTagInt       byte = 0
	bodyTagCodePoint byte = 1
	bodyTagTuple     byte = 2
)

// Save writes v if absent (refcount 1, recursing into any tuple
// children) or increments its refcount if present, returning its hash.
func (s *Store) Save(rw storage.ReadWriter, v value.Value) (value.Hash, error) {
	h := v.Hash()
	key := h.Bytes()

	existing, err := rw.Get(storage.CFValue, key)
	switch {
	case err == nil:
		refcount := binary.BigEndian.Uint64(existing[:8])
		var rec [8]byte
		binary.BigEndian.PutUint64(rec[:], refcount+1)
		rw.Put(storage.CFValue, key, append(rec[:], existing[8:]...))
		return h, nil
	case err != storage.ErrNotFound:
		return h, errors.Wrap(err, "read value record")
	}

	body, err := s.encodeBody(rw, v)
	if err != nil {
		return h, err
	}

	var rec [8]byte
	binary.BigEndian.PutUint64(rec[:], 1)
	rw.Put(storage.CFValue, key, append(rec[:], body...))
	return h, nil
}

// encodeBody recurses save() into a tuple's children, so they are
// present (with a bumped refcount) before the parent record is
// written — otherwise a concurrent delete of an already-referenced
// child could observe a momentarily zero refcount.
func (s *Store) encodeBody(rw storage.ReadWriter, v value.Value) ([]byte, error) {
	switch x := v.(type) {
	case value.Int:
		body := make([]byte, 1, 33)
		body[0] = bodyTagInt
		return append(body, x[:]...), nil

	case value.CodePoint:
		body := make([]byte, 1, 17)
		body[0] = bodyTagCodePoint
		var seg, off [8]byte
		binary.BigEndian.PutUint64(seg[:], x.PC.Segment)
		binary.BigEndian.PutUint64(off[:], x.PC.Offset)
		body = append(body, seg[:]...)
		body = append(body, off[:]...)
		return body, nil

	case value.Tuple:
		items := x.Items()
		body := make([]byte, 1, 1+32*len(items))
		body[0] = bodyTagTuple
		for _, item := range items {
			h, err := s.Save(rw, item)
			if err != nil {
				return nil, err
			}
			body = append(body, h.Bytes()...)
		}
		return body, nil

	default:
		return nil, errors.New("valuestore: unknown value kind")
	}
}

// Get returns the value stored at h, consulting cache first.
func (s *Store) Get(tx storage.Reader, h value.Hash, cache *Cache) (value.Value, error) {
	if v, ok := cache.Get(h); ok {
		metrics.ValueCacheHit()
		return v, nil
	}
	metrics.ValueCacheMiss()

	rec, err := tx.Get(storage.CFValue, h.Bytes())
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errors.WithKind(errors.Wrapf(err, "value %s", h), errors.KindNotFound)
		}
		return nil, errors.Wrap(err, "read value record")
	}
	body := rec[8:]

	v, err := s.decodeBody(tx, body, cache)
	if err != nil {
		return nil, err
	}
	cache.Insert(h, v)
	return v, nil
}

func (s *Store) decodeBody(tx storage.Reader, body []byte, cache *Cache) (value.Value, error) {
	if len(body) == 0 {
		return nil, errors.WithKind(errors.New("valuestore: empty record body"), errors.KindCorruption)
	}
	switch body[0] {
	case bodyTagInt:
		var i value.Int
		copy(i[:], body[1:])
		return i, nil

	case bodyTagCodePoint:
		segment := binary.BigEndian.Uint64(body[1:9])
		offset := binary.BigEndian.Uint64(body[9:17])
		return s.code.Get(tx, segment, offset)

	case bodyTagTuple:
		hashes := body[1:]
		items := make([]value.Value, 0, len(hashes)/32)
		for i := 0; i+32 <= len(hashes); i += 32 {
			h, err := value.HashFromBytes(hashes[i : i+32])
			if err != nil {
				return nil, errors.Wrap(err, "parse child hash")
			}
			child, err := s.Get(tx, h, cache)
			if err != nil {
				return nil, err
			}
			items = append(items, child)
		}
		t, err := value.NewTuple(items)
		if err != nil {
			return nil, err
		}
		return t, nil

	default:
		return nil, errors.WithKind(errors.New("valuestore: unknown body tag"), errors.KindCorruption)
	}
}

// Delete decrements h's refcount, recursing into a tuple's children
// once the count reaches zero, then removes the record.
func (s *Store) Delete(rw storage.ReadWriter, h value.Hash) error {
	key := h.Bytes()
	rec, err := rw.Get(storage.CFValue, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return errors.WithKind(errors.Wrapf(err, "value %s", h), errors.KindNotFound)
		}
		return errors.Wrap(err, "read value record")
	}

	refcount := binary.BigEndian.Uint64(rec[:8])
	if refcount > 1 {
		var newRec [8]byte
		binary.BigEndian.PutUint64(newRec[:], refcount-1)
		rw.Put(storage.CFValue, key, append(newRec[:], rec[8:]...))
		return nil
	}

	body := rec[8:]
	if len(body) > 0 && body[0] == bodyTagTuple {
		hashes := body[1:]
		for i := 0; i+32 <= len(hashes); i += 32 {
			childHash, err := value.HashFromBytes(hashes[i : i+32])
			if err != nil {
				return errors.Wrap(err, "parse child hash")
			}
			if err := s.Delete(rw, childHash); err != nil {
				return err
			}
		}
	}

	rw.Delete(storage.CFValue, key)
	return nil
}

// Refcount returns h's current reference count, or 0 if h is absent.
func (s *Store) Refcount(tx storage.Reader, h value.Hash) (uint64, error) {
	rec, err := tx.Get(storage.CFValue, h.Bytes())
	if err != nil {
		if err == storage.ErrNotFound {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read value record")
	}
	return binary.BigEndian.Uint64(rec[:8]), nil
}
