// Package rocksstore is the production storage.DB, backed by
// gorocksdb with one column family per name in storage.CFs.
package rocksstore

import (
	"github.com/tecbot/gorocksdb"

	"avmcore/errors"
	"avmcore/storage"
)

// Store is a gorocksdb-backed storage.DB.
type Store struct {
	db  *gorocksdb.DB
	cfs map[string]*gorocksdb.ColumnFamilyHandle

	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions
}

// Open creates or opens a rocksdb database at datadir with every
// column family in storage.CFs present.
func Open(datadir string) (*Store, error) {
	bbto := gorocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetBlockCache(gorocksdb.NewLRUCache(3 << 30))

	opts := gorocksdb.NewDefaultOptions()
	opts.SetBlockBasedTableFactory(bbto)
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	names := append([]string{"default"}, storage.CFs...)
	cfOpts := make([]*gorocksdb.Options, len(names))
	for i := range names {
		cfOpts[i] = opts
	}

	db, handles, err := gorocksdb.OpenDbColumnFamilies(opts, datadir, names, cfOpts)
	if err != nil {
		return nil, errors.Wrap(err, "open rocksdb")
	}

	cfs := make(map[string]*gorocksdb.ColumnFamilyHandle, len(storage.CFs))
	for i, name := range names {
		if name == "default" {
			continue
		}
		cfs[name] = handles[i]
	}

	return &Store{
		db:  db,
		cfs: cfs,
		ro:  gorocksdb.NewDefaultReadOptions(),
		wo:  gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

func (s *Store) handle(cf string) *gorocksdb.ColumnFamilyHandle {
	h, ok := s.cfs[cf]
	if !ok {
		panic("rocksstore: unknown column family " + cf)
	}
	return h
}

// Close releases the rocksdb handle.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

type reader struct {
	s  *Store
	ro *gorocksdb.ReadOptions
}

func (r reader) Get(cf string, key []byte) ([]byte, error) {
	slice, err := r.s.db.GetCF(r.ro, r.s.handle(cf), key)
	if err != nil {
		return nil, errors.Wrap(err, "rocksdb get")
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, slice.Size())
	copy(out, slice.Data())
	return out, nil
}

func (r reader) Iterate(cf string, opts storage.IterOptions) storage.Iterator {
	it := r.s.db.NewIteratorCF(r.ro, r.s.handle(cf))
	ri := &rocksIterator{it: it, prefix: opts.Prefix, reverse: opts.Reverse}

	switch {
	case opts.Start != nil && opts.Reverse:
		it.SeekForPrev(opts.Start)
	case opts.Start != nil:
		it.Seek(opts.Start)
	case opts.Reverse:
		it.SeekToLast()
	default:
		it.SeekToFirst()
	}
	ri.skipToValid()
	return ri
}

// View runs fn against a consistent rocksdb snapshot.
func (s *Store) View(fn func(storage.Reader) error) error {
	snap := s.db.NewSnapshot()
	defer s.db.ReleaseSnapshot(snap)

	ro := gorocksdb.NewDefaultReadOptions()
	ro.SetSnapshot(snap)
	defer ro.Destroy()

	return fn(reader{s: s, ro: ro})
}

type readWriter struct {
	reader
	batch *gorocksdb.WriteBatch
}

func (w *readWriter) Put(cf string, key, value []byte) {
	w.batch.PutCF(w.s.handle(cf), key, value)
}

func (w *readWriter) Delete(cf string, key []byte) {
	w.batch.DeleteCF(w.s.handle(cf), key)
}

// Update runs fn against a snapshot, buffering its writes in a single
// gorocksdb.WriteBatch committed atomically only if fn returns nil.
func (s *Store) Update(fn func(storage.ReadWriter) error) error {
	snap := s.db.NewSnapshot()
	defer s.db.ReleaseSnapshot(snap)

	ro := gorocksdb.NewDefaultReadOptions()
	ro.SetSnapshot(snap)
	defer ro.Destroy()

	batch := gorocksdb.NewWriteBatch()
	defer batch.Destroy()

	rw := &readWriter{reader: reader{s: s, ro: ro}, batch: batch}
	if err := fn(rw); err != nil {
		return err
	}

	if err := s.db.Write(s.wo, batch); err != nil {
		return errors.Wrap(err, "rocksdb write batch")
	}
	return nil
}

type rocksIterator struct {
	it      *gorocksdb.Iterator
	prefix  []byte
	reverse bool
	err     error
}

func (ri *rocksIterator) hasPrefix() bool {
	if ri.prefix == nil {
		return true
	}
	k := ri.it.Key()
	defer k.Free()
	kb := k.Data()
	if len(kb) < len(ri.prefix) {
		return false
	}
	for i, b := range ri.prefix {
		if kb[i] != b {
			return false
		}
	}
	return true
}

func (ri *rocksIterator) skipToValid() {
	for ri.it.Valid() && !ri.hasPrefix() {
		if ri.reverse {
			ri.it.Prev()
		} else {
			ri.it.Next()
		}
	}
}

func (ri *rocksIterator) Valid() bool { return ri.it.Valid() && ri.hasPrefix() }

func (ri *rocksIterator) Next() {
	if ri.reverse {
		ri.it.Prev()
	} else {
		ri.it.Next()
	}
	ri.skipToValid()
}

func (ri *rocksIterator) Key() []byte {
	s := ri.it.Key()
	defer s.Free()
	out := make([]byte, s.Size())
	copy(out, s.Data())
	return out
}

func (ri *rocksIterator) Value() []byte {
	s := ri.it.Value()
	defer s.Free()
	out := make([]byte, s.Size())
	copy(out, s.Data())
	return out
}

func (ri *rocksIterator) Err() error {
	if err := ri.it.Err(); err != nil {
		return errors.Wrap(err, "rocksdb iterator")
	}
	return ri.err
}

func (ri *rocksIterator) Close() { ri.it.Close() }
