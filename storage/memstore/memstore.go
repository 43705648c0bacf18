// Package memstore is an in-memory storage.DB used by tests to avoid
// needing a running rocksdb: a plain in-memory double behind the same
// interface as the real engine.
package memstore

import (
	"bytes"
	"sort"
	"sync"

	"avmcore/storage"
)

// MemStore satisfies storage.DB entirely in memory. Update takes a
// copy-on-write snapshot of the whole keyspace so failed transactions
// (fn returning an error) never leak partial writes, and View readers
// are isolated from writers exactly like a real consistent snapshot.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte // cf -> key -> value
}

// New returns an empty MemStore with every column family created.
func New() *MemStore {
	m := &MemStore{data: make(map[string]map[string][]byte)}
	for _, cf := range storage.CFs {
		m.data[cf] = make(map[string][]byte)
	}
	return m
}

func (m *MemStore) snapshot() map[string]map[string][]byte {
	out := make(map[string]map[string][]byte, len(m.data))
	for cf, kv := range m.data {
		cp := make(map[string][]byte, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		out[cf] = cp
	}
	return out
}

type reader struct {
	snap map[string]map[string][]byte
}

func (r reader) Get(cf string, key []byte) ([]byte, error) {
	v, ok := r.snap[cf][string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (r reader) Iterate(cf string, opts storage.IterOptions) storage.Iterator {
	kv := r.snap[cf]
	keys := make([]string, 0, len(kv))
	for k := range kv {
		if opts.Prefix != nil && !bytes.HasPrefix([]byte(k), opts.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if opts.Start != nil {
		keys = seekFrom(keys, opts.Start, opts.Reverse)
	}
	return &memIterator{kv: kv, keys: keys}
}

func seekFrom(keys []string, start []byte, reverse bool) []string {
	s := string(start)
	for i, k := range keys {
		if reverse {
			if k <= s {
				return keys[i:]
			}
		} else {
			if k >= s {
				return keys[i:]
			}
		}
	}
	return nil
}

type memIterator struct {
	kv   map[string][]byte
	keys []string
	pos  int
}

func (it *memIterator) Valid() bool { return it.pos < len(it.keys) }
func (it *memIterator) Next()       { it.pos++ }
func (it *memIterator) Key() []byte { return []byte(it.keys[it.pos]) }
func (it *memIterator) Value() []byte {
	v := it.kv[it.keys[it.pos]]
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp
}
func (it *memIterator) Err() error { return nil }
func (it *memIterator) Close()     {}

type readWriter struct {
	reader
	puts    map[string]map[string][]byte
	deletes map[string]map[string]bool
}

func newReadWriter(snap map[string]map[string][]byte) *readWriter {
	return &readWriter{
		reader:  reader{snap: snap},
		puts:    make(map[string]map[string][]byte),
		deletes: make(map[string]map[string]bool),
	}
}

func (w *readWriter) Put(cf string, key, value []byte) {
	if w.puts[cf] == nil {
		w.puts[cf] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	w.puts[cf][string(key)] = cp
	if w.deletes[cf] != nil {
		delete(w.deletes[cf], string(key))
	}
}

func (w *readWriter) Delete(cf string, key []byte) {
	if w.deletes[cf] == nil {
		w.deletes[cf] = make(map[string]bool)
	}
	w.deletes[cf][string(key)] = true
	if w.puts[cf] != nil {
		delete(w.puts[cf], string(key))
	}
}

// View runs fn against a point-in-time snapshot of the whole store.
func (m *MemStore) View(fn func(storage.Reader) error) error {
	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()
	return fn(reader{snap: snap})
}

// Update runs fn against a snapshot, buffering its writes; they only
// become visible if fn returns nil.
func (m *MemStore) Update(fn func(storage.ReadWriter) error) error {
	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	rw := newReadWriter(snap)
	if err := fn(rw); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for cf, kv := range rw.puts {
		for k, v := range kv {
			m.data[cf][k] = v
		}
	}
	for cf, keys := range rw.deletes {
		for k := range keys {
			delete(m.data[cf], k)
		}
	}
	return nil
}

// Close is a no-op; MemStore owns no OS resources.
func (m *MemStore) Close() error { return nil }
