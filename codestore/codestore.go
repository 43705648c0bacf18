// Package codestore implements the append-only code segment store
// (§4.3): an in-memory map of segment id to its vector of CodePoints,
// backed by a persisted next_segment_id counter and serialized
// segment bodies in storage's "code" column family. Segments are
// immutable once published, and restoring one is idempotent — uses an
// idempotency.Group to coalesce concurrent fills, since a segment,
// once loaded, never needs to be evicted or refreshed.
package codestore

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"sync"

	"avmcore/encoding/blockchain"
	"avmcore/encoding/bufpool"
	"avmcore/errors"
	"avmcore/storage"
	"avmcore/sync/idempotency"
	"avmcore/value"
)

// stateKeyNextSegmentID is the single-key counter in CFState that
// hands out fresh segment ids.
var stateKeyNextSegmentID = []byte{0xD0}

// Store owns the in-memory segment table and the code column family.
type Store struct {
	db storage.DB

	mu       sync.Mutex
	segments map[uint64][]value.CodePoint

	restoring idempotency.Group
}

// New returns a Store reading and writing through db.
func New(db storage.DB) *Store {
	return &Store{
		db:       db,
		segments: make(map[uint64][]value.CodePoint),
	}
}

// ContainsSegment reports whether id is resident in memory.
func (s *Store) ContainsSegment(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.segments[id]
	return ok
}

// nextSegmentID allocates and persists a fresh segment id.
func nextSegmentID(rw storage.ReadWriter) (uint64, error) {
	var id uint64
	v, err := rw.Get(storage.CFState, stateKeyNextSegmentID)
	switch {
	case err == nil:
		id = binary.BigEndian.Uint64(v)
	case err == storage.ErrNotFound:
		id = 0
	default:
		return 0, errors.Wrap(err, "read next segment id")
	}

	var next [8]byte
	binary.BigEndian.PutUint64(next[:], id+1)
	rw.Put(storage.CFState, stateKeyNextSegmentID, next[:])
	return id, nil
}

// Publish allocates a new segment id, links ops into a CodePoint
// chain terminated by exitHash, persists the segment, and installs it
// in memory. CodePoint.NextHash for all but the last op is derived
// from hashing the following CodePoint in the same segment; the last
// op's NextHash is exitHash, the caller-supplied link to whatever
// comes after this segment (ZeroHash if there is nothing).
func (s *Store) Publish(rw storage.ReadWriter, ops []value.Operation, exitHash value.Hash) (uint64, []value.CodePoint, error) {
	id, err := nextSegmentID(rw)
	if err != nil {
		return 0, nil, err
	}

	cps := linkSegment(id, ops, exitHash)

	body, err := serializeSegment(ops, exitHash)
	if err != nil {
		return 0, nil, errors.Wrap(err, "serialize segment")
	}

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	rw.Put(storage.CFCode, key[:], body)

	s.mu.Lock()
	s.segments[id] = cps
	s.mu.Unlock()

	return id, cps, nil
}

// linkSegment builds the CodePoint vector for a segment given its
// operations and the hash that follows the segment's last op.
func linkSegment(id uint64, ops []value.Operation, exitHash value.Hash) []value.CodePoint {
	cps := make([]value.CodePoint, len(ops))
	next := exitHash
	for i := len(ops) - 1; i >= 0; i-- {
		cp := value.CodePoint{
			PC:       value.PC{Segment: id, Offset: uint64(i)},
			Op:       ops[i],
			NextHash: next,
		}
		cps[i] = cp
		next = cp.Hash()
	}
	return cps
}

// Get returns the CodePoint at (segment, offset), restoring the
// segment from storage first if it is not already resident.
func (s *Store) Get(tx storage.Reader, segment, offset uint64) (value.CodePoint, error) {
	cps, err := s.RestoreSegment(tx, segment)
	if err != nil {
		return value.CodePoint{}, err
	}
	if offset >= uint64(len(cps)) {
		return value.CodePoint{}, errors.WithKind(
			errors.New("codestore: offset out of range"),
			errors.KindCorruption,
		)
	}
	return cps[offset], nil
}

// RestoreSegment loads segment id from storage into memory if it is
// not already there, transitively restoring any further segment
// referenced by an immediate CodePoint value, and returns its
// CodePoints. Concurrent restores of the same id are coalesced.
func (s *Store) RestoreSegment(tx storage.Reader, id uint64) ([]value.CodePoint, error) {
	if cps, ok := s.snapshot(id); ok {
		return cps, nil
	}

	key := strconv.FormatUint(id, 16)
	result, err := s.restoring.Once(key, func() (interface{}, error) {
		if cps, ok := s.snapshot(id); ok {
			return cps, nil
		}

		var idBytes [8]byte
		binary.BigEndian.PutUint64(idBytes[:], id)
		body, err := tx.Get(storage.CFCode, idBytes[:])
		if err != nil {
			return nil, errors.Wrap(err, "read segment")
		}

		ops, exitHash, err := deserializeSegment(body)
		if err != nil {
			return nil, errors.Wrap(err, "deserialize segment")
		}

		cps := linkSegment(id, ops, exitHash)

		for _, op := range ops {
			if err := s.restoreReferencedSegments(tx, op.Immediate); err != nil {
				return nil, err
			}
		}

		s.mu.Lock()
		s.segments[id] = cps
		s.mu.Unlock()

		return cps, nil
	})
	s.restoring.Forget(key)
	if err != nil {
		return nil, err
	}
	return result.([]value.CodePoint), nil
}

// restoreReferencedSegments walks v looking for CodePoint values that
// point into a segment not yet resident, loading them transitively.
func (s *Store) restoreReferencedSegments(tx storage.Reader, v value.Value) error {
	switch x := v.(type) {
	case nil:
		return nil
	case value.CodePoint:
		if !s.ContainsSegment(x.PC.Segment) {
			if _, err := s.RestoreSegment(tx, x.PC.Segment); err != nil {
				return err
			}
		}
		return s.restoreReferencedSegments(tx, x.Op.Immediate)
	case value.Tuple:
		for _, item := range x.Items() {
			if err := s.restoreReferencedSegments(tx, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func (s *Store) snapshot(id uint64) ([]value.CodePoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps, ok := s.segments[id]
	if !ok {
		return nil, false
	}
	cp := make([]value.CodePoint, len(cps))
	copy(cp, cps)
	return cp, true
}

// serializeSegment writes a length-prefixed sequence of operations
// followed by the segment's exit hash.
func serializeSegment(ops []value.Operation, exitHash value.Hash) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if _, err := blockchain.WriteVarint31(buf, uint64(len(ops))); err != nil {
		return nil, err
	}
	for _, op := range ops {
		buf.WriteByte(op.Opcode)
		if op.Immediate == nil {
			buf.WriteByte(0)
			continue
		}
		buf.WriteByte(1)
		value.DeepMarshal(buf, op.Immediate)
	}
	buf.Write(exitHash[:])

	return bufpool.CopyBytes(buf), nil
}

func deserializeSegment(body []byte) ([]value.Operation, value.Hash, error) {
	r := bytes.NewReader(body)

	n, _, err := blockchain.ReadVarint31(r)
	if err != nil {
		return nil, value.Hash{}, err
	}

	ops := make([]value.Operation, n)
	for i := range ops {
		var opcodeBuf [1]byte
		if _, err := r.Read(opcodeBuf[:]); err != nil {
			return nil, value.Hash{}, err
		}
		var presenceBuf [1]byte
		if _, err := r.Read(presenceBuf[:]); err != nil {
			return nil, value.Hash{}, err
		}
		op := value.Operation{Opcode: opcodeBuf[0]}
		if presenceBuf[0] != 0 {
			imm, err := value.DeepUnmarshal(r)
			if err != nil {
				return nil, value.Hash{}, err
			}
			op.Immediate = imm
		}
		ops[i] = op
	}

	var exitHash value.Hash
	if _, err := r.Read(exitHash[:]); err != nil {
		return nil, value.Hash{}, err
	}

	return ops, exitHash, nil
}
