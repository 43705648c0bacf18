package inboxstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"avmcore/machine"
	"avmcore/storage"
	"avmcore/storage/memstore"
	"avmcore/value"
)

func appendSequencer(t *testing.T, db storage.DB, s *Store, seq uint64, acc value.Hash, totalDelayed uint64, msg []byte) BatchItem {
	t.Helper()
	var item BatchItem
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		var err error
		item, err = s.AppendBatchItem(rw, value.IntFromUint64(seq), acc, value.IntFromUint64(totalDelayed), msg)
		return err
	}))
	return item
}

func TestAppendAndGetBatchItem(t *testing.T) {
	db := memstore.New()
	s := New()

	acc := value.Hash{1}
	item := appendSequencer(t, db, s, 0, acc, 0, []byte("hello"))
	require.Equal(t, uint64(0), item.FirstMessageIndex.Uint64())
	require.Equal(t, uint64(1), item.MessageCount.Uint64())

	require.NoError(t, db.View(func(r storage.Reader) error {
		got, err := s.GetBatchItem(r, value.IntFromUint64(0))
		require.NoError(t, err)
		require.Equal(t, acc, got.Accumulator)
		require.Equal(t, []byte("hello"), got.SequencerMessage)
		return nil
	}))
}

func TestNextBatchItem(t *testing.T) {
	db := memstore.New()
	s := New()

	appendSequencer(t, db, s, 0, value.Hash{1}, 0, []byte("a"))
	appendSequencer(t, db, s, 5, value.Hash{2}, 0, []byte("b"))

	require.NoError(t, db.View(func(r storage.Reader) error {
		item, err := s.NextBatchItem(r, value.IntFromUint64(1))
		require.NoError(t, err)
		require.Equal(t, uint64(5), item.LastSequenceNumber.Uint64())

		_, err = s.NextBatchItem(r, value.IntFromUint64(6))
		require.Error(t, err)
		return nil
	}))
}

func TestReadMessagesAcrossSequencerAndDelayed(t *testing.T) {
	db := memstore.New()
	s := New()

	// item 0: a lone sequencer message (global index 0)
	appendSequencer(t, db, s, 0, value.Hash{1}, 0, []byte("seq0"))

	// item 1: pulls in delayed messages [0,3) (global indices 1,2,3)
	require.NoError(t, db.Update(func(rw storage.ReadWriter) error {
		s.AppendDelayedMessage(rw, value.IntFromUint64(0), []byte("d0"))
		s.AppendDelayedMessage(rw, value.IntFromUint64(1), []byte("d1"))
		s.AppendDelayedMessage(rw, value.IntFromUint64(2), []byte("d2"))
		return nil
	}))
	item1 := appendSequencer(t, db, s, 1, value.Hash{2}, 3, nil)
	require.Equal(t, uint64(1), item1.FirstMessageIndex.Uint64())
	require.Equal(t, uint64(3), item1.MessageCount.Uint64())

	// item 2: another sequencer message (global index 4)
	appendSequencer(t, db, s, 2, value.Hash{3}, 3, []byte("seq2"))

	require.NoError(t, db.View(func(r storage.Reader) error {
		msgs, err := s.ReadMessages(r, value.IntFromUint64(0), 10, nil)
		require.NoError(t, err)
		require.Equal(t, [][]byte{
			[]byte("seq0"), []byte("d0"), []byte("d1"), []byte("d2"), []byte("seq2"),
		}, msgs)

		// start mid-range, inside the delayed batch
		msgs, err = s.ReadMessages(r, value.IntFromUint64(2), 2, nil)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("d1"), []byte("d2")}, msgs)

		// count caps the result
		msgs, err = s.ReadMessages(r, value.IntFromUint64(0), 2, nil)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("seq0"), []byte("d0")}, msgs)
		return nil
	}))
}

func TestReadMessagesTruncatesPastTip(t *testing.T) {
	db := memstore.New()
	s := New()
	appendSequencer(t, db, s, 0, value.Hash{1}, 0, []byte("only"))

	require.NoError(t, db.View(func(r storage.Reader) error {
		msgs, err := s.ReadMessages(r, value.IntFromUint64(0), 100, nil)
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("only")}, msgs)
		return nil
	}))
}

func TestReadMessagesRejectsAccumulatorMismatch(t *testing.T) {
	db := memstore.New()
	s := New()
	appendSequencer(t, db, s, 0, value.Hash{1}, 0, []byte("a"))
	appendSequencer(t, db, s, 1, value.Hash{2}, 0, []byte("b"))

	wrong := value.Hash{0xff}
	require.NoError(t, db.View(func(r storage.Reader) error {
		_, err := s.ReadMessages(r, value.IntFromUint64(1), 1, &wrong)
		require.Error(t, err)

		correct := value.Hash{1}
		_, err = s.ReadMessages(r, value.IntFromUint64(1), 1, &correct)
		require.NoError(t, err)
		return nil
	}))
}

func TestIsValid(t *testing.T) {
	db := memstore.New()
	s := New()
	appendSequencer(t, db, s, 0, value.Hash{1}, 0, []byte("a"))
	appendSequencer(t, db, s, 1, value.Hash{2}, 0, []byte("b"))

	require.NoError(t, db.View(func(r storage.Reader) error {
		ok, err := s.IsValid(r, machine.InboxState{Count: value.IntFromUint64(0), Accumulator: value.Hash{}})
		require.NoError(t, err)
		require.True(t, ok, "empty inbox is trivially valid")

		ok, err = s.IsValid(r, machine.InboxState{Count: value.IntFromUint64(2), Accumulator: value.Hash{2}})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.IsValid(r, machine.InboxState{Count: value.IntFromUint64(2), Accumulator: value.Hash{0xaa}})
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}
