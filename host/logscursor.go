// Logs cursor (§4.10): a tailing subscription with client-
// acknowledged progress and deletion replay, grounded on
// core/txfeed.Tracker's client-acknowledged "after" position with
// compare-and-swap updates — adapted here from SQL rows with a WHERE
// clause to an in-memory per-slot state machine guarded by its own
// mutex, since §5 calls out "per-logs-cursor mutex" as one of only
// three exceptions to the single-writer rule.
package host

import (
	"sync"

	"avmcore/errors"
	"avmcore/outputstream"
	"avmcore/storage"
	"avmcore/value"
)

// LogsCursorStatus is a slot's state (§4.10).
type LogsCursorStatus int

const (
	LogsCursorEmpty LogsCursorStatus = iota
	LogsCursorRequested
	LogsCursorReady
	LogsCursorError
)

// LogsCursor is one of the 255 tailing slots (§6 "indexed by
// slot_index ∈ [0, 255)").
type LogsCursor struct {
	mu sync.Mutex

	status            LogsCursorStatus
	requestedCount    uint64
	data              []value.Hash
	deletedData       []value.Hash
	pendingTotalCount uint64
	currentTotal      uint64
	errorString       string
}

func newLogsCursor() *LogsCursor {
	return &LogsCursor{}
}

// Request moves the slot from EMPTY to REQUESTED, asking for up to n
// logs starting at its current position.
func (c *LogsCursor) Request(n uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != LogsCursorEmpty {
		return errors.WithKind(errors.New("logscursor: request only valid from EMPTY"), errors.KindInvalidArgument)
	}
	c.requestedCount = n
	c.status = LogsCursorRequested
	return nil
}

// service is called by the host's main loop (§4.7 step 4) to fill a
// REQUESTED slot from the current snapshot.
func (c *LogsCursor) service(tx storage.Reader, streams *outputstream.Streams, logInsertedCount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != LogsCursorRequested {
		return nil
	}
	if c.currentTotal == logInsertedCount {
		c.status = LogsCursorEmpty
		return nil
	}

	available := logInsertedCount - c.currentTotal
	n := c.requestedCount
	if n > available {
		n = available
	}

	data := make([]value.Hash, 0, n)
	for i := uint64(0); i < n; i++ {
		h, err := streams.GetLog(tx, c.currentTotal+i)
		if err != nil {
			c.status = LogsCursorError
			c.errorString = err.Error()
			return err
		}
		data = append(data, h)
	}

	c.data = data
	c.pendingTotalCount = c.currentTotal + n
	c.status = LogsCursorReady
	return nil
}

// LogsCursorPage is what Get returns.
type LogsCursorPage struct {
	FirstLogIndex uint64
	Logs          []value.Hash
	DeletedLogs   []value.Hash
}

// Get reads a READY slot's buffered data, returning it and clearing
// the buffers; the slot stays READY until Confirm.
func (c *LogsCursor) Get() (LogsCursorPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != LogsCursorReady {
		return LogsCursorPage{}, errors.WithKind(errors.New("logscursor: get only valid from READY"), errors.KindInvalidArgument)
	}

	page := LogsCursorPage{
		FirstLogIndex: c.currentTotal,
		Logs:          c.data,
		DeletedLogs:   c.deletedData,
	}
	c.data = nil
	c.deletedData = nil
	return page, nil
}

// Confirm persists pendingTotalCount as currentTotal and returns the
// slot to EMPTY. Only valid from READY with both buffers empty (i.e.
// after Get has drained them).
func (c *LogsCursor) Confirm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != LogsCursorReady {
		return errors.WithKind(errors.New("logscursor: confirm only valid from READY"), errors.KindInvalidArgument)
	}
	if len(c.data) != 0 || len(c.deletedData) != 0 {
		return errors.WithKind(errors.New("logscursor: confirm requires empty buffers"), errors.KindInvalidArgument)
	}
	c.currentTotal = c.pendingTotalCount
	c.status = LogsCursorEmpty
	return nil
}

// ClearError returns a slot from ERROR to EMPTY, returning the
// recorded error string.
func (c *LogsCursor) ClearError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.errorString
	c.errorString = ""
	c.status = LogsCursorEmpty
	return s
}

// handleReorg implements §4.10's handle_reorg. It is called by the
// reorg engine before the underlying logs are actually deleted, so it
// can still read the entries about to disappear and hand them back to
// the next Get as deleted_data.
func (c *LogsCursor) handleReorg(tx storage.Reader, streams *outputstream.Streams, newLogCount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newLogCount < c.pendingTotalCount {
		var toPrepend []value.Hash
		for i := c.pendingTotalCount; i > newLogCount; i-- {
			h, err := streams.GetLog(tx, i-1)
			if err != nil {
				return errors.Wrap(err, "read about-to-be-deleted log")
			}
			toPrepend = append(toPrepend, h)
		}
		c.deletedData = append(toPrepend, c.deletedData...)
		c.pendingTotalCount = newLogCount
	}

	// data[i]'s global index is currentTotal+i against the *pre-reorg*
	// currentTotal; compute the trim against that before clamping
	// currentTotal itself, or a reorg that cuts below this cursor's
	// own confirmed position would trim against the wrong window.
	if len(c.data) > 0 {
		cut := 0
		for i := range c.data {
			idx := c.currentTotal + uint64(i)
			if idx >= newLogCount {
				break
			}
			cut = i + 1
		}
		c.data = c.data[:cut]
	}

	if c.currentTotal > newLogCount {
		c.currentTotal = newLogCount
	}

	if c.status == LogsCursorReady && len(c.data) == 0 && len(c.deletedData) == 0 {
		c.status = LogsCursorRequested
	}

	return nil
}

// serviceLogsCursors fills every REQUESTED slot from the current
// snapshot (§4.7 step 4). Called once per tick, inside the same write
// transaction the rest of the tick uses.
func (h *Host) serviceLogsCursors(rw storage.ReadWriter) error {
	count, err := h.outputs.LogInsertedCount(rw)
	if err != nil {
		return errors.Wrap(err, "read log inserted count")
	}
	for _, c := range h.cursors {
		if err := c.service(rw, h.outputs, count); err != nil {
			return err
		}
	}
	return nil
}
