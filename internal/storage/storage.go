package storage

import (
	"context"
	"errors"
	"time"

	"rxjournal/internal/journal"
)

var (
	// ErrStorageUnavailable means the backend cannot accept appends or
	// reads (closed handle, full disk). Fatal to the in-progress
	// operation; never retried here.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEndOfJournal is returned by non-tailing cursors once every
	// appended entry has been read.
	ErrEndOfJournal = errors.New("end of journal")

	// ErrTimeout is returned by a tailing cursor whose per-read budget
	// elapsed before a new entry was appended. Recoverable.
	ErrTimeout = errors.New("read timed out")
)

// ReaderOptions configures a cursor at open time.
type ReaderOptions struct {
	// Tail makes Next block for not-yet-written entries instead of
	// returning ErrEndOfJournal.
	Tail bool

	// Timeout bounds each blocking Next in tail mode. Zero means wait
	// until ctx cancellation.
	Timeout time.Duration
}

// Store is the append-only ordered record store the journal engine
// consumes. Sequence numbers are assigned here, atomically, so that
// concurrent writers sharing one Store still observe a single global
// order.
type Store interface {
	// Append durably persists one entry and returns its assigned
	// sequence. The entry is durable before Append returns.
	Append(ctx context.Context, e journal.Entry) (uint64, error)

	// OpenReader returns an independent cursor positioned before the
	// first entry. Any number of cursors may coexist.
	OpenReader(opts ReaderOptions) (Cursor, error)

	Close() error
}

// Cursor is one reader's position in the journal. Cursors advance in
// strict sequence order and are not safe for concurrent use; open one per
// reader instead.
type Cursor interface {
	Next(ctx context.Context) (journal.Entry, error)
	Close() error
}
