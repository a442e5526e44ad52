package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"rxjournal/internal/journal"
	"rxjournal/internal/storage"

	_ "modernc.org/sqlite"
)

// DefaultJournalName is the dot-prefixed directory created under the base
// directory when no explicit journal name is given.
const DefaultJournalName = ".rxjournal"

const journalFileName = "journal.db"

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	filter TEXT NOT NULL,
	payload BLOB
);

CREATE INDEX IF NOT EXISTS idx_entries_filter_sequence ON entries(filter, sequence);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: DELETE forbidden');
END;
`

// Options configures where the journal lives and how the database file is
// tuned.
type Options struct {
	BaseDir string

	// Name of the journal directory under BaseDir. Defaults to
	// DefaultJournalName.
	Name string

	// BlockSize sets the sqlite page size in bytes when the journal file
	// is first created. Zero keeps the driver default.
	BlockSize int

	// PollInterval is how often tailing cursors re-check for new entries.
	// Defaults to 10ms.
	PollInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Name == "" {
		o.Name = DefaultJournalName
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
}

// Store is the durable sqlite-backed journal store. Sequence numbers come
// from the rowid autoincrement, so concurrent appenders sharing one Store
// observe a single global order.
type Store struct {
	opts   Options
	dir    string
	db     *sql.DB
	closed atomic.Bool
}

// Open creates or opens the journal database under
// opts.BaseDir/opts.Name.
func Open(opts Options) (*Store, error) {
	opts.withDefaults()
	dir := filepath.Join(opts.BaseDir, opts.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, journalFileName))
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	pragmas := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	if opts.BlockSize > 0 {
		// page_size only takes effect before the first table is created.
		pragmas = append([]string{fmt.Sprintf("PRAGMA page_size=%d;", opts.BlockSize)}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{opts: opts, dir: dir, db: db}, nil
}

// Dir returns the journal-specific directory, one level below the base
// directory passed at open time.
func (s *Store) Dir() string { return s.dir }

func (s *Store) Append(ctx context.Context, e journal.Entry) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrStorageUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO entries(time_ms, status, filter, payload) VALUES(?, ?, ?, ?)`,
		e.TimeMs, e.Status.String(), e.Filter, e.Payload)
	if err != nil {
		if s.closed.Load() {
			return 0, storage.ErrStorageUnavailable
		}
		return 0, fmt.Errorf("append entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned sequence: %w", err)
	}
	return uint64(seq), nil
}

func (s *Store) OpenReader(opts storage.ReaderOptions) (storage.Cursor, error) {
	if s.closed.Load() {
		return nil, storage.ErrStorageUnavailable
	}
	return &cursor{store: s, opts: opts}, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Clear removes the journal-format files (database, WAL, shm) from the
// journal directory under baseDir/name, then removes the directory itself
// if nothing else lives there. Foreign files are never touched.
func Clear(baseDir, name string) error {
	if name == "" {
		name = DefaultJournalName
	}
	dir := filepath.Join(baseDir, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	for _, f := range []string{journalFileName, journalFileName + "-wal", journalFileName + "-shm"} {
		if err := os.Remove(filepath.Join(dir, f)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}
	// Only removable once empty; leftover foreign files keep it in place.
	if err := os.Remove(dir); err != nil && !isDirNotEmpty(err) {
		return fmt.Errorf("remove journal dir: %w", err)
	}
	return nil
}

func isDirNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

type cursor struct {
	store   *Store
	opts    storage.ReaderOptions
	lastSeq uint64
	closed  atomic.Bool
}

func (c *cursor) Next(ctx context.Context) (journal.Entry, error) {
	var deadline <-chan time.Time
	if c.opts.Tail && c.opts.Timeout > 0 {
		t := time.NewTimer(c.opts.Timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if c.closed.Load() || c.store.closed.Load() {
			return journal.Entry{}, storage.ErrStorageUnavailable
		}
		e, ok, err := c.fetch(ctx)
		if err != nil {
			return journal.Entry{}, err
		}
		if ok {
			c.lastSeq = e.Sequence
			return e, nil
		}
		if !c.opts.Tail {
			return journal.Entry{}, storage.ErrEndOfJournal
		}
		select {
		case <-ctx.Done():
			return journal.Entry{}, ctx.Err()
		case <-deadline:
			return journal.Entry{}, storage.ErrTimeout
		case <-time.After(c.store.opts.PollInterval):
		}
	}
}

func (c *cursor) fetch(ctx context.Context) (journal.Entry, bool, error) {
	row := c.store.db.QueryRowContext(ctx, `
SELECT sequence, time_ms, status, filter, payload
FROM entries
WHERE sequence > ?
ORDER BY sequence
LIMIT 1`, int64(c.lastSeq))

	var e journal.Entry
	var seq int64
	var status string
	err := row.Scan(&seq, &e.TimeMs, &status, &e.Filter, &e.Payload)
	if err == sql.ErrNoRows {
		return journal.Entry{}, false, nil
	}
	if err != nil {
		if c.store.closed.Load() {
			return journal.Entry{}, false, storage.ErrStorageUnavailable
		}
		return journal.Entry{}, false, fmt.Errorf("read entry: %w", err)
	}
	e.Sequence = uint64(seq)
	e.Status, err = journal.ParseStatus(status)
	if err != nil {
		return journal.Entry{}, false, &journal.CorruptionError{Sequence: e.Sequence, Filter: e.Filter, Reason: err.Error()}
	}
	return e, true, nil
}

func (c *cursor) Close() error {
	c.closed.Store(true)
	return nil
}
