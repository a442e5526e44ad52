package storage

import (
	"context"
	"sync"
	"time"

	"rxjournal/internal/journal"
)

// MemoryStore is an in-memory Store used by unit tests and by embedders
// that do not need durability. It honors the full port contract: atomic
// sequence assignment, independent cursors, tailing with timeout.
type MemoryStore struct {
	mu      sync.Mutex
	entries []journal.Entry
	nextSeq uint64
	notify  chan struct{}
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextSeq: 1, notify: make(chan struct{})}
}

func (m *MemoryStore) Append(ctx context.Context, e journal.Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStorageUnavailable
	}
	e.Sequence = m.nextSeq
	m.nextSeq++
	m.entries = append(m.entries, e)
	close(m.notify)
	m.notify = make(chan struct{})
	return e.Sequence, nil
}

func (m *MemoryStore) OpenReader(opts ReaderOptions) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageUnavailable
	}
	return &memoryCursor{store: m, opts: opts}, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
		m.notify = make(chan struct{})
	}
	return nil
}

// Len reports how many entries have been appended.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type memoryCursor struct {
	store  *MemoryStore
	opts   ReaderOptions
	pos    int
	closed bool
}

func (c *memoryCursor) Next(ctx context.Context) (journal.Entry, error) {
	var deadline <-chan time.Time
	if c.opts.Tail && c.opts.Timeout > 0 {
		t := time.NewTimer(c.opts.Timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if c.closed {
			return journal.Entry{}, ErrStorageUnavailable
		}
		c.store.mu.Lock()
		if c.pos < len(c.store.entries) {
			e := c.store.entries[c.pos]
			c.pos++
			c.store.mu.Unlock()
			return e, nil
		}
		storeClosed := c.store.closed
		wait := c.store.notify
		c.store.mu.Unlock()

		if storeClosed {
			return journal.Entry{}, ErrEndOfJournal
		}
		if !c.opts.Tail {
			return journal.Entry{}, ErrEndOfJournal
		}
		select {
		case <-ctx.Done():
			return journal.Entry{}, ctx.Err()
		case <-deadline:
			return journal.Entry{}, ErrTimeout
		case <-wait:
		}
	}
}

func (c *memoryCursor) Close() error {
	c.closed = true
	return nil
}
