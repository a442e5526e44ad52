package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rxjournal/internal/journal"
	"rxjournal/internal/recorder"
	"rxjournal/internal/storage"
)

var (
	ErrStreamOpen = errors.New("stream already open")
	ErrNoStream   = errors.New("no open stream")
)

// Engine is the journal surface the server exposes over the wire.
type Engine interface {
	Record(ctx context.Context, status journal.Status, filter string, payload []byte) error
	Replay(ctx context.Context, filter string) ([]journal.Entry, error)
	Health(ctx context.Context) (bool, string)
}

// JournalEngine records remote emissions through per-filter sessions.
// A SUBSCRIBE opens the session, terminal statuses close it, and data
// statuses require one to be open.
type JournalEngine struct {
	rec   *recorder.Recorder
	store storage.Store

	mu       sync.Mutex
	sessions map[string]*recorder.Session
}

func NewJournalEngine(store storage.Store, log *zap.Logger) *JournalEngine {
	return &JournalEngine{
		rec:      recorder.New(store, recorder.Options{Logger: log}),
		store:    store,
		sessions: make(map[string]*recorder.Session),
	}
}

func (e *JournalEngine) Record(ctx context.Context, status journal.Status, filter string, payload []byte) error {
	if filter == "" {
		return fmt.Errorf("filter is required")
	}

	e.mu.Lock()
	s, open := e.sessions[filter]
	if open && s.Done() {
		delete(e.sessions, filter)
		open = false
	}
	e.mu.Unlock()

	if status == journal.StatusSubscribe {
		if open {
			return fmt.Errorf("%w: %s", ErrStreamOpen, filter)
		}
		s, err := e.rec.Subscribe(ctx, filter)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.sessions[filter] = s
		e.mu.Unlock()
		return nil
	}

	if !open {
		return fmt.Errorf("%w: %s", ErrNoStream, filter)
	}

	var err error
	switch status {
	case journal.StatusNext:
		err = s.Next(ctx, payload)
	case journal.StatusError:
		err = s.Error(ctx, string(payload))
	case journal.StatusComplete:
		err = s.Complete(ctx)
	case journal.StatusUnsubscribe:
		err = s.Unsubscribe(ctx)
	default:
		return fmt.Errorf("unsupported status %v", status)
	}
	if s.Done() {
		e.mu.Lock()
		delete(e.sessions, filter)
		e.mu.Unlock()
	}
	return err
}

func (e *JournalEngine) Replay(ctx context.Context, filter string) ([]journal.Entry, error) {
	cur, err := e.store.OpenReader(storage.ReaderOptions{})
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []journal.Entry
	for {
		entry, err := cur.Next(ctx)
		if errors.Is(err, storage.ErrEndOfJournal) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if filter != "" && entry.Filter != filter {
			continue
		}
		out = append(out, entry)
	}
}

func (e *JournalEngine) Health(ctx context.Context) (bool, string) {
	cur, err := e.store.OpenReader(storage.ReaderOptions{})
	if err != nil {
		return false, err.Error()
	}
	_ = cur.Close()
	return true, "ok"
}
