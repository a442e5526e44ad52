// Package player reconstructs recorded emission sequences from the
// journal. A Playback is lazy and one-shot: it walks a fresh cursor in
// strict sequence order and cannot be rewound.
package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rxjournal/internal/journal"
	"rxjournal/internal/storage"
)

// TimeMode selects how recorded timestamps are surfaced during playback.
type TimeMode int

const (
	// TimeRawMillis exposes the recorded epoch milliseconds unchanged.
	TimeRawMillis TimeMode = iota

	// TimeZoned additionally renders the instant in a calendar zone.
	TimeZoned

	// TimeRelative exposes the delay since the previous entry of the
	// same filter, for callers that replay timing literally.
	TimeRelative
)

// Options configures one playback session. Exactly one time mode is
// active; TimeRawMillis is the default.
type Options struct {
	// Filter restricts playback to one logical stream. Empty plays all
	// filters in global order.
	Filter string

	Mode TimeMode

	// Location is used by TimeZoned; nil means UTC.
	Location *time.Location

	// Tail keeps the playback alive past the current journal end,
	// blocking for live appends.
	Tail bool

	// Timeout bounds each blocking read while tailing.
	Timeout time.Duration
}

// Event is one reconstructed emission.
type Event struct {
	Sequence uint64
	Status   journal.Status
	Filter   string
	Payload  []byte

	// TimeMs is always the recorded epoch-millisecond instant.
	TimeMs int64

	// At is populated in TimeZoned mode.
	At time.Time

	// Delay is populated in TimeRelative mode: time since the previous
	// replayed entry of the same filter, zero for the first.
	Delay time.Duration
}

type Player struct {
	store storage.Store
	log   *zap.Logger
}

func New(store storage.Store, log *zap.Logger) *Player {
	if log == nil {
		log = zap.NewNop()
	}
	return &Player{store: store, log: log}
}

// Play opens a playback session. The caller owns the returned Playback
// and must Close it on every exit path.
func (p *Player) Play(opts Options) (*Playback, error) {
	cur, err := p.store.OpenReader(storage.ReaderOptions{Tail: opts.Tail, Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open playback cursor: %w", err)
	}
	return &Playback{
		cur:     cur,
		opts:    opts,
		log:     p.log,
		tracker: journal.NewTracker(),
		lastMs:  make(map[string]int64),
	}, nil
}

// Playback walks the journal once. Entries not matching the requested
// filter are skipped but still advance the cursor, preserving global
// order for multi-filter playback.
type Playback struct {
	cur     storage.Cursor
	opts    Options
	log     *zap.Logger
	tracker *journal.Tracker
	lastMs  map[string]int64
}

// Next returns the following reconstructed emission. It ends with
// storage.ErrEndOfJournal on a finite journal, storage.ErrTimeout when a
// tailing read exceeds its budget, and *journal.CorruptionError when the
// journal violates its own invariants for the requested stream.
func (pb *Playback) Next(ctx context.Context) (Event, error) {
	for {
		e, err := pb.cur.Next(ctx)
		if err != nil {
			return Event{}, err
		}

		if err := pb.tracker.Observe(e); err != nil {
			var ce *journal.CorruptionError
			if errors.As(err, &ce) && pb.opts.Filter != "" && ce.Filter != pb.opts.Filter {
				// Corruption in a stream the caller did not ask for:
				// report via log, keep replaying the requested one.
				pb.log.Warn("skipping corrupt entry", zap.Uint64("sequence", ce.Sequence), zap.String("filter", ce.Filter), zap.String("reason", ce.Reason))
				continue
			}
			return Event{}, err
		}

		if pb.opts.Filter != "" && e.Filter != pb.opts.Filter {
			continue
		}

		ev := Event{Sequence: e.Sequence, Status: e.Status, Filter: e.Filter, Payload: e.Payload, TimeMs: e.TimeMs}
		switch pb.opts.Mode {
		case TimeZoned:
			ev.At = e.Time(pb.opts.Location)
		case TimeRelative:
			if prev, ok := pb.lastMs[e.Filter]; ok {
				ev.Delay = time.Duration(e.TimeMs-prev) * time.Millisecond
			}
			pb.lastMs[e.Filter] = e.TimeMs
		}
		return ev, nil
	}
}

// Close releases the underlying cursor. Safe to call more than once.
func (pb *Playback) Close() error {
	return pb.cur.Close()
}
