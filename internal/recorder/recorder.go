// Package recorder turns a live reactive source into journal entries.
//
// One Recorder serves any number of filters; each Subscribe opens a
// Session that is driven from a single goroutine (the source's emission
// path). Sequence numbers come from the store, so sessions recording
// concurrently still land in one global order.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rxjournal/internal/journal"
	"rxjournal/internal/storage"
)

// ErrSessionDone is returned when emitting on a session that already saw
// its terminal event or stopped after an append failure.
var ErrSessionDone = errors.New("recording session already ended")

// RecordingFailedError reports a failed append during recording. The
// affected session stops permanently; events are never silently dropped
// and the append is never retried here.
type RecordingFailedError struct {
	Filter string
	Cause  error
}

func (e *RecordingFailedError) Error() string {
	return fmt.Sprintf("recording failed for filter %q: %v", e.Filter, e.Cause)
}

func (e *RecordingFailedError) Unwrap() error { return e.Cause }

// Sink receives the emissions of one logical stream.
type Sink interface {
	Next(ctx context.Context, payload []byte) error
	Error(ctx context.Context, description string) error
	Complete(ctx context.Context) error
}

// Source is the polymorphic producer boundary: anything that can push its
// lifecycle through a Sink. Adapters bridge concrete frameworks (message
// brokers, in-process streams) to this interface.
type Source interface {
	Emit(ctx context.Context, sink Sink) error
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context, sink Sink) error

func (f SourceFunc) Emit(ctx context.Context, sink Sink) error { return f(ctx, sink) }

// Options tunes a Recorder. Zero value works.
type Options struct {
	Logger *zap.Logger

	// Clock overrides wall-clock time, for tests.
	Clock func() time.Time
}

type Recorder struct {
	store storage.Store
	log   *zap.Logger
	now   func() time.Time
}

func New(store storage.Store, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Recorder{store: store, log: opts.Logger, now: opts.Clock}
}

// Subscribe opens a recording session for filter and journals the
// SUBSCRIBE event. Each session is a fresh monotonic timestamp domain:
// timestamps never decrease within it even if the wall clock does.
func (r *Recorder) Subscribe(ctx context.Context, filter string) (*Session, error) {
	s := &Session{rec: r, filter: filter}
	if err := s.append(ctx, journal.StatusSubscribe, nil); err != nil {
		return nil, err
	}
	r.log.Debug("recording subscribed", zap.String("filter", filter))
	return s, nil
}

// Record drives src through a session end-to-end: SUBSCRIBE first, then
// whatever src emits. A src error that reaches the journal intact is
// recorded as the stream's ERROR emission; a src that returns without a
// terminal event is closed with UNSUBSCRIBE (early cancellation).
func (r *Recorder) Record(ctx context.Context, filter string, src Source) error {
	sess, err := r.Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	emitErr := src.Emit(ctx, sess)
	if rfe := sess.failure(); rfe != nil {
		return rfe
	}
	if emitErr != nil {
		if !sess.Done() {
			if err := sess.Error(ctx, emitErr.Error()); err != nil {
				return err
			}
		}
		return emitErr
	}
	if !sess.Done() {
		return sess.Unsubscribe(ctx)
	}
	return nil
}

// Session records the lifecycle of one filter. Drive it from one
// goroutine; after a terminal event or an append failure every further
// emission is rejected.
type Session struct {
	rec    *Recorder
	filter string

	mu     sync.Mutex
	done   bool
	failed *RecordingFailedError
	lastMs int64
}

func (s *Session) Filter() string { return s.filter }

func (s *Session) Next(ctx context.Context, payload []byte) error {
	return s.append(ctx, journal.StatusNext, payload)
}

func (s *Session) Error(ctx context.Context, description string) error {
	return s.append(ctx, journal.StatusError, []byte(description))
}

func (s *Session) Complete(ctx context.Context) error {
	return s.append(ctx, journal.StatusComplete, nil)
}

// Unsubscribe journals early cancellation of a still-open stream.
func (s *Session) Unsubscribe(ctx context.Context) error {
	return s.append(ctx, journal.StatusUnsubscribe, nil)
}

// Done reports whether the session has ended, normally or not.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) failure() *RecordingFailedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Session) append(ctx context.Context, status journal.Status, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	if s.done {
		return ErrSessionDone
	}

	ms := s.rec.now().UnixMilli()
	if ms < s.lastMs {
		ms = s.lastMs
	}
	e := journal.Entry{TimeMs: ms, Status: status, Filter: s.filter, Payload: payload}
	if _, err := s.rec.store.Append(ctx, e); err != nil {
		s.failed = &RecordingFailedError{Filter: s.filter, Cause: err}
		s.done = true
		s.rec.log.Error("recording stopped", zap.String("filter", s.filter), zap.Error(err))
		return s.failed
	}
	s.lastMs = ms
	if status.Terminal() {
		s.done = true
		s.rec.log.Debug("recording ended", zap.String("filter", s.filter), zap.Stringer("status", status))
	}
	return nil
}
