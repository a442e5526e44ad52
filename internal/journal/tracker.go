package journal

import "fmt"

// CorruptionError reports a violated journal invariant: a sequence
// regression, an illegal status transition, or a second terminal entry for
// a filter that already closed. Reading of the affected filter should stop
// rather than guess a recovery.
type CorruptionError struct {
	Sequence uint64
	Filter   string
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal corruption at sequence %d filter %q: %s", e.Sequence, e.Filter, e.Reason)
}

type filterState struct {
	last       Status
	hasLast    bool
	terminated bool
	lastTimeMs int64
}

// Tracker validates entries consumed in journal order against the global
// sequence invariant and each filter's state machine. One Tracker serves
// one read pass; it is not safe for concurrent use.
type Tracker struct {
	lastSeq uint64
	hasSeq  bool
	filters map[string]*filterState
}

func NewTracker() *Tracker {
	return &Tracker{filters: make(map[string]*filterState)}
}

// Observe checks e against everything observed so far. A non-nil return is
// always a *CorruptionError; the tracker does not advance past a corrupt
// entry for the affected filter.
func (t *Tracker) Observe(e Entry) error {
	if t.hasSeq && e.Sequence <= t.lastSeq {
		return &CorruptionError{Sequence: e.Sequence, Filter: e.Filter, Reason: fmt.Sprintf("sequence not increasing (previous %d)", t.lastSeq)}
	}
	t.lastSeq = e.Sequence
	t.hasSeq = true

	fs, ok := t.filters[e.Filter]
	if !ok {
		fs = &filterState{}
		t.filters[e.Filter] = fs
	}
	if fs.terminated {
		return &CorruptionError{Sequence: e.Sequence, Filter: e.Filter, Reason: fmt.Sprintf("%s after terminal %s", e.Status, fs.last)}
	}
	if !e.Status.CanFollow(fs.last, fs.hasLast) {
		prev := "start"
		if fs.hasLast {
			prev = fs.last.String()
		}
		return &CorruptionError{Sequence: e.Sequence, Filter: e.Filter, Reason: fmt.Sprintf("%s cannot follow %s", e.Status, prev)}
	}
	if fs.hasLast && e.TimeMs < fs.lastTimeMs {
		return &CorruptionError{Sequence: e.Sequence, Filter: e.Filter, Reason: fmt.Sprintf("timestamp regression %d -> %d", fs.lastTimeMs, e.TimeMs)}
	}

	fs.last = e.Status
	fs.hasLast = true
	fs.lastTimeMs = e.TimeMs
	if e.Status.Terminal() {
		fs.terminated = true
	}
	return nil
}

// Terminated reports whether filter has already seen its terminal entry.
func (t *Tracker) Terminated(filter string) bool {
	fs, ok := t.filters[filter]
	return ok && fs.terminated
}
