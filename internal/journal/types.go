package journal

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of one recorded emission.
//
// Per-filter grammar: SUBSCRIBE → NEXT* → (COMPLETE | ERROR), with
// UNSUBSCRIBE reachable from any non-terminal state.
type Status int

const (
	StatusSubscribe Status = iota
	StatusNext
	StatusError
	StatusComplete
	StatusUnsubscribe
)

func (s Status) String() string {
	switch s {
	case StatusSubscribe:
		return "SUBSCRIBE"
	case StatusNext:
		return "NEXT"
	case StatusError:
		return "ERROR"
	case StatusComplete:
		return "COMPLETE"
	case StatusUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// ParseStatus maps the wire/export form back to a Status.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "SUBSCRIBE":
		return StatusSubscribe, nil
	case "NEXT":
		return StatusNext, nil
	case "ERROR":
		return StatusError, nil
	case "COMPLETE":
		return StatusComplete, nil
	case "UNSUBSCRIBE":
		return StatusUnsubscribe, nil
	default:
		return 0, fmt.Errorf("unknown status %q", raw)
	}
}

// Terminal reports whether s ends a filter's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusComplete || s == StatusUnsubscribe
}

// CanFollow reports whether s is a legal successor of prev within one
// filter. hasPrev is false for the first entry of a filter; in that case
// SUBSCRIBE and NEXT are both accepted since a recording may legally open
// with either.
func (s Status) CanFollow(prev Status, hasPrev bool) bool {
	if !hasPrev {
		return s == StatusSubscribe || s == StatusNext
	}
	if prev.Terminal() {
		return false
	}
	switch s {
	case StatusSubscribe:
		return false
	case StatusNext, StatusError, StatusComplete, StatusUnsubscribe:
		return true
	default:
		return false
	}
}

// Entry is the unit of record in the journal.
type Entry struct {
	// Sequence is assigned by the storage backend at append time;
	// strictly increasing across the whole journal, never reused.
	Sequence uint64

	// TimeMs is the epoch-millisecond instant the emission occurred.
	// Non-decreasing within one filter for a single recording session;
	// no ordering promise across filters or across process restarts.
	TimeMs int64

	Status Status

	// Filter names the logical stream this entry belongs to.
	Filter string

	// Payload holds the emitted value for NEXT, the error description for
	// ERROR, and is empty otherwise.
	Payload []byte
}

// Time returns the entry's instant in the given location, or UTC if loc
// is nil.
func (e Entry) Time(loc *time.Location) time.Time {
	t := time.UnixMilli(e.TimeMs)
	if loc == nil {
		return t.UTC()
	}
	return t.In(loc)
}
