package journal

import (
	"errors"
	"testing"
)

func entry(seq uint64, timeMs int64, status Status, filter string) Entry {
	return Entry{Sequence: seq, TimeMs: timeMs, Status: status, Filter: filter}
}

func TestTrackerAcceptsInterleavedFilters(t *testing.T) {
	tr := NewTracker()
	entries := []Entry{
		entry(1, 10, StatusSubscribe, "a"),
		entry(2, 10, StatusSubscribe, "b"),
		entry(3, 11, StatusNext, "a"),
		entry(4, 11, StatusNext, "b"),
		entry(5, 12, StatusComplete, "a"),
		entry(6, 13, StatusError, "b"),
	}
	for _, e := range entries {
		if err := tr.Observe(e); err != nil {
			t.Fatalf("observe %+v: %v", e, err)
		}
	}
	if !tr.Terminated("a") || !tr.Terminated("b") {
		t.Fatalf("both filters should be terminated")
	}
}

func TestTrackerFlagsSequenceRegression(t *testing.T) {
	tr := NewTracker()
	if err := tr.Observe(entry(5, 10, StatusSubscribe, "a")); err != nil {
		t.Fatal(err)
	}
	err := tr.Observe(entry(5, 11, StatusNext, "a"))
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected corruption error, got %v", err)
	}
	if ce.Sequence != 5 || ce.Filter != "a" {
		t.Fatalf("wrong corruption context: %+v", ce)
	}
}

func TestTrackerFlagsSecondTerminal(t *testing.T) {
	tr := NewTracker()
	for _, e := range []Entry{
		entry(1, 10, StatusSubscribe, "a"),
		entry(2, 11, StatusComplete, "a"),
	} {
		if err := tr.Observe(e); err != nil {
			t.Fatal(err)
		}
	}
	err := tr.Observe(entry(3, 12, StatusError, "a"))
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected corruption on second terminal, got %v", err)
	}
}

func TestTrackerFlagsPostTerminalNext(t *testing.T) {
	tr := NewTracker()
	for _, e := range []Entry{
		entry(1, 10, StatusSubscribe, "a"),
		entry(2, 11, StatusNext, "a"),
		entry(3, 12, StatusComplete, "a"),
	} {
		if err := tr.Observe(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Observe(entry(4, 13, StatusNext, "a")); err == nil {
		t.Fatalf("NEXT after COMPLETE must be reported")
	}
}

func TestTrackerFlagsTimestampRegressionWithinFilter(t *testing.T) {
	tr := NewTracker()
	if err := tr.Observe(entry(1, 100, StatusSubscribe, "a")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Observe(entry(2, 99, StatusNext, "a")); err == nil {
		t.Fatalf("expected timestamp regression to be flagged")
	}
}

func TestTrackerAllowsTimestampSkewAcrossFilters(t *testing.T) {
	tr := NewTracker()
	if err := tr.Observe(entry(1, 100, StatusSubscribe, "a")); err != nil {
		t.Fatal(err)
	}
	// Cross-filter timestamps carry no ordering promise.
	if err := tr.Observe(entry(2, 50, StatusSubscribe, "b")); err != nil {
		t.Fatalf("cross-filter skew must be accepted: %v", err)
	}
}
