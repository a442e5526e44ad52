package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"rxjournal/internal/journal"
	"rxjournal/internal/payload"
	"rxjournal/internal/player"
	"rxjournal/internal/storage"
)

func recordedJournal(t *testing.T, entries []journal.Entry) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for _, e := range entries {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func playbackFor(t *testing.T, store storage.Store, filter string) *player.Playback {
	t.Helper()
	pb, err := player.New(store, nil).Play(player.Options{Filter: filter})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pb.Close() })
	return pb
}

func feed(emissions []Emission) <-chan Emission {
	ch := make(chan Emission)
	go func() {
		defer close(ch)
		for _, e := range emissions {
			ch <- e
		}
	}()
	return ch
}

var recordedF = []journal.Entry{
	{TimeMs: 10, Status: journal.StatusSubscribe, Filter: "f"},
	{TimeMs: 11, Status: journal.StatusNext, Filter: "f", Payload: []byte("1")},
	{TimeMs: 12, Status: journal.StatusNext, Filter: "f", Payload: []byte("2")},
	{TimeMs: 13, Status: journal.StatusComplete, Filter: "f"},
}

func TestValidateExactMatchIsEquivalent(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("1")},
		{Status: journal.StatusNext, Payload: []byte("2")},
		{Status: journal.StatusComplete},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Equivalent {
		t.Fatalf("expected Equivalent, got %v", div)
	}
}

func TestValidateMissingEvent(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("1")},
		{Status: journal.StatusComplete},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != MissingEvent || div.Index != 2 {
		t.Fatalf("expected MissingEvent at index 2, got %v", div)
	}
	if div.Expected == nil || div.Expected.Status != journal.StatusNext || string(div.Expected.Payload) != "2" {
		t.Fatalf("expected side must be NEXT(2), got %v", div.Expected)
	}
}

func TestValidateMismatch(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("1")},
		{Status: journal.StatusNext, Payload: []byte("3")},
		{Status: journal.StatusComplete},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Mismatch || div.Index != 2 {
		t.Fatalf("expected Mismatch at index 2, got %v", div)
	}
	if string(div.Expected.Payload) != "2" || string(div.Actual.Payload) != "3" {
		t.Fatalf("mismatch context wrong: expected %v actual %v", div.Expected, div.Actual)
	}
}

func TestValidateUnexpectedEvent(t *testing.T) {
	store := recordedJournal(t, []journal.Entry{
		{TimeMs: 10, Status: journal.StatusSubscribe, Filter: "f"},
		{TimeMs: 11, Status: journal.StatusNext, Filter: "f", Payload: []byte("1")},
		{TimeMs: 12, Status: journal.StatusComplete, Filter: "f"},
	})
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("1")},
		{Status: journal.StatusNext, Payload: []byte("2")},
		{Status: journal.StatusComplete},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != UnexpectedEvent || div.Index != 2 {
		t.Fatalf("expected UnexpectedEvent at index 2, got %v", div)
	}
}

func TestValidateLivePrefixIsEquivalent(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("1")},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Equivalent {
		t.Fatalf("prefix must be Equivalent, got %v", div)
	}
}

func TestValidateSelfReplayIsEquivalent(t *testing.T) {
	store := recordedJournal(t, recordedF)

	// Replay the recording itself as the live stream.
	livePb := playbackFor(t, store, "f")
	live := make(chan Emission)
	go func() {
		defer close(live)
		for {
			ev, err := livePb.Next(context.Background())
			if errors.Is(err, storage.ErrEndOfJournal) {
				return
			}
			if err != nil {
				return
			}
			live <- Emission{Status: ev.Status, Payload: ev.Payload, TimeMs: ev.TimeMs}
		}
	}()

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Equivalent {
		t.Fatalf("self replay must be Equivalent, got %v", div)
	}
}

func TestValidateOutOfOrderUnderOrderInsensitivePolicy(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("2")},
		{Status: journal.StatusNext, Payload: []byte("1")},
		{Status: journal.StatusComplete},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{IgnoreOrder: true})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != OutOfOrder || div.Index != 1 {
		t.Fatalf("expected OutOfOrder at index 1, got %v", div)
	}
}

func TestValidateReorderWithoutPolicyIsMismatch(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte("2")},
		{Status: journal.StatusNext, Payload: []byte("1")},
		{Status: journal.StatusComplete},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Mismatch || div.Index != 1 {
		t.Fatalf("expected Mismatch at index 1, got %v", div)
	}
}

func TestValidatePluggablePayloadEquality(t *testing.T) {
	store := recordedJournal(t, []journal.Entry{
		{TimeMs: 10, Status: journal.StatusSubscribe, Filter: "f"},
		{TimeMs: 11, Status: journal.StatusNext, Filter: "f", Payload: []byte(`{"id":"a1","value":7}`)},
		{TimeMs: 12, Status: journal.StatusComplete, Filter: "f"},
	})
	// Same value, different internal id and key order.
	live := feed([]Emission{
		{Status: journal.StatusSubscribe},
		{Status: journal.StatusNext, Payload: []byte(`{"value":7,"id":"b9"}`)},
		{Status: journal.StatusComplete},
	})

	ignoreID := func(a, b []byte) bool {
		var av, bv map[string]any
		if (payload.JSON{}).Decode(a, &av) != nil || (payload.JSON{}).Decode(b, &bv) != nil {
			return payload.Exact(a, b)
		}
		delete(av, "id")
		delete(bv, "id")
		ae, _ := (payload.JSON{}).Encode(av)
		be, _ := (payload.JSON{}).Encode(bv)
		return (payload.JSON{}).Equal(ae, be)
	}

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{PayloadEqual: ignoreID})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Equivalent {
		t.Fatalf("id-insensitive comparison must be Equivalent, got %v", div)
	}
}

func TestValidateTimestampComparisonOptIn(t *testing.T) {
	store := recordedJournal(t, []journal.Entry{
		{TimeMs: 10, Status: journal.StatusSubscribe, Filter: "f"},
		{TimeMs: 20, Status: journal.StatusComplete, Filter: "f"},
	})
	live := feed([]Emission{
		{Status: journal.StatusSubscribe, TimeMs: 99},
		{Status: journal.StatusComplete, TimeMs: 100},
	})

	div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{CompareTimestamps: true})
	if err != nil {
		t.Fatal(err)
	}
	if div.Kind != Mismatch || div.Index != 0 {
		t.Fatalf("timestamp opt-in must flag index 0, got %v", div)
	}
}

func TestValidateStalledLiveStreamTimesOut(t *testing.T) {
	store := recordedJournal(t, recordedF)
	live := make(chan Emission) // never fed, never closed

	_, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, storage.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestValidateStartsBeforeEitherSideCompletes(t *testing.T) {
	store := recordedJournal(t, recordedF)

	live := make(chan Emission)
	go func() {
		live <- Emission{Status: journal.StatusSubscribe}
		live <- Emission{Status: journal.StatusNext, Payload: []byte("wrong")}
		// Never close: a streaming compare must still report the mismatch.
	}()

	done := make(chan Divergence, 1)
	go func() {
		div, err := New(nil).Validate(context.Background(), playbackFor(t, store, "f"), live, Policy{})
		if err == nil {
			done <- div
		}
	}()

	select {
	case div := <-done:
		if div.Kind != Mismatch || div.Index != 1 {
			t.Fatalf("expected early Mismatch at index 1, got %v", div)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("validator buffered instead of streaming")
	}
}
