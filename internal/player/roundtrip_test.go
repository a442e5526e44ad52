package player_test

import (
	"context"
	"errors"
	"testing"

	"rxjournal/internal/journal"
	"rxjournal/internal/player"
	"rxjournal/internal/recorder"
	"rxjournal/internal/storage"
	"rxjournal/internal/storage/sqlite"
)

// Records two interleaved streams through the full stack and replays
// them from disk, checking that statuses and payloads survive intact.
func TestRecordThenReplayRoundTrip(t *testing.T) {
	store, err := sqlite.Open(sqlite.Options{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	rec := recorder.New(store, recorder.Options{})

	prices, err := rec.Subscribe(ctx, "prices")
	if err != nil {
		t.Fatal(err)
	}
	trades, err := rec.Subscribe(ctx, "trades")
	if err != nil {
		t.Fatal(err)
	}
	if err := prices.Next(ctx, []byte("101.5")); err != nil {
		t.Fatal(err)
	}
	if err := trades.Next(ctx, []byte(`{"qty":3}`)); err != nil {
		t.Fatal(err)
	}
	if err := prices.Next(ctx, []byte("102.0")); err != nil {
		t.Fatal(err)
	}
	if err := prices.Complete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := trades.Error(ctx, "feed dropped"); err != nil {
		t.Fatal(err)
	}

	pb, err := player.New(store, nil).Play(player.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer pb.Close()

	want := []struct {
		status  journal.Status
		filter  string
		payload string
	}{
		{journal.StatusSubscribe, "prices", ""},
		{journal.StatusSubscribe, "trades", ""},
		{journal.StatusNext, "prices", "101.5"},
		{journal.StatusNext, "trades", `{"qty":3}`},
		{journal.StatusNext, "prices", "102.0"},
		{journal.StatusComplete, "prices", ""},
		{journal.StatusError, "trades", "feed dropped"},
	}
	for i, w := range want {
		ev, err := pb.Next(ctx)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if ev.Status != w.status || ev.Filter != w.filter || string(ev.Payload) != w.payload {
			t.Fatalf("event %d: expected %v %s %q, got %v %s %q",
				i, w.status, w.filter, w.payload, ev.Status, ev.Filter, ev.Payload)
		}
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d: expected sequence %d, got %d", i, i+1, ev.Sequence)
		}
	}
	if _, err := pb.Next(ctx); !errors.Is(err, storage.ErrEndOfJournal) {
		t.Fatalf("expected end of journal, got %v", err)
	}
}
