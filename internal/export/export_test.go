package export

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"rxjournal/internal/journal"
	"rxjournal/internal/storage"
)

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	entries := []journal.Entry{
		{TimeMs: 1700000000000, Status: journal.StatusSubscribe, Filter: "prices"},
		{TimeMs: 1700000000100, Status: journal.StatusNext, Filter: "prices", Payload: []byte("101.5")},
		{TimeMs: 1700000000150, Status: journal.StatusNext, Filter: "trades", Payload: []byte(`{"qty":3}`)},
		{TimeMs: 1700000000200, Status: journal.StatusComplete, Filter: "prices"},
	}
	for _, e := range entries {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestWriteToProducesTabSeparatedLines(t *testing.T) {
	var out bytes.Buffer
	n, err := New(seededStore(t), nil).WriteTo(context.Background(), &out, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("expected 4 lines, got %d", n)
	}

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), out.String())
	}
	first := strings.Split(lines[0], "\t")
	if len(first) != 5 {
		t.Fatalf("expected 5 tab-separated columns, got %d: %q", len(first), lines[0])
	}
	if first[0] != "SUBSCRIBE" || first[1] != "1" || first[2] != "1700000000000" || first[3] != "prices" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "\t101.5") {
		t.Fatalf("payload column missing: %q", lines[1])
	}
}

func TestWriteToPreservesGlobalOrder(t *testing.T) {
	var out bytes.Buffer
	if _, err := New(seededStore(t), nil).WriteTo(context.Background(), &out, Options{}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	for i, line := range lines {
		seq := strings.Split(line, "\t")[1]
		if want := string(rune('1' + i)); seq != want {
			t.Fatalf("line %d: expected sequence %s, got %s", i, want, seq)
		}
	}
}

func TestWriteToFilterSelection(t *testing.T) {
	var out bytes.Buffer
	n, err := New(seededStore(t), nil).WriteTo(context.Background(), &out, Options{Filter: "trades"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 line, got %d", n)
	}
	if !strings.Contains(out.String(), "trades\t{\"qty\":3}") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestWriteToZonedTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	var out bytes.Buffer
	if _, err := New(seededStore(t), nil).WriteTo(context.Background(), &out, Options{Location: loc}); err != nil {
		t.Fatal(err)
	}
	want := time.UnixMilli(1700000000000).In(loc).Format(timeLayout)
	if !strings.Contains(out.String(), "\t"+want+"\t") {
		t.Fatalf("expected zoned time %q in output: %q", want, out.String())
	}
}

func TestWriteToEchoesToSecondWriter(t *testing.T) {
	var out, echo bytes.Buffer
	if _, err := New(seededStore(t), nil).WriteTo(context.Background(), &out, Options{Echo: &echo}); err != nil {
		t.Fatal(err)
	}
	if out.String() != echo.String() {
		t.Fatalf("echo diverged from output:\n%q\n%q", out.String(), echo.String())
	}
}
