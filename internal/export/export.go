// Package export projects a journal into a line-oriented, human-readable
// form. One line per entry, tab-separated:
//
//	STATUS	sequence	time	filter	payload
//
// The time column is epoch milliseconds unless a location is set, in
// which case it is a local wall-clock timestamp in that zone.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"rxjournal/internal/journal"
	"rxjournal/internal/storage"
)

// timeLayout matches a zone-local timestamp without offset suffix.
const timeLayout = "2006-01-02T15:04:05.000"

// Options shape a single export run.
type Options struct {
	// Filter limits the export to one logical stream. Empty exports
	// every filter in global order.
	Filter string

	// Location renders the time column as zone-local wall-clock time.
	// Nil keeps raw epoch milliseconds.
	Location *time.Location

	// Echo additionally writes each line to this writer, typically
	// stdout. Nil disables echoing.
	Echo io.Writer
}

// Writer streams journal entries as text lines.
type Writer struct {
	store storage.Store
	log   *zap.Logger
}

func New(store storage.Store, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{store: store, log: log}
}

// WriteTo exports the whole journal to out and returns the number of
// lines written. It never tails: the export ends at the last entry
// durable when the cursor was opened or the journal runs dry.
func (w *Writer) WriteTo(ctx context.Context, out io.Writer, opts Options) (int, error) {
	cur, err := w.store.OpenReader(storage.ReaderOptions{})
	if err != nil {
		return 0, fmt.Errorf("export: open reader: %w", err)
	}
	defer cur.Close()

	bw := bufio.NewWriter(out)
	lines := 0
	for {
		e, err := cur.Next(ctx)
		if errors.Is(err, storage.ErrEndOfJournal) {
			break
		}
		if err != nil {
			return lines, fmt.Errorf("export: read entry: %w", err)
		}
		if opts.Filter != "" && e.Filter != opts.Filter {
			continue
		}
		line := formatLine(e, opts.Location)
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return lines, fmt.Errorf("export: write line: %w", err)
		}
		if opts.Echo != nil {
			fmt.Fprintln(opts.Echo, line)
		}
		lines++
	}
	if err := bw.Flush(); err != nil {
		return lines, fmt.Errorf("export: flush: %w", err)
	}
	w.log.Info("export complete", zap.Int("lines", lines), zap.String("filter", opts.Filter))
	return lines, nil
}

func formatLine(e journal.Entry, loc *time.Location) string {
	t := strconv.FormatInt(e.TimeMs, 10)
	if loc != nil {
		t = time.UnixMilli(e.TimeMs).In(loc).Format(timeLayout)
	}
	return e.Status.String() + "\t" +
		strconv.FormatUint(e.Sequence, 10) + "\t" +
		t + "\t" +
		e.Filter + "\t" +
		string(e.Payload)
}
