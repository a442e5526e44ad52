// Package validator compares a live stream's emissions against a
// previously recorded journal and reports the first point of divergence.
//
// The comparison is streaming: the recorded side is pumped concurrently
// with the live side, so a divergence surfaces as soon as both sides have
// reached the offending position, not after either completes.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rxjournal/internal/journal"
	"rxjournal/internal/payload"
	"rxjournal/internal/player"
	"rxjournal/internal/storage"
)

// Kind classifies a validation outcome.
type Kind int

const (
	// Equivalent means the live run is a prefix-or-exact match of the
	// recording under the active policy.
	Equivalent Kind = iota

	// MissingEvent means the live stream terminated before the recorded
	// sequence did.
	MissingEvent

	// UnexpectedEvent means the live stream produced more than was
	// recorded.
	UnexpectedEvent

	// Mismatch means the same position holds a different status or
	// payload.
	Mismatch

	// OutOfOrder means both sides hold the same multiset of emissions in
	// a different order; reported only under order-insensitive policy.
	OutOfOrder
)

func (k Kind) String() string {
	switch k {
	case Equivalent:
		return "Equivalent"
	case MissingEvent:
		return "MissingEvent"
	case UnexpectedEvent:
		return "UnexpectedEvent"
	case Mismatch:
		return "Mismatch"
	case OutOfOrder:
		return "OutOfOrder"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Emission is one live-stream lifecycle event fed to the validator, the
// same shape the recorder receives.
type Emission struct {
	Status  journal.Status
	Payload []byte
	TimeMs  int64
}

// Divergence is the validator's result. Finding a mismatch and finding
// none are both ordinary outcomes; a Divergence is returned, never
// raised as an error.
type Divergence struct {
	Kind  Kind
	Index int

	// Expected and Actual pinpoint the offending position; nil when the
	// kind carries only one side (e.g. UnexpectedEvent past the end of
	// the recording has no Expected).
	Expected *Emission
	Actual   *Emission
}

func (d Divergence) String() string {
	switch d.Kind {
	case Equivalent:
		return "Equivalent"
	case OutOfOrder:
		return fmt.Sprintf("OutOfOrder at index %d", d.Index)
	default:
		return fmt.Sprintf("%s at index %d (expected %s, actual %s)", d.Kind, d.Index, emissionString(d.Expected), emissionString(d.Actual))
	}
}

func emissionString(e *Emission) string {
	if e == nil {
		return "<none>"
	}
	if len(e.Payload) == 0 {
		return e.Status.String()
	}
	return fmt.Sprintf("%s(%s)", e.Status, e.Payload)
}

// Policy controls how emissions are compared. Status is always compared
// exactly; everything else is configurable.
type Policy struct {
	// PayloadEqual decides payload equality. Defaults to payload.Exact.
	// Swap in a codec's Equal to ignore non-deterministic fields.
	PayloadEqual func(a, b []byte) bool

	// CompareTimestamps also requires equal recorded instants. Off by
	// default: replay timing is not expected to be wall-clock-identical.
	CompareTimestamps bool

	// IgnoreOrder downgrades a pure reordering of the same multiset of
	// emissions from Mismatch to OutOfOrder.
	IgnoreOrder bool

	// Timeout bounds the wait for each live emission. Zero waits until
	// ctx cancellation. Expiry surfaces as storage.ErrTimeout.
	Timeout time.Duration
}

func (p *Policy) withDefaults() {
	if p.PayloadEqual == nil {
		p.PayloadEqual = payload.Exact
	}
}

// Recorded is the replayed side of a validation, satisfied by
// *player.Playback.
type Recorded interface {
	Next(ctx context.Context) (player.Event, error)
}

type Validator struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{log: log}
}

// Validate consumes recorded and live concurrently and returns the first
// divergence, or Equivalent. The live side ending early (channel closed
// without a terminal) counts as a prefix and is Equivalent; a live
// terminal where the recording continues is MissingEvent. Errors are
// reserved for infrastructure failures: storage, corruption, timeout,
// cancellation.
func (v *Validator) Validate(ctx context.Context, recorded Recorded, live <-chan Emission, pol Policy) (Divergence, error) {
	pol.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	expCh := make(chan Emission)
	g.Go(func() error {
		defer close(expCh)
		for {
			ev, err := recorded.Next(gctx)
			if errors.Is(err, storage.ErrEndOfJournal) {
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			em := Emission{Status: ev.Status, Payload: ev.Payload, TimeMs: ev.TimeMs}
			select {
			case expCh <- em:
			case <-gctx.Done():
				return nil
			}
		}
	})

	div, err := v.compare(gctx, expCh, live, pol)
	cancel()
	if gerr := g.Wait(); gerr != nil {
		return Divergence{}, gerr
	}
	if err != nil {
		return Divergence{}, err
	}
	return div, nil
}

func (v *Validator) compare(ctx context.Context, expCh <-chan Emission, live <-chan Emission, pol Policy) (Divergence, error) {
	for i := 0; ; i++ {
		exp, expOK, err := recv(ctx, expCh, 0)
		if err != nil {
			return Divergence{}, err
		}
		act, actOK, err := recv(ctx, live, pol.Timeout)
		if err != nil {
			return Divergence{}, err
		}

		switch {
		case !expOK && !actOK:
			return Divergence{Kind: Equivalent}, nil
		case !expOK:
			a := act
			return Divergence{Kind: UnexpectedEvent, Index: i, Actual: &a}, nil
		case !actOK:
			// Live side stopped consuming: a prefix of the recording.
			return Divergence{Kind: Equivalent}, nil
		}

		if equal(exp, act, pol) {
			continue
		}

		e, a := exp, act
		switch {
		case act.Status.Terminal() && !exp.Status.Terminal():
			return Divergence{Kind: MissingEvent, Index: i, Expected: &e, Actual: &a}, nil
		case exp.Status.Terminal() && !act.Status.Terminal():
			return Divergence{Kind: UnexpectedEvent, Index: i, Expected: &e, Actual: &a}, nil
		}

		mismatch := Divergence{Kind: Mismatch, Index: i, Expected: &e, Actual: &a}
		if !pol.IgnoreOrder {
			return mismatch, nil
		}
		reordered, err := v.sameMultiset(ctx, exp, act, expCh, live, pol)
		if err != nil {
			return Divergence{}, err
		}
		if reordered {
			return Divergence{Kind: OutOfOrder, Index: i}, nil
		}
		return mismatch, nil
	}
}

// sameMultiset drains both sides and checks whether the remaining
// emissions (including the mismatched pair) are a reordering of each
// other under the policy's equality.
func (v *Validator) sameMultiset(ctx context.Context, exp, act Emission, expCh, live <-chan Emission, pol Policy) (bool, error) {
	expected := []Emission{exp}
	actual := []Emission{act}
	for {
		e, ok, err := recv(ctx, expCh, 0)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		expected = append(expected, e)
	}
	for {
		a, ok, err := recv(ctx, live, pol.Timeout)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		actual = append(actual, a)
	}
	if len(expected) != len(actual) {
		return false, nil
	}
	used := make([]bool, len(actual))
	for _, e := range expected {
		found := false
		for j, a := range actual {
			if !used[j] && equal(e, a, pol) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func recv(ctx context.Context, ch <-chan Emission, timeout time.Duration) (Emission, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case em, ok := <-ch:
		return em, ok, nil
	case <-deadline:
		return Emission{}, false, storage.ErrTimeout
	case <-ctx.Done():
		return Emission{}, false, ctx.Err()
	}
}

func equal(exp, act Emission, pol Policy) bool {
	if exp.Status != act.Status {
		return false
	}
	if !pol.PayloadEqual(exp.Payload, act.Payload) {
		return false
	}
	if pol.CompareTimestamps && exp.TimeMs != act.TimeMs {
		return false
	}
	return true
}
