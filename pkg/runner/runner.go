// Package runner drives repeated transform.Transformer runs to
// completion, retrying a whole run on a transient store error rather
// than one write at a time: a Transformer is single-use, and resuming
// one mid-pass concurrently with anything else is ruled out (§5),
// so a retry means rebuilding and rerunning the whole
// Initialize/Process/Finalize sequence from scratch.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itwin/imodel-sync/pkg/changeset"
	"github.com/itwin/imodel-sync/pkg/crud"
	"github.com/itwin/imodel-sync/pkg/store"
	"github.com/itwin/imodel-sync/pkg/transform"
)

// Stats tallies the create/update/delete events a run applied. A Runner
// drives one Transformer at a time, so plain fields are enough; no
// atomic counters needed.
type Stats struct {
	Creates int
	Updates int
	Deletes int
}

func (s *Stats) record(ev crud.Event) {
	switch ev.Op {
	case crud.Create:
		s.Creates++
	case crud.Update:
		s.Updates++
	case crud.Delete:
		s.Deletes++
	}
}

// Factory builds a fresh Transformer for one attempt, wiring onEvent as
// its Options.OnEvent so the Runner can tally Stats. A Transformer is
// disposed after one Initialize/Process/Finalize cycle, so a retried
// attempt needs its own instance rather than reusing a half-advanced one.
type Factory func(onEvent func(crud.Event)) (*transform.Transformer, error)

// DefaultBackOff is three retries of a randomized exponential backoff
// starting at one second, tripling each attempt.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 3
	return backoff.WithMaxRetries(b, 3)
}

// Runner repeats one Transformer lifecycle, retrying the whole pass
// when it fails with store.ErrRetryable and giving up immediately on
// any other error.
type Runner struct {
	factory Factory
	backOff backoff.BackOff
}

// New returns a Runner using DefaultBackOff. Callers needing a different
// retry shape use WithBackOff.
func New(factory Factory) *Runner {
	return &Runner{factory: factory, backOff: DefaultBackOff()}
}

// WithBackOff returns a copy of r using b instead of DefaultBackOff.
func (r *Runner) WithBackOff(b backoff.BackOff) *Runner {
	return &Runner{factory: r.factory, backOff: b}
}

// Run executes Initialize, Process and Finalize on a freshly built
// Transformer, retrying the entire sequence from scratch on a
// store.ErrRetryable failure and returning immediately on anything else.
func (r *Runner) Run(ctx context.Context, newVersion changeset.Version, processedIndices []int64) (Stats, error) {
	var stats Stats
	err := backoff.Retry(func() error {
		stats = Stats{}
		tr, err := r.factory(stats.record)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer tr.Dispose()

		if err := tr.Initialize(ctx); err != nil {
			return classify(err)
		}
		if err := tr.Process(ctx); err != nil {
			return classify(err)
		}
		if err := tr.Finalize(ctx, newVersion, processedIndices); err != nil {
			return classify(err)
		}
		return nil
	}, backoff.WithContext(r.backOff, ctx))
	return stats, err
}

// classify decides whether a Transformer failure is worth retrying: only
// a failure the DataStore itself flagged as transient (store.ErrRetryable)
// is.
func classify(err error) error {
	if errors.Is(err, store.ErrRetryable) {
		return err
	}
	return backoff.Permanent(err)
}
