// Package bulk drives index actions against the search engine's bulk API
// using create-only writes, with retry/backoff for transient failures and
// success/duplicate/failure accounting.
package bulk

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/perfscale/pbench-indexer/pkg/document"
)

// Result is the per-action outcome of one bulk submission. A zero Status
// means the whole request failed before per-action results were available.
type Result struct {
	Status    int
	ErrorType string
	Reason    string
}

// OK reports whether the action was acknowledged.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Sink submits one batch of create actions and reports one Result per
// action, in order. An error return means the batch as a whole did not reach
// the engine and every action in it may be retried.
type Sink interface {
	Create(ctx context.Context, actions []*document.Action) ([]Result, error)
}

// Outcome accumulates the tallies of one indexing invocation.
type Outcome struct {
	Begin time.Time
	End   time.Time

	Successes  int64
	Duplicates int64
	Failures   int64

	// Retries counts retry rounds, not individual resubmitted actions.
	Retries int64
}

// Options tunes an Indexer. Zero values select the defaults.
type Options struct {
	// BatchSize is the number of actions buffered before a bulk call is
	// issued.
	BatchSize int

	// InitialBackoff and MaxBackoff bound the exponential retry delay.
	// There is no retry ceiling: the engine being briefly overloaded must
	// not fail an archive, so the queue drains however long it takes.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Limiter throttles bulk submissions when set.
	Limiter *rate.Limiter
}

const (
	defaultBatchSize      = 512
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 2 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}

	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}

	return o
}

// attempt is one action in flight with its resubmission count.
type attempt struct {
	action  *document.Action
	retries int
}

// Indexer buffers actions into batches and drives them through the sink.
// All writes use the create operation, never index, so resubmitting the same
// identity surfaces as a conflict instead of silently overwriting.
type Indexer struct {
	log    logrus.FieldLogger
	sink   Sink
	errors ErrorSink
	opts   Options

	queue   []*attempt
	outcome Outcome
}

// New creates an indexer writing through sink. Permanently failed actions
// are recorded to errors with their full context.
func New(log logrus.FieldLogger, sink Sink, errors ErrorSink, opts Options) *Indexer {
	return &Indexer{
		log:     log.WithField("component", "bulk"),
		sink:    sink,
		errors:  errors,
		opts:    opts.withDefaults(),
		outcome: Outcome{Begin: time.Now().UTC()},
	}
}

// Add buffers one action, flushing when the batch is full.
func (ix *Indexer) Add(ctx context.Context, action *document.Action) error {
	ix.queue = append(ix.queue, &attempt{action: action})

	if len(ix.queue) >= ix.opts.BatchSize {
		return ix.Flush(ctx)
	}

	return nil
}

// Flush submits everything buffered and blocks until the retry queue fully
// drains. It returns early only on context cancellation or an error sink
// write failure.
func (ix *Indexer) Flush(ctx context.Context) error {
	pending := ix.queue
	ix.queue = nil

	if len(pending) == 0 {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ix.opts.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = ix.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for round := 0; len(pending) > 0; round++ {
		if round > 0 {
			ix.outcome.Retries++

			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return err
			}
		}

		if ix.opts.Limiter != nil {
			if err := ix.opts.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		actions := make([]*document.Action, len(pending))
		for i, at := range pending {
			actions[i] = at.action
		}

		results, err := ix.sink.Create(ctx, actions)
		if err != nil {
			// The batch never reached the engine; retry it whole.
			ix.log.WithError(err).Warn("Bulk request failed, retrying batch")

			for _, at := range pending {
				at.retries++
			}

			continue
		}

		var requeue []*attempt
		for i, at := range pending {
			var result Result
			if i < len(results) {
				result = results[i]
			}

			retry, err := ix.settle(at, result)
			if err != nil {
				return err
			}

			if retry {
				at.retries++
				requeue = append(requeue, at)
			}
		}

		pending = requeue
	}

	ix.outcome.End = time.Now().UTC()

	return nil
}

// settle accounts one action's result, reporting whether it must be retried.
func (ix *Indexer) settle(at *attempt, result Result) (bool, error) {
	switch {
	case result.OK():
		ix.outcome.Successes++
	case result.Status == 409:
		// A conflict on first submission is a true duplicate. On a
		// resubmission it means the earlier attempt actually succeeded
		// server-side even though the client never saw the response.
		if at.retries == 0 {
			ix.outcome.Duplicates++
		} else {
			ix.outcome.Successes++
		}
	case isPermanent(result):
		ix.outcome.Failures++

		if ix.errors != nil {
			if err := ix.errors.Record(at.action, result, at.retries); err != nil {
				return false, err
			}
		}
	default:
		ix.log.WithFields(logrus.Fields{
			"index":  at.action.Index,
			"id":     at.action.ID,
			"status": result.Status,
			"error":  result.ErrorType,
		}).Warn("Retrying action")

		return true, nil
	}

	return false, nil
}

// isPermanent reports whether a failed result must not be retried: any
// 4xx-class response other than conflict. This covers the index-closed
// condition, which the engine reports as 403.
func isPermanent(result Result) bool {
	return result.Status >= 400 && result.Status < 500 && result.Status != 409
}

// Outcome returns a snapshot of the accumulated tallies.
func (ix *Indexer) Outcome() Outcome {
	out := ix.outcome
	if out.End.IsZero() {
		out.End = time.Now().UTC()
	}

	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
