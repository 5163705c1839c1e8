// Package fanout implements the bounded, cooperative-cancellation-aware
// concurrent job runner described in spec §4.3: it runs an iterable of
// jobs under a caller-provided concurrency ceiling, forwards the first
// error, cancels sibling jobs on error, and surfaces stop-token aborts
// distinctly from ordinary errors.
package fanout

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/pool"

	"github.com/pica/comics-server/internal/stoptoken"
)

// Job is one unit of work handed to ForEachConcurrent.
type Job[T any] func(ctx context.Context, item T) error

// ForEachConcurrent runs fn over items with at most concurrency
// in-flight invocations (clamped to [1,16]). Every job start, and the
// point where a job would begin, first polls stop; a positive
// observation short-circuits remaining submissions. On the first job
// error the pool's context is canceled (aborting in-flight siblings
// cooperatively), onError is invoked once, and the first error is
// returned. Iteration order determines start order; completion order
// is unspecified.
func ForEachConcurrent[T any](ctx context.Context, items []T, concurrency int, fn Job[T], stop *stoptoken.Token, onError func(error)) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 16 {
		concurrency = 16
	}

	p := pool.New().
		WithMaxGoroutines(concurrency).
		WithErrors().
		WithFirstError().
		WithContext(ctx).
		WithCancelOnError()

	var stoppedBeforeSubmit error
	for _, item := range items {
		if err := stop.Stopped(); err != nil {
			stoppedBeforeSubmit = err
			break
		}
		item := item
		p.Go(func(jobCtx context.Context) error {
			if err := stop.Stopped(); err != nil {
				return err
			}
			select {
			case <-jobCtx.Done():
				return jobCtx.Err()
			default:
			}
			return fn(jobCtx, item)
		})
	}

	err := p.Wait()
	if err == nil {
		err = stoppedBeforeSubmit
	}
	if err == nil {
		return nil
	}

	var stopped stoptoken.Stopped
	if errors.As(err, &stopped) {
		return stopped
	}
	if errors.Is(err, context.Canceled) {
		// The pool's own context was canceled by WithCancelOnError as a
		// side effect of a sibling's real error; the first real error
		// already surfaced through p.Wait(), so this branch is only hit
		// when nothing else explains the cancellation.
		if stoppedBeforeSubmit != nil {
			return stoppedBeforeSubmit
		}
	}
	if onError != nil {
		onError(err)
	}
	return err
}
