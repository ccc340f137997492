// Package future provides one-shot completion values shared by every caller
// waiting on the same load.
package future

import (
	"context"
	"sync"
)

// Future completes exactly once, with or without an error.
type Future struct {
	done chan struct{}
	err  error
	once sync.Once
}

// New returns a pending future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that has already succeeded.
func Resolved() *Future {
	f := New()
	f.Resolve()
	return f
}

// Rejected returns a future that has already failed with err.
func Rejected(err error) *Future {
	f := New()
	f.Reject(err)
	return f
}

// Resolve completes the future successfully. Later calls are ignored.
func (f *Future) Resolve() {
	f.complete(nil)
}

// Reject completes the future with err. Later calls are ignored.
func (f *Future) Reject(err error) {
	f.complete(err)
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed when the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the completion error, or nil while pending or on success.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Completed reports whether the future has completed.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx ends. A cancelled wait
// does not affect the future or other waiters.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// All waits for every future and returns the first failure observed.
// It returns as soon as any future fails.
func All(ctx context.Context, futures ...*Future) error {
	switch len(futures) {
	case 0:
		return nil
	case 1:
		return futures[0].Wait(ctx)
	}

	failed := make(chan error, len(futures))
	for _, f := range futures {
		go func(f *Future) {
			select {
			case <-f.done:
				failed <- f.err
			case <-ctx.Done():
				failed <- ctx.Err()
			}
		}(f)
	}

	for range futures {
		if err := <-failed; err != nil {
			return err
		}
	}
	return nil
}

// Join returns a future that completes once every future has succeeded,
// or fails with the first failure.
func Join(futures ...*Future) *Future {
	if len(futures) == 1 {
		return futures[0]
	}
	joined := New()
	go func() {
		if err := All(context.Background(), futures...); err != nil {
			joined.Reject(err)
			return
		}
		joined.Resolve()
	}()
	return joined
}
