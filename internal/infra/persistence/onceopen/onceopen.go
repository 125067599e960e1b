// Package onceopen coordinates the lazy, idempotent open shared by the store backends.
package onceopen

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Opener runs an open routine at most once successfully. Concurrent callers that
// arrive while an open is in flight wait for it and observe its result. A failed
// open is not remembered, so a later call retries.
type Opener struct {
	mu    sync.Mutex
	done  bool
	group singleflight.Group
}

// Do invokes fn unless a previous call already succeeded.
func (o *Opener) Do(ctx context.Context, fn func(context.Context) error) error {
	if o.Done() {
		return nil
	}
	ch := o.group.DoChan("open", func() (any, error) {
		if o.Done() {
			return nil, nil
		}
		// The shared open must outlive any single caller's cancellation.
		if err := fn(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.done = true
		o.mu.Unlock()
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the store has been opened and not closed since.
func (o *Opener) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Reset marks the store closed so that the next Do opens it again.
func (o *Opener) Reset() {
	o.mu.Lock()
	o.done = false
	o.mu.Unlock()
}
