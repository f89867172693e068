// Package abort provides the cancellation signal threaded through every
// blocking bootstrap operation. A Flag is borrowed by the communicator for
// the lifetime of a BootstrapState; setting it must promptly unblock any
// pending Accept/Connect/Send/Recv.
package abort

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a blocking socket call can overrun the
// moment the flag is set. The reference implementation polls the flag from
// inside the socket layer on the same cadence.
const pollInterval = 50 * time.Millisecond

// Flag is a shareable, process-visible cancellation signal.
type Flag struct {
	set atomic.Bool
}

// New returns a Flag that is not yet set.
func New() *Flag {
	return &Flag{}
}

// Set marks the flag, idempotently. Safe to call concurrently with any
// other operation, including from a signal-style teardown path.
func (f *Flag) Set() {
	if f == nil {
		return
	}
	f.set.Store(true)
}

// IsSet reports whether the flag has been set.
func (f *Flag) IsSet() bool {
	return f != nil && f.set.Load()
}

// Context derives a context.Context from parent that is canceled as soon
// as the flag is observed to be set. The returned cancel func must be
// called once the caller is done to stop the background poller.
func (f *Flag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if f == nil {
		return ctx, cancel
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if f.IsSet() {
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
		cancel()
	}
	return ctx, stop
}
