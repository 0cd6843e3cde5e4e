package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Future is the result handle of a submitted command. It completes exactly once;
// later attempts to complete it are ignored.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	val       interface{}
	err       error
	callbacks []func(interface{}, error)
	timer     *time.Timer
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Failed returns a future that has already completed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Resolve(nil, err)
	return f
}

// Resolve completes the future. It returns false if it had already completed.
func (f *Future) Resolve(val interface{}, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}

	f.completed = true
	f.val, f.err = val, err
	callbacks := f.callbacks
	f.callbacks = nil

	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()

	close(f.done)

	for _, cb := range callbacks {
		cb(val, err)
	}

	return true
}

// Cancel detaches the caller: the future completes with ErrCancelled and a reply
// that arrives later is discarded. A command that was already written is not
// retracted.
func (f *Future) Cancel() bool {
	return f.Resolve(nil, ErrCancelled)
}

// SetTimeout completes the future with ErrTimeout if it is still pending after d.
func (f *Future) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.completed || f.timer != nil {
		return
	}

	f.timer = time.AfterFunc(d, func() {
		f.Resolve(nil, ErrTimeout)
	})
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future) Result() (interface{}, error) {
	if !f.IsDone() {
		return nil, ErrPending
	}

	return f.val, f.err
}

// Wait blocks until the future completes or ctx ends. When ctx ends first the
// future is cancelled and ctx.Err() is returned.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.val, f.err

	case <-ctx.Done():
		if f.Cancel() {
			return nil, ctx.Err()
		}
		// Completed concurrently with the cancellation
		return f.val, f.err
	}
}

// OnComplete registers fn to run once the future completes. If it already has,
// fn runs immediately on the calling goroutine.
func (f *Future) OnComplete(fn func(interface{}, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	fn(f.val, f.err)
}

// Await waits for f and asserts its value to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T

	val, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}

	if val == nil {
		return zero, nil
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("result is %T, not %T: %w", val, zero, ErrUnexpectedReply)
	}

	return typed, nil
}

// IsTimeout reports whether err is a command timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
