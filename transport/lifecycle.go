package transport

import (
	"context"
	"fmt"
	"sync"
)

// Lifecycle tracks the goroutines of a connection and shuts them down.
// Close first signals Done and waits for tracked goroutines; when its
// context expires it cancels Context to force handlers to return.
type Lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewLifecycle creates a running lifecycle.
func NewLifecycle() *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Context is passed to handlers. It is canceled when Close gives up waiting.
func (l *Lifecycle) Context() context.Context {
	return l.ctx
}

// Done is closed as soon as Close is called.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Closed reports whether Close was called.
func (l *Lifecycle) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Go runs fn in a tracked goroutine.
func (l *Lifecycle) Go(fn func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Close signals Done and waits for tracked goroutines until ctx is done.
// Returns ErrClosed on repeated calls.
func (l *Lifecycle) Close(ctx context.Context) error {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
	})
	if !first {
		return ErrClosed
	}

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("transport: forced close: %w", ctx.Err())
	}
}
