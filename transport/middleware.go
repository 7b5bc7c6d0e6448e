package transport

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/fxsml/cqrsbus/message"
)

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(HandlerFunc) HandlerFunc

// Chain applies middleware to h. The first middleware is the outermost.
func Chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] != nil {
			h = mw[i](h)
		}
	}
	return h
}

// RecoveryError wraps a panic value with the stack trace.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// Recover converts panics in the wrapped handler into a *RecoveryError.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) (replies []*message.Message, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &RecoveryError{
						PanicValue: r,
						StackTrace: string(debug.Stack()),
					}
				}
			}()
			return next(ctx, msg)
		}
	}
}
