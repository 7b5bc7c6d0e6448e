package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/routing"
)

// Request sends cmd to the endpoint of its dynamic type and waits for the
// correlated reply of type R.
//
// It fails with ErrRequestTimeout if no reply arrives within the request
// timeout, with context.Canceled if ctx is canceled first and with a
// *RequestFaultError if the handler failed.
func Request[R any](ctx context.Context, b *Bus, cmd any) (R, error) {
	return RequestAs[R](ctx, b, cmd, reflect.TypeOf(cmd))
}

// RequestAs is Request for a command sent as type t.
func RequestAs[R any](ctx context.Context, b *Bus, cmd any, t reflect.Type) (R, error) {
	c := requestClient[R]{bus: b, requestType: t, timeout: b.opts.RequestTimeout}
	return c.request(ctx, cmd)
}

// requestClient is a transient client for one request/reply exchange.
// Correlation is owned by the transport connection.
type requestClient[R any] struct {
	bus         *Bus
	requestType reflect.Type
	timeout     time.Duration
}

func (c requestClient[R]) request(ctx context.Context, cmd any) (R, error) {
	var res R
	b := c.bus
	conn, base, err := b.running("request")
	if err != nil {
		return res, err
	}
	if cmd == nil || c.requestType == nil {
		return res, ErrNilMessage
	}

	name, err := b.typeName(c.requestType)
	if err != nil {
		return res, err
	}
	msg, err := b.newMessage(cmd, name)
	if err != nil {
		return res, err
	}
	address := routing.Address(base, name)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b.observers.PreSend(ctx, address, msg)
	reply, err := conn.Request(ctx, address, msg)
	if err != nil {
		b.observers.SendFault(ctx, address, msg, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %s after %v: %w", ErrRequestTimeout, name, c.timeout, err)
		}
		return res, fmt.Errorf("bus: request %s: %w", name, err)
	}
	b.observers.PostSend(ctx, address, msg)

	if reason, ok := reply.Attributes.String(message.AttrError); ok {
		return res, &RequestFaultError{RequestType: name, Reason: reason}
	}
	if len(reply.Data) == 0 {
		return res, nil
	}
	if err := b.opts.Marshaler.Unmarshal(reply.Data, &res); err != nil {
		return res, fmt.Errorf("bus: decode reply to %s: %w", name, err)
	}
	return res, nil
}
