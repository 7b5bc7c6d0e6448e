package transport

import (
	"context"
	"errors"

	"github.com/fxsml/cqrsbus/message"
)

// ReplyFunc delivers a reply to the address of a requester.
type ReplyFunc func(ctx context.Context, address string, reply *message.Message) error

// Deliver runs h for msg on behalf of conn, routes the replies with reply
// and settles msg with the handler error.
// The returned error joins the handler error and any reply failure.
func Deliver(ctx context.Context, conn Connection, h HandlerFunc, msg *message.Message, reply ReplyFunc) error {
	ctx = ContextWithConnection(ctx, conn)
	replies, err := h(ctx, msg)

	var replyErrs []error
	for _, r := range replies {
		addr, rerr := ReplyTo(msg, r)
		if rerr == nil {
			rerr = reply(ctx, addr, r)
		}
		if rerr != nil {
			replyErrs = append(replyErrs, rerr)
		}
	}
	msg.Settle(err)
	return errors.Join(err, errors.Join(replyErrs...))
}
