package observer

import (
	"context"
	"time"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/transport"
)

// Set fans notifications out to the observers added to it.
// Observers are called in the order they were added. The zero value is
// ready to use. A Set must not be modified once the bus has started.
type Set struct {
	send    []SendObserver
	publish []PublishObserver
	receive []ReceiveObserver
	consume []ConsumeObserver
	bus     []BusObserver
}

// Add registers o for every observer interface it implements.
// Returns false if o implements none of them.
func (s *Set) Add(o any) bool {
	added := false
	if v, ok := o.(SendObserver); ok {
		s.send = append(s.send, v)
		added = true
	}
	if v, ok := o.(PublishObserver); ok {
		s.publish = append(s.publish, v)
		added = true
	}
	if v, ok := o.(ReceiveObserver); ok {
		s.receive = append(s.receive, v)
		added = true
	}
	if v, ok := o.(ConsumeObserver); ok {
		s.consume = append(s.consume, v)
		added = true
	}
	if v, ok := o.(BusObserver); ok {
		s.bus = append(s.bus, v)
		added = true
	}
	return added
}

// Empty reports whether no observer was added.
func (s *Set) Empty() bool {
	return len(s.send)+len(s.publish)+len(s.receive)+len(s.consume)+len(s.bus) == 0
}

func (s *Set) PreSend(ctx context.Context, address string, msg *message.Message) {
	for _, o := range s.send {
		o.PreSend(ctx, address, msg)
	}
}

func (s *Set) PostSend(ctx context.Context, address string, msg *message.Message) {
	for _, o := range s.send {
		o.PostSend(ctx, address, msg)
	}
}

func (s *Set) SendFault(ctx context.Context, address string, msg *message.Message, err error) {
	for _, o := range s.send {
		o.SendFault(ctx, address, msg, err)
	}
}

func (s *Set) PrePublish(ctx context.Context, msg *message.Message) {
	for _, o := range s.publish {
		o.PrePublish(ctx, msg)
	}
}

func (s *Set) PostPublish(ctx context.Context, msg *message.Message) {
	for _, o := range s.publish {
		o.PostPublish(ctx, msg)
	}
}

func (s *Set) PublishFault(ctx context.Context, msg *message.Message, err error) {
	for _, o := range s.publish {
		o.PublishFault(ctx, msg, err)
	}
}

func (s *Set) PreReceive(ctx context.Context, endpoint string, msg *message.Message) {
	for _, o := range s.receive {
		o.PreReceive(ctx, endpoint, msg)
	}
}

func (s *Set) PostReceive(ctx context.Context, endpoint string, msg *message.Message, elapsed time.Duration) {
	for _, o := range s.receive {
		o.PostReceive(ctx, endpoint, msg, elapsed)
	}
}

func (s *Set) ReceiveFault(ctx context.Context, endpoint string, msg *message.Message, elapsed time.Duration, err error) {
	for _, o := range s.receive {
		o.ReceiveFault(ctx, endpoint, msg, elapsed, err)
	}
}

func (s *Set) PreConsume(ctx context.Context, c Consumer, msg *message.Message) {
	for _, o := range s.consume {
		o.PreConsume(ctx, c, msg)
	}
}

func (s *Set) PostConsume(ctx context.Context, c Consumer, msg *message.Message, elapsed time.Duration) {
	for _, o := range s.consume {
		o.PostConsume(ctx, c, msg, elapsed)
	}
}

func (s *Set) ConsumeFault(ctx context.Context, c Consumer, msg *message.Message, elapsed time.Duration, err error) {
	for _, o := range s.consume {
		o.ConsumeFault(ctx, c, msg, elapsed, err)
	}
}

func (s *Set) PreStart(ctx context.Context) {
	for _, o := range s.bus {
		o.PreStart(ctx)
	}
}

func (s *Set) PostStart(ctx context.Context) {
	for _, o := range s.bus {
		o.PostStart(ctx)
	}
}

func (s *Set) StartFaulted(ctx context.Context, err error) {
	for _, o := range s.bus {
		o.StartFaulted(ctx, err)
	}
}

func (s *Set) PreStop(ctx context.Context) {
	for _, o := range s.bus {
		o.PreStop(ctx)
	}
}

func (s *Set) PostStop(ctx context.Context) {
	for _, o := range s.bus {
		o.PostStop(ctx)
	}
}

func (s *Set) StopFaulted(ctx context.Context, err error) {
	for _, o := range s.bus {
		o.StopFaulted(ctx, err)
	}
}

// Receive notifies o once per delivery to endpoint.
func Receive(o ReceiveObserver, endpoint string) transport.Middleware {
	return func(next transport.HandlerFunc) transport.HandlerFunc {
		return func(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			o.PreReceive(ctx, endpoint, msg)
			replies, err := next(ctx, msg)
			if err != nil {
				o.ReceiveFault(ctx, endpoint, msg, time.Since(start), err)
			} else {
				o.PostReceive(ctx, endpoint, msg, time.Since(start))
			}
			return replies, err
		}
	}
}

// Consume notifies o around every call of the wrapped consumer.
func Consume(o ConsumeObserver, c Consumer) transport.Middleware {
	return func(next transport.HandlerFunc) transport.HandlerFunc {
		return func(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			o.PreConsume(ctx, c, msg)
			replies, err := next(ctx, msg)
			if err != nil {
				o.ConsumeFault(ctx, c, msg, time.Since(start), err)
			} else {
				o.PostConsume(ctx, c, msg, time.Since(start))
			}
			return replies, err
		}
	}
}

var (
	_ SendObserver    = (*Set)(nil)
	_ PublishObserver = (*Set)(nil)
	_ ReceiveObserver = (*Set)(nil)
	_ ConsumeObserver = (*Set)(nil)
	_ BusObserver     = (*Set)(nil)
)
