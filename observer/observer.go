package observer

import (
	"context"
	"time"

	"github.com/fxsml/cqrsbus/message"
)

// SendObserver is notified around every point-to-point send, including the
// send half of a request.
type SendObserver interface {
	PreSend(ctx context.Context, address string, msg *message.Message)
	PostSend(ctx context.Context, address string, msg *message.Message)
	SendFault(ctx context.Context, address string, msg *message.Message, err error)
}

// PublishObserver is notified around every publish.
type PublishObserver interface {
	PrePublish(ctx context.Context, msg *message.Message)
	PostPublish(ctx context.Context, msg *message.Message)
	PublishFault(ctx context.Context, msg *message.Message, err error)
}

// ReceiveObserver is notified once per message delivered to an endpoint.
type ReceiveObserver interface {
	PreReceive(ctx context.Context, endpoint string, msg *message.Message)
	PostReceive(ctx context.Context, endpoint string, msg *message.Message, elapsed time.Duration)
	ReceiveFault(ctx context.Context, endpoint string, msg *message.Message, elapsed time.Duration, err error)
}

// Consumer identifies the handler a message is consumed by.
type Consumer struct {
	Endpoint       string
	MessageType    string
	Implementation string
}

// ConsumeObserver is notified around every handler attempt.
// A retried message produces one notification pair per attempt.
type ConsumeObserver interface {
	PreConsume(ctx context.Context, c Consumer, msg *message.Message)
	PostConsume(ctx context.Context, c Consumer, msg *message.Message, elapsed time.Duration)
	ConsumeFault(ctx context.Context, c Consumer, msg *message.Message, elapsed time.Duration, err error)
}

// BusObserver is notified about bus lifecycle transitions.
type BusObserver interface {
	PreStart(ctx context.Context)
	PostStart(ctx context.Context)
	StartFaulted(ctx context.Context, err error)
	PreStop(ctx context.Context)
	PostStop(ctx context.Context)
	StopFaulted(ctx context.Context, err error)
}

// Base implements every observer interface with no-ops.
// Embed it to observe a subset of events.
type Base struct{}

func (Base) PreSend(context.Context, string, *message.Message) {}
func (Base) PostSend(context.Context, string, *message.Message) {}
func (Base) SendFault(context.Context, string, *message.Message, error) {}
func (Base) PrePublish(context.Context, *message.Message) {}
func (Base) PostPublish(context.Context, *message.Message) {}
func (Base) PublishFault(context.Context, *message.Message, error) {}
func (Base) PreReceive(context.Context, string, *message.Message) {}
func (Base) PostReceive(context.Context, string, *message.Message, time.Duration) {}
func (Base) ReceiveFault(context.Context, string, *message.Message, time.Duration, error) {}
func (Base) PreConsume(context.Context, Consumer, *message.Message) {}
func (Base) PostConsume(context.Context, Consumer, *message.Message, time.Duration) {}
func (Base) ConsumeFault(context.Context, Consumer, *message.Message, time.Duration, error) {}
func (Base) PreStart(context.Context) {}
func (Base) PostStart(context.Context) {}
func (Base) StartFaulted(context.Context, error) {}
func (Base) PreStop(context.Context) {}
func (Base) PostStop(context.Context) {}
func (Base) StopFaulted(context.Context, error) {}

var (
	_ SendObserver    = Base{}
	_ PublishObserver = Base{}
	_ ReceiveObserver = Base{}
	_ ConsumeObserver = Base{}
	_ BusObserver     = Base{}
)
