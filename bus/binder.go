package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxsml/cqrsbus/cqrs"
	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/observer"
	"github.com/fxsml/cqrsbus/retry"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport"
)

// consumer is one registration bound to a resolved handler instance.
type consumer struct {
	messageType string
	handler     transport.HandlerFunc
}

// bind resolves the handlers of every group and builds the receive
// endpoints. The first resolution failure aborts binding.
func (b *Bus) bind(groups []routing.Group) ([]transport.Endpoint, error) {
	endpoints := make([]transport.Endpoint, 0, len(groups))
	for _, g := range groups {
		ep, err := b.bindGroup(g)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func (b *Bus) bindGroup(g routing.Group) (transport.Endpoint, error) {
	consumers := make([]consumer, 0, len(g.Registrations))
	for _, r := range g.Registrations {
		instance, err := b.resolve(r)
		if err != nil {
			return transport.Endpoint{}, &ResolutionError{Type: r.ImplementationType(), Endpoint: g.Name, Err: err}
		}
		consumers = append(consumers, b.newConsumer(g, r, instance))
	}

	h := b.dispatch(g.Name, consumers)
	if !b.observers.Empty() {
		h = transport.Chain(h, observer.Receive(&b.observers, g.Name))
	}
	return transport.Endpoint{
		Name:    g.Name,
		Address: g.Address,
		Kind:    g.Kind,
		Types:   g.Types(b.opts.Naming),
		Handler: h,
	}, nil
}

func (b *Bus) resolve(r cqrs.Registration) (any, error) {
	if instance, ok := r.Instance(); ok {
		return instance, nil
	}
	instance, err := b.opts.Resolver.Resolve(r.ImplementationType())
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("%w: resolver returned nil", cqrs.ErrNotRegistered)
	}
	if t := reflect.TypeOf(instance); !t.AssignableTo(r.ImplementationType()) {
		return nil, fmt.Errorf("%w: got %v", cqrs.ErrInstanceType, t)
	}
	return instance, nil
}

// newConsumer wraps the handler of r in the per-consumer middleware.
// Faults are raised once retries are exhausted, while the consume observer
// sees every attempt.
func (b *Bus) newConsumer(g routing.Group, r cqrs.Registration, instance any) consumer {
	c := observer.Consumer{
		Endpoint:       g.Name,
		MessageType:    routing.ConsumedType(r, b.opts.Naming),
		Implementation: message.SimpleName(r.ImplementationType()),
	}

	mw := []transport.Middleware{b.faults(r, c)}
	if b.opts.Retry != nil {
		mw = append(mw, retry.Middleware(*b.opts.Retry))
	}
	if !b.observers.Empty() {
		mw = append(mw, observer.Consume(&b.observers, c))
	}
	mw = append(mw, transport.Recover())

	return consumer{
		messageType: c.MessageType,
		handler:     transport.Chain(b.invoke(r, instance), mw...),
	}
}

// dispatch fans a delivery out to every consumer of its type.
func (b *Bus) dispatch(endpoint string, consumers []consumer) transport.HandlerFunc {
	return func(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
		typ := msg.Type()
		var (
			replies []*message.Message
			errs    []error
			matched bool
		)
		for _, c := range consumers {
			if c.messageType != typ {
				continue
			}
			matched = true
			r, err := c.handler(ctx, msg)
			replies = append(replies, r...)
			if err != nil {
				errs = append(errs, err)
			}
		}
		if !matched {
			b.opts.Logger.Warn("No consumer for message type",
				"endpoint", endpoint,
				"type", typ)
			return nil, nil
		}
		return replies, errors.Join(errs...)
	}
}

func (b *Bus) invoke(r cqrs.Registration, instance any) transport.HandlerFunc {
	var responseType string
	if r.Responds() {
		responseType = b.opts.Naming.TypeName(r.ResponseType())
	}
	return func(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
		ctx = message.ContextWithAttributes(ctx, msg.Attributes)
		res, err := r.Invoke(ctx, instance, msg.Data, b.opts.Marshaler)
		if err != nil || !r.Responds() {
			return nil, err
		}
		if _, ok := msg.Attributes.ReplyTo(); !ok {
			return nil, nil
		}
		reply, err := b.newMessage(res, responseType)
		if err != nil {
			return nil, err
		}
		return []*message.Message{reply}, nil
	}
}

// faults publishes a Fault for every failed delivery and answers pending
// requests with an error reply.
func (b *Bus) faults(r cqrs.Registration, c observer.Consumer) transport.Middleware {
	return func(next transport.HandlerFunc) transport.HandlerFunc {
		return func(ctx context.Context, msg *message.Message) ([]*message.Message, error) {
			replies, err := next(ctx, msg)
			if err == nil {
				return replies, nil
			}
			b.opts.Logger.Warn("Message handling failed",
				"endpoint", c.Endpoint,
				"type", c.MessageType,
				"implementation", c.Implementation,
				"error", err)

			if r.Role() != cqrs.RoleFaultHandler {
				b.publishFault(ctx, r, c, msg, err)
			}
			if _, ok := msg.Attributes.ReplyTo(); ok {
				reply := b.message(nil, message.FaultTypeName(c.MessageType))
				reply.Attributes[message.AttrError] = err.Error()
				return []*message.Message{reply}, err
			}
			return nil, err
		}
	}
}

func (b *Bus) publishFault(ctx context.Context, r cqrs.Registration, c observer.Consumer, msg *message.Message, cause error) {
	id, _ := msg.Attributes.ID()
	data, ok, err := r.Fault(msg.Data, b.opts.Marshaler, cqrs.FaultInfo{
		FaultedMessageID: id,
		MessageType:      c.MessageType,
		Endpoint:         c.Endpoint,
		Err:              cause,
	})
	if !ok {
		return
	}
	if err != nil {
		b.opts.Logger.Error("Fault encoding failed", "type", c.MessageType, "error", err)
		return
	}

	fault := b.message(data, message.FaultTypeName(c.MessageType))
	fault.Attributes[message.AttrFaultType] = c.MessageType
	if corr, ok := msg.Attributes.CorrelationID(); ok {
		fault.Attributes[message.AttrCorrelationID] = corr
	}

	conn, ok := transport.ConnectionFromContext(ctx)
	if !ok || conn == nil {
		if conn = b.connection(); conn == nil {
			return
		}
	}
	if err := b.publish(ctx, conn, fault); err != nil {
		b.opts.Logger.Error("Fault publication failed", "type", c.MessageType, "error", err)
	}
}
