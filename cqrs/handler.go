package cqrs

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxsml/cqrsbus/message"
)

var (
	// ErrInstanceType is returned when a resolved instance does not have the
	// registered implementation type.
	ErrInstanceType = errors.New("cqrs: instance has wrong type")
	// ErrDecode is returned when a payload cannot be decoded into the
	// registered message type.
	ErrDecode = errors.New("cqrs: decode payload")
)

// CommandHandler handles commands of type C.
type CommandHandler[C any] interface {
	Handle(ctx context.Context, cmd C) error
}

// RequestHandler handles commands of type C and answers with R.
type RequestHandler[C, R any] interface {
	Handle(ctx context.Context, cmd C) (R, error)
}

// EventListener reacts to events of type E.
type EventListener[E any] interface {
	Handle(ctx context.Context, evt E) error
}

// FaultHandler reacts to failed messages of type T.
type FaultHandler[T any] interface {
	HandleFault(ctx context.Context, fault Fault[T]) error
}

// HandleCommand registers fn as the handler of command C.
// H is the implementation type resolved at start; fn is usually a method
// expression such as (*CreateOrderHandler).Handle.
//
// Example:
//
//	err := cqrs.HandleCommand(m, (*CreateOrderHandler).Handle)
func HandleCommand[C, H any](m *Manager, fn func(H, context.Context, C) error) error {
	mustFunc(fn)
	reg := NewRegistration(RoleCommandHandler, reflect.TypeFor[C](), reflect.TypeFor[H](),
		func(ctx context.Context, instance any, payload []byte, u message.Marshaler) (any, error) {
			h, err := as[H](instance)
			if err != nil {
				return nil, err
			}
			var cmd C
			if err := decode(u, payload, &cmd); err != nil {
				return nil, err
			}
			return nil, fn(h, ctx, cmd)
		}).WithFault(faultBuilder[C]())
	return m.Register(reg)
}

// HandleRequest registers fn as the handler of command C answering with R.
func HandleRequest[C, R, H any](m *Manager, fn func(H, context.Context, C) (R, error)) error {
	mustFunc(fn)
	reg := NewRegistration(RoleCommandHandler, reflect.TypeFor[C](), reflect.TypeFor[H](),
		func(ctx context.Context, instance any, payload []byte, u message.Marshaler) (any, error) {
			h, err := as[H](instance)
			if err != nil {
				return nil, err
			}
			var cmd C
			if err := decode(u, payload, &cmd); err != nil {
				return nil, err
			}
			res, err := fn(h, ctx, cmd)
			if err != nil {
				return nil, err
			}
			return res, nil
		}).WithResponse(reflect.TypeFor[R]()).WithFault(faultBuilder[C]())
	return m.Register(reg)
}

// ListenEvent registers fn as a listener of event E.
// Registering several events for the same L places all of them on one
// endpoint.
func ListenEvent[E, L any](m *Manager, fn func(L, context.Context, E) error) error {
	mustFunc(fn)
	reg := NewRegistration(RoleEventListener, reflect.TypeFor[E](), reflect.TypeFor[L](),
		func(ctx context.Context, instance any, payload []byte, u message.Marshaler) (any, error) {
			l, err := as[L](instance)
			if err != nil {
				return nil, err
			}
			var evt E
			if err := decode(u, payload, &evt); err != nil {
				return nil, err
			}
			return nil, fn(l, ctx, evt)
		}).WithFault(faultBuilder[E]())
	return m.Register(reg)
}

// HandleFault registers fn as a handler of faults of T.
// Failures of fault handlers do not produce further faults.
func HandleFault[T, F any](m *Manager, fn func(F, context.Context, Fault[T]) error) error {
	mustFunc(fn)
	return m.Register(faultRegistration(reflect.TypeFor[F](), fn))
}

// FaultFunc registers a function as a fault handler of T.
// The handler is bound at registration and never resolved.
func FaultFunc[T any](m *Manager, fn func(context.Context, Fault[T]) error) error {
	mustFunc(fn)
	h := faultFunc[T](fn)
	reg := faultRegistration(reflect.TypeFor[faultFunc[T]](), func(h faultFunc[T], ctx context.Context, f Fault[T]) error {
		return h(ctx, f)
	})
	return m.Register(reg.WithInstance(h))
}

type faultFunc[T any] func(context.Context, Fault[T]) error

func faultRegistration[T, F any](implType reflect.Type, fn func(F, context.Context, Fault[T]) error) Registration {
	return NewRegistration(RoleFaultHandler, reflect.TypeFor[T](), implType,
		func(ctx context.Context, instance any, payload []byte, u message.Marshaler) (any, error) {
			h, err := as[F](instance)
			if err != nil {
				return nil, err
			}
			var f Fault[T]
			if err := decode(u, payload, &f); err != nil {
				return nil, err
			}
			return nil, fn(h, ctx, f)
		})
}

// RegisterCommandHandler registers H through its CommandHandler method.
func RegisterCommandHandler[C any, H CommandHandler[C]](m *Manager) error {
	return HandleCommand(m, func(h H, ctx context.Context, cmd C) error { return h.Handle(ctx, cmd) })
}

// RegisterRequestHandler registers H through its RequestHandler method.
func RegisterRequestHandler[C, R any, H RequestHandler[C, R]](m *Manager) error {
	return HandleRequest(m, func(h H, ctx context.Context, cmd C) (R, error) { return h.Handle(ctx, cmd) })
}

// RegisterEventListener registers L through its EventListener method.
func RegisterEventListener[E any, L EventListener[E]](m *Manager) error {
	return ListenEvent(m, func(l L, ctx context.Context, evt E) error { return l.Handle(ctx, evt) })
}

// RegisterFaultHandler registers F through its FaultHandler method.
func RegisterFaultHandler[T any, F FaultHandler[T]](m *Manager) error {
	return HandleFault(m, func(f F, ctx context.Context, fault Fault[T]) error { return f.HandleFault(ctx, fault) })
}

func as[H any](instance any) (H, error) {
	h, ok := instance.(H)
	if !ok {
		var zero H
		return zero, fmt.Errorf("%w: got %T, want %v", ErrInstanceType, instance, reflect.TypeFor[H]())
	}
	return h, nil
}

func decode(u message.Marshaler, payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := u.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

func mustFunc(fn any) {
	if reflect.ValueOf(fn).IsNil() {
		panic("cqrs: nil handler function")
	}
}
