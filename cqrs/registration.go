package cqrs

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fxsml/cqrsbus/message"
)

// Role classifies a handler registration.
type Role int

const (
	// RoleCommandHandler handles one command type, optionally answering
	// with a correlated response.
	RoleCommandHandler Role = iota + 1
	// RoleEventListener handles one event type without responding.
	RoleEventListener
	// RoleFaultHandler handles Fault envelopes of one message type.
	RoleFaultHandler
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleCommandHandler:
		return "command-handler"
	case RoleEventListener:
		return "event-listener"
	case RoleFaultHandler:
		return "fault-handler"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r >= RoleCommandHandler && r <= RoleFaultHandler
}

// Invoker decodes payload with u and calls the handler method on instance.
// It returns the response of request handlers and nil otherwise.
type Invoker func(ctx context.Context, instance any, payload []byte, u message.Marshaler) (any, error)

// FaultBuilder decodes the payload of a failed message with u and encodes
// a Fault envelope for it.
type FaultBuilder func(payload []byte, u message.Marshaler, info FaultInfo) ([]byte, error)

// Registration describes one application handler: its role, the message
// type it accepts and the implementation type that handles it.
// Registrations are immutable values created by the typed helpers such as
// HandleCommand and ListenEvent.
type Registration struct {
	role               Role
	messageType        reflect.Type
	implementationType reflect.Type
	responseType       reflect.Type
	instance           any
	invoke             Invoker
	fault              FaultBuilder
}

// NewRegistration creates a registration from its parts.
// It panics if role is invalid or a type or invoke is nil: these are
// programming errors caught at wiring time.
func NewRegistration(role Role, messageType, implementationType reflect.Type, invoke Invoker) Registration {
	if !role.Valid() {
		panic(fmt.Sprintf("cqrs: invalid role %d", int(role)))
	}
	if messageType == nil || implementationType == nil {
		panic("cqrs: registration requires message and implementation types")
	}
	if invoke == nil {
		panic("cqrs: registration requires an invoker")
	}
	return Registration{
		role:               role,
		messageType:        messageType,
		implementationType: implementationType,
		invoke:             invoke,
	}
}

// WithResponse returns a copy of r that answers with responseType.
func (r Registration) WithResponse(responseType reflect.Type) Registration {
	r.responseType = responseType
	return r
}

// WithInstance returns a copy of r bound to a fixed handler instance.
// Bound registrations are not resolved through the Resolver.
func (r Registration) WithInstance(instance any) Registration {
	r.instance = instance
	return r
}

// WithFault returns a copy of r that describes its failures with build.
func (r Registration) WithFault(build FaultBuilder) Registration {
	r.fault = build
	return r
}

// Role returns the handler role.
func (r Registration) Role() Role { return r.role }

// MessageType returns the accepted message type. For fault handlers this is
// the type of the failed message wrapped by the Fault envelope.
func (r Registration) MessageType() reflect.Type { return r.messageType }

// ImplementationType returns the type resolved to obtain the handler.
func (r Registration) ImplementationType() reflect.Type { return r.implementationType }

// ResponseType returns the response type, or nil if the handler does not respond.
func (r Registration) ResponseType() reflect.Type { return r.responseType }

// Responds reports whether the handler produces a correlated response.
func (r Registration) Responds() bool { return r.responseType != nil }

// Instance returns the bound handler instance, if any.
func (r Registration) Instance() (any, bool) { return r.instance, r.instance != nil }

// Invoke decodes payload and calls the handler on instance.
func (r Registration) Invoke(ctx context.Context, instance any, payload []byte, u message.Marshaler) (any, error) {
	return r.invoke(ctx, instance, payload, u)
}

// Fault encodes a Fault envelope for a payload the handler failed on.
// Returns false if the registration cannot describe its failures.
func (r Registration) Fault(payload []byte, u message.Marshaler, info FaultInfo) ([]byte, bool, error) {
	if r.fault == nil {
		return nil, false, nil
	}
	data, err := r.fault(payload, u, info)
	return data, true, err
}

// String implements fmt.Stringer.
func (r Registration) String() string {
	return fmt.Sprintf("%s %v <- %v", r.role, r.implementationType, r.messageType)
}
