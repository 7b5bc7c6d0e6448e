// Package cqrs holds the handler registry of the bus.
//
// Applications describe their handlers as registrations: a role (command
// handler, event listener or fault handler), the message type it accepts and
// the implementation type the bus resolves to obtain a handler instance.
// Registrations are created with the typed helpers and stored in a Manager:
//
//	m := cqrs.NewManager()
//	_ = cqrs.HandleRequest(m, (*GreetHandler).Handle)
//	_ = cqrs.ListenEvent(m, (*Audit).OnGreeted)
//	_ = cqrs.ListenEvent(m, (*Audit).OnFarewell)
//
// Each registration carries a dispatch function built from the typed method,
// so no reflection is needed to call handlers. Instances are obtained
// through a Resolver when the bus starts; Container is a small built-in one.
//
// Failed messages are reported as Fault envelopes that fault handlers
// registered with HandleFault or FaultFunc receive.
package cqrs
