// Package routing derives endpoint addresses and groups handler
// registrations into receive endpoints.
//
// Sender and receiver derive addresses the same way: a command sent to
// AddressOf(base, type) lands on the endpoint that Endpoints created for its
// handlers. Everything here is pure and computed fresh on every call.
package routing
