// Package bus connects the handlers registered in a cqrs.Manager to a
// transport and offers Send, Request and Publish to the application.
//
// Start groups the registrations into receive endpoints (see package
// routing), resolves every handler instance and opens the transport
// connection. Each consumer is wrapped with fault publication, the
// configured retry policy, the consume observers and panic recovery:
//
//	receive observer
//	  -> fan-out by message type
//	    -> fault publication
//	      -> retry
//	        -> consume observer
//	          -> recover
//	            -> handler
//
// A consumer that still fails after retries publishes a cqrs.Fault of the
// failed message and, for requests, answers with an error reply that
// Request returns as a *RequestFaultError.
package bus
