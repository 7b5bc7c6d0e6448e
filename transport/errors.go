package transport

import "errors"

var (
	// ErrClosed is returned when a closed connection is used.
	ErrClosed = errors.New("transport: connection closed")
	// ErrInvalidAddress is returned for addresses without an endpoint name.
	ErrInvalidAddress = errors.New("transport: invalid address")
	// ErrNoReplyAddress is returned when a reply has nowhere to go.
	ErrNoReplyAddress = errors.New("transport: message has no reply address")
)
