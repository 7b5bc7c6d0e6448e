package message

import "errors"

var (
	// ErrNilMessage is returned when a nil message is encoded.
	ErrNilMessage = errors.New("message: nil message")
	// ErrMissingType is returned when a message has no type attribute.
	ErrMissingType = errors.New("message: missing type attribute")
)
