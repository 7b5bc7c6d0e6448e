package message

import "github.com/google/uuid"

// IDGenerator generates unique message IDs.
type IDGenerator func() string

// DefaultIDGenerator is used for message ids and correlation ids.
// Tests may replace it to get deterministic ids.
var DefaultIDGenerator IDGenerator = uuid.NewString

// NewID generates a new message id with DefaultIDGenerator.
func NewID() string {
	return DefaultIDGenerator()
}
