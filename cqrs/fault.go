package cqrs

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxsml/cqrsbus/message"
)

// ExceptionInfo describes one error that caused a fault.
type ExceptionInfo struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// FaultInfo carries the context of a failed delivery.
type FaultInfo struct {
	FaultID          string
	FaultedMessageID string
	MessageType      string
	Endpoint         string
	Timestamp        time.Time
	Err              error
}

// Fault wraps a message that a handler failed to process.
// Faults are published with type message.FaultTypeName of the wrapped type
// and are consumed by fault handlers registered for T.
type Fault[T any] struct {
	FaultID          string          `json:"faultId"`
	FaultedMessageID string          `json:"faultedMessageId,omitempty"`
	MessageType      string          `json:"messageType"`
	Endpoint         string          `json:"endpoint,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Exceptions       []ExceptionInfo `json:"exceptions"`
	Message          T               `json:"message"`
}

// NewFault creates the fault envelope of msg.
func NewFault[T any](msg T, info FaultInfo) Fault[T] {
	id := info.FaultID
	if id == "" {
		id = message.NewID()
	}
	ts := info.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Fault[T]{
		FaultID:          id,
		FaultedMessageID: info.FaultedMessageID,
		MessageType:      info.MessageType,
		Endpoint:         info.Endpoint,
		Timestamp:        ts,
		Exceptions:       Exceptions(info.Err),
		Message:          msg,
	}
}

// Exceptions flattens err into ExceptionInfo values.
// Joined errors produce one entry per branch.
func Exceptions(err error) []ExceptionInfo {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ExceptionInfo
		for _, e := range joined.Unwrap() {
			out = append(out, Exceptions(e)...)
		}
		return out
	}
	return []ExceptionInfo{{Type: fmt.Sprintf("%T", err), Message: err.Error()}}
}

// Err returns the fault exceptions as a single error.
func (f Fault[T]) Err() error {
	errs := make([]error, 0, len(f.Exceptions))
	for _, e := range f.Exceptions {
		errs = append(errs, errors.New(e.Message))
	}
	return errors.Join(errs...)
}

func faultBuilder[T any]() FaultBuilder {
	return func(payload []byte, u message.Marshaler, info FaultInfo) ([]byte, error) {
		var msg T
		if err := decode(u, payload, &msg); err != nil {
			return nil, err
		}
		return u.Marshal(NewFault(msg, info))
	}
}
