package message

import (
	"sync"
)

// settlement settles a delivery exactly once. The first outcome wins;
// later calls report whether they agree with it.
type settlement struct {
	once  sync.Once
	ack   func()
	nack  func(error)
	acked bool
}

func (s *settlement) apply(ack bool, err error) bool {
	s.once.Do(func() {
		s.acked = ack
		if ack {
			s.ack()
		} else {
			s.nack(err)
		}
	})
	return s.acked == ack
}

// Message is the transport-neutral envelope of a command, event, reply or fault.
// Data holds the payload as encoded by a Marshaler; Attributes carry the
// routing and correlation context.
// A message is settled once: the first Ack or Nack decides.
type Message struct {
	Data       []byte
	Attributes Attributes

	settle *settlement
}

// New creates a message that needs no settlement.
// A nil attrs is replaced by an empty map.
func New(data []byte, attrs Attributes) *Message {
	if attrs == nil {
		attrs = make(Attributes)
	}
	return &Message{
		Data:       data,
		Attributes: attrs,
	}
}

// NewWithAcking creates a message whose delivery is settled by ack or nack.
// Transports pass callbacks that settle the broker delivery. Settlement is
// disabled unless both callbacks are given.
func NewWithAcking(data []byte, attrs Attributes, ack func(), nack func(error)) *Message {
	msg := New(data, attrs)
	if ack != nil && nack != nil {
		msg.settle = &settlement{ack: ack, nack: nack}
	}
	return msg
}

// Ack settles the delivery as processed.
// It reports false if the message has no settlement or was nacked before.
// Safe for concurrent use.
func (m *Message) Ack() bool {
	if m.settle == nil {
		return false
	}
	return m.settle.apply(true, nil)
}

// Nack settles the delivery as failed with err.
// It reports false if the message has no settlement or was acked before.
func (m *Message) Nack(err error) bool {
	if m.settle == nil {
		return false
	}
	return m.settle.apply(false, err)
}

// Settle acks the message when err is nil and nacks it otherwise.
func (m *Message) Settle(err error) {
	if err != nil {
		m.Nack(err)
		return
	}
	m.Ack()
}

// Type returns the message type attribute.
func (m *Message) Type() string {
	t, _ := m.Attributes.Type()
	return t
}

// Clone returns an unsettled copy with its own attribute map.
func (m *Message) Clone() *Message {
	return &Message{
		Data:       m.Data,
		Attributes: m.Attributes.Clone(),
	}
}
