package message

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// DefaultSource is the CloudEvents source used when a message carries none.
const DefaultSource = "/cqrsbus"

// CloudEventsContentType is the content type of structured CloudEvents JSON.
const CloudEventsContentType = "application/cloudevents+json"

// Codec converts whole messages to and from their wire representation.
// Transports use a Codec; the payload inside is produced by a Marshaler.
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	// ContentType describes the encoded form.
	ContentType() string
}

// CloudEventsCodec encodes messages as structured-mode CloudEvents JSON.
// Standard attributes map to CloudEvents context attributes, everything
// else becomes an extension.
type CloudEventsCodec struct{}

// NewCloudEventsCodec creates a CloudEvents JSON codec.
func NewCloudEventsCodec() *CloudEventsCodec {
	return &CloudEventsCodec{}
}

// Encode converts msg into a CloudEvents JSON document.
// A missing id is generated and a missing source defaults to DefaultSource.
func (c *CloudEventsCodec) Encode(msg *Message) ([]byte, error) {
	e, err := ToCloudEvent(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// ContentType returns CloudEventsContentType.
func (c *CloudEventsCodec) ContentType() string {
	return CloudEventsContentType
}

// Decode parses a CloudEvents JSON document into a message without acking.
func (c *CloudEventsCodec) Decode(data []byte) (*Message, error) {
	var e cloudevents.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cloudevent: %w", err)
	}
	return FromCloudEvent(&e), nil
}

// ToCloudEvent converts a message into a validated cloudevents.Event.
func ToCloudEvent(msg *Message) (*cloudevents.Event, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	typ, ok := msg.Attributes.Type()
	if !ok {
		return nil, ErrMissingType
	}

	e := cloudevents.NewEvent()
	e.SetType(typ)

	id, ok := msg.Attributes.ID()
	if !ok {
		id = NewID()
	}
	e.SetID(id)

	source, ok := msg.Attributes.Source()
	if !ok {
		source = DefaultSource
	}
	e.SetSource(source)

	if t, ok := msg.Attributes.Time(); ok {
		e.SetTime(t)
	}

	for k, v := range msg.Attributes {
		switch k {
		case AttrID, AttrType, AttrSource, AttrSpecVersion, AttrTime, AttrDataContentType:
			continue
		}
		e.SetExtension(k, v)
	}

	ct, _ := msg.Attributes.DataContentType()
	if msg.Data != nil {
		var err error
		if ct == cloudevents.ApplicationJSON && json.Valid(msg.Data) {
			err = e.SetData(ct, json.RawMessage(msg.Data))
		} else {
			err = e.SetData(ct, msg.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("set data: %w", err)
		}
	} else if ct != "" {
		e.SetDataContentType(ct)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return &e, nil
}

// FromCloudEvent converts a cloudevents.Event into a message.
// Extensions are copied into the attributes as-is.
func FromCloudEvent(e *cloudevents.Event) *Message {
	attrs := Attributes{
		AttrID:          e.ID(),
		AttrType:        e.Type(),
		AttrSource:      e.Source(),
		AttrSpecVersion: e.SpecVersion(),
	}
	if dct := e.DataContentType(); dct != "" {
		attrs[AttrDataContentType] = dct
	}
	if t := e.Time(); !t.IsZero() {
		attrs[AttrTime] = t.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range e.Extensions() {
		attrs[k] = v
	}

	var data []byte
	if b := e.Data(); len(b) > 0 {
		data = append([]byte(nil), b...)
	}
	return New(data, attrs)
}

var _ Codec = (*CloudEventsCodec)(nil)
