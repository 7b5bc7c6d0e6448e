package message

import (
	"fmt"
	"maps"
	"time"
)

// Attributes holds the CloudEvents context attributes and extensions of a
// message. It is not safe for concurrent writes.
type Attributes map[string]any

// CloudEvents context attribute keys.
const (
	AttrID              = "id"
	AttrType            = "type" // name given by the NamingStrategy
	AttrSource          = "source"
	AttrSpecVersion     = "specversion"
	AttrTime            = "time" // time.Time
	AttrDataContentType = "datacontenttype"
)

// Extension attribute keys used by the bus.
// CloudEvents restricts extension names to lowercase alphanumerics.
const (
	// AttrCorrelationID ties a reply to the request that caused it.
	AttrCorrelationID = "correlationid"
	// AttrReplyTo is the address a request handler sends its reply to.
	AttrReplyTo = "replyto"
	// AttrFaultType is set on faults to the type of the failed message.
	AttrFaultType = "faulttype"
	// AttrError carries the handler error text on replies that failed.
	AttrError = "error"
)

// String returns the attribute for key as a string.
// Non-string values are formatted with fmt.Sprint.
func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, s != ""
	}
	s := fmt.Sprint(v)
	return s, s != ""
}

// ID returns the id attribute.
func (a Attributes) ID() (string, bool) {
	return a.String(AttrID)
}

// Type returns the type attribute.
func (a Attributes) Type() (string, bool) {
	return a.String(AttrType)
}

// Source returns the source attribute.
func (a Attributes) Source() (string, bool) {
	return a.String(AttrSource)
}

// CorrelationID returns the correlation id extension.
func (a Attributes) CorrelationID() (string, bool) {
	return a.String(AttrCorrelationID)
}

// ReplyTo returns the reply address extension.
func (a Attributes) ReplyTo() (string, bool) {
	return a.String(AttrReplyTo)
}

// DataContentType returns the datacontenttype attribute.
func (a Attributes) DataContentType() (string, bool) {
	return a.String(AttrDataContentType)
}

// Time returns the time attribute, accepting time.Time or RFC3339 strings.
func (a Attributes) Time() (time.Time, bool) {
	switch v := a[AttrTime].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// Clone returns a shallow copy of the attributes.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return make(Attributes)
	}
	return maps.Clone(a)
}
