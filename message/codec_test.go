package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudEventsCodec_Structured(t *testing.T) {
	codec := NewCloudEventsCodec()
	msg := New([]byte(`{"name":"ada"}`), Attributes{
		AttrID:              "id-1",
		AttrType:            "Greet",
		AttrDataContentType: "application/json",
		AttrCorrelationID:   "corr-1",
		AttrReplyTo:         "amqp://host/reply",
	})

	data, err := codec.Encode(msg)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "1.0", doc["specversion"])
	assert.Equal(t, "Greet", doc["type"])
	assert.Equal(t, DefaultSource, doc["source"])
	assert.Equal(t, "corr-1", doc["correlationid"])
	assert.Equal(t, map[string]any{"name": "ada"}, doc["data"])

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, string(decoded.Data))
	assert.Equal(t, "Greet", decoded.Type())

	id, _ := decoded.Attributes.ID()
	assert.Equal(t, "id-1", id)
	corr, _ := decoded.Attributes.CorrelationID()
	assert.Equal(t, "corr-1", corr)
	reply, _ := decoded.Attributes.ReplyTo()
	assert.Equal(t, "amqp://host/reply", reply)
}

func TestCloudEventsCodec_GeneratesID(t *testing.T) {
	data, err := NewCloudEventsCodec().Encode(New(nil, Attributes{AttrType: "Ping"}))
	require.NoError(t, err)

	decoded, err := NewCloudEventsCodec().Decode(data)
	require.NoError(t, err)
	id, ok := decoded.Attributes.ID()
	assert.True(t, ok)
	assert.Len(t, id, 36)
	assert.Nil(t, decoded.Data)
}

func TestCloudEventsCodec_Errors(t *testing.T) {
	codec := NewCloudEventsCodec()

	_, err := codec.Encode(nil)
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = codec.Encode(New(nil, nil))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = codec.Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = codec.Encode(New(nil, Attributes{AttrType: "Ping", "Bad-Key": "x"}))
	assert.ErrorContains(t, err, "invalid cloudevent")
}

func TestJSONMarshaler(t *testing.T) {
	m := NewJSONMarshaler()
	data, err := m.Marshal(struct{ Name string }{"ada"})
	require.NoError(t, err)

	var out struct{ Name string }
	require.NoError(t, m.Unmarshal(data, &out))
	assert.Equal(t, "ada", out.Name)
	assert.Equal(t, "application/json", m.DataContentType())
}
