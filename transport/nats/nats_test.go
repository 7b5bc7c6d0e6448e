package nats

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/transport"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, []string{"cmd.Greet"}, subjects(transport.Endpoint{
		Name:  "Greet",
		Kind:  transport.KindCommand,
		Types: []string{"Greet"},
	}))
	assert.Equal(t, []string{"evt.Greeted", "evt.Fault.Greet"}, subjects(transport.Endpoint{
		Name:  "Audit",
		Kind:  transport.KindSubscriber,
		Types: []string{"Greeted", "Fault.Greet"},
	}))
}

func TestSendSubject(t *testing.T) {
	subject, err := sendSubject("nats://localhost:4222/Greet")
	require.NoError(t, err)
	assert.Equal(t, "cmd.Greet", subject)

	inbox := nats.NewInbox()
	subject, err = sendSubject("nats://localhost:4222/" + inbox)
	require.NoError(t, err)
	assert.Equal(t, inbox, subject)

	_, err = sendSubject("nats://localhost:4222/")
	assert.ErrorIs(t, err, transport.ErrInvalidAddress)
}

func TestNatsMsg_EncodesCloudEvent(t *testing.T) {
	c := &Connection{config: Config{}.applyDefaults()}
	m, err := c.natsMsg("cmd.Greet", message.New([]byte(`{"name":"Ada"}`), message.Attributes{
		message.AttrType:            "Greet",
		message.AttrDataContentType: "application/json",
	}))
	require.NoError(t, err)
	assert.Equal(t, "cmd.Greet", m.Subject)
	assert.Equal(t, message.CloudEventsContentType, m.Header.Get(headerType))

	decoded, err := c.config.Codec.Decode(m.Data)
	require.NoError(t, err)
	assert.Equal(t, "Greet", decoded.Type())
	assert.JSONEq(t, `{"name":"Ada"}`, string(decoded.Data))
}

func TestOptions_Credentials(t *testing.T) {
	without := New(Config{URL: "nats://localhost:4222"}).options()
	with := New(Config{URL: "nats://localhost:4222", Username: "svc", Password: "pw"}).options()
	assert.Len(t, with, len(without)+1)
}

func TestOpen_RejectsUnnamedEndpointBeforeSubscribing(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := &Connection{
		config:  Config{Concurrency: 4}.applyDefaults(),
		pending: transport.NewPending(),
		life:    transport.NewLifecycle(),
	}
	handler := func(context.Context, *message.Message) ([]*message.Message, error) { return nil, nil }
	err := c.open(transport.Topology{Endpoints: []transport.Endpoint{
		{Name: "Greet", Kind: transport.KindCommand, Types: []string{"Greet"}, Handler: handler},
		{Address: "nats://localhost:4222/", Handler: handler},
	}})
	assert.ErrorIs(t, err, transport.ErrInvalidAddress)
	assert.Empty(t, c.subs)
}
