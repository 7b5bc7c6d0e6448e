package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/observer"
)

func greet() *message.Message {
	return message.New(nil, message.Attributes{message.AttrType: "Greet"})
}

func TestObserver_SendAndPublish(t *testing.T) {
	o := New(prometheus.NewRegistry())
	ctx := context.Background()

	o.PostSend(ctx, "loopback://localhost/Greet", greet())
	o.PostSend(ctx, "loopback://localhost/Greet", greet())
	o.SendFault(ctx, "loopback://localhost/Greet", greet(), errors.New("closed"))
	o.PostPublish(ctx, greet())

	assert.InDelta(t, 2, testutil.ToFloat64(o.sent.WithLabelValues("Greet", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.sent.WithLabelValues("Greet", "failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.published.WithLabelValues("Greet", "success")), 0)
}

func TestObserver_ReceiveTracksInFlight(t *testing.T) {
	o := New(prometheus.NewRegistry())
	ctx := context.Background()

	o.PreReceive(ctx, "Greet", greet())
	assert.InDelta(t, 1, testutil.ToFloat64(o.inFlight.WithLabelValues("Greet")), 0)

	o.ReceiveFault(ctx, "Greet", greet(), time.Millisecond, errors.New("boom"))
	assert.InDelta(t, 0, testutil.ToFloat64(o.inFlight.WithLabelValues("Greet")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(o.received.WithLabelValues("Greet", "failure")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(o.receiveDuration))
}

func TestObserver_ConsumeAndLifecycle(t *testing.T) {
	o := New(prometheus.NewRegistry())
	ctx := context.Background()
	c := observer.Consumer{Endpoint: "Greet", MessageType: "Greet"}

	o.ConsumeFault(ctx, c, greet(), time.Millisecond, errors.New("boom"))
	o.PostConsume(ctx, c, greet(), time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(o.consumed.WithLabelValues("Greet", "Greet", "failure")), 0)

	o.PostStart(ctx)
	assert.InDelta(t, 1, testutil.ToFloat64(o.running), 0)
	o.PostStop(ctx)
	assert.InDelta(t, 0, testutil.ToFloat64(o.running), 0)

	o.StartFaulted(ctx, errors.New("boom"))
	assert.InDelta(t, 1, testutil.ToFloat64(o.lifecycleFaults.WithLabelValues("start")), 0)
}

func TestNew_RegistersOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(reg)
	o.PostStart(context.Background())

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "cqrsbus_running")
}
