package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/cqrsbus/bus"
	"github.com/fxsml/cqrsbus/config"
)

func startServer(t *testing.T) (*bus.Bus, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Loopback = true
	cfg.RequestTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())

	reg := prometheus.NewRegistry()
	b, err := newServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, b.Stop(ctx))
	})
	return b, reg
}

func TestGreeterEndpoints(t *testing.T) {
	b, _ := startServer(t)

	var names []string
	for _, g := range b.Endpoints() {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"Journal", "Greet"}, names)
}

func TestGreeterRequest(t *testing.T) {
	b, reg := startServer(t)

	g, err := bus.Request[Greeting](context.Background(), b, Greet{Name: " Ada "})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", g.Text)

	n, err := testutil.GatherAndCount(reg, "cqrsbus_sent_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestGreeterRequestFault(t *testing.T) {
	b, _ := startServer(t)

	_, err := bus.Request[Greeting](context.Background(), b, Greet{})
	var faultErr *bus.RequestFaultError
	require.ErrorAs(t, err, &faultErr)
	assert.Contains(t, faultErr.Reason, errNoName.Error())
}
