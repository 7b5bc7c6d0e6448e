// Package prom exports bus observations as Prometheus metrics.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/observer"
)

const namespace = "cqrsbus"

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Observer implements every observer interface by updating metrics.
type Observer struct {
	sent            *prometheus.CounterVec
	published       *prometheus.CounterVec
	received        *prometheus.CounterVec
	receiveDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	consumed        *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	running         prometheus.Gauge
	lifecycleFaults *prometheus.CounterVec
}

// New registers the bus metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_total",
			Help:      "Messages sent to an endpoint address, by message type and result.",
		}, []string{"type", "result"}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published, by message type and result.",
		}, []string{"type", "result"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_total",
			Help:      "Messages delivered to a receive endpoint, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		receiveDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receive_duration_seconds",
			Help:      "Time spent processing a delivered message, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Messages currently being processed per endpoint.",
		}, []string{"endpoint"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_attempts_total",
			Help:      "Handler attempts, by endpoint, message type and result.",
		}, []string{"endpoint", "type", "result"}),
		consumeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consume_duration_seconds",
			Help:      "Duration of a single handler attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "type"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while the bus is running.",
		}),
		lifecycleFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_faults_total",
			Help:      "Failed bus starts and stops.",
		}, []string{"phase"}),
	}
}

func (o *Observer) PreSend(context.Context, string, *message.Message) {}

func (o *Observer) PostSend(_ context.Context, _ string, msg *message.Message) {
	o.sent.WithLabelValues(msg.Type(), resultSuccess).Inc()
}

func (o *Observer) SendFault(_ context.Context, _ string, msg *message.Message, _ error) {
	o.sent.WithLabelValues(msg.Type(), resultFailure).Inc()
}

func (o *Observer) PrePublish(context.Context, *message.Message) {}

func (o *Observer) PostPublish(_ context.Context, msg *message.Message) {
	o.published.WithLabelValues(msg.Type(), resultSuccess).Inc()
}

func (o *Observer) PublishFault(_ context.Context, msg *message.Message, _ error) {
	o.published.WithLabelValues(msg.Type(), resultFailure).Inc()
}

func (o *Observer) PreReceive(_ context.Context, endpoint string, _ *message.Message) {
	o.inFlight.WithLabelValues(endpoint).Inc()
}

func (o *Observer) PostReceive(_ context.Context, endpoint string, _ *message.Message, elapsed time.Duration) {
	o.doneReceive(endpoint, resultSuccess, elapsed)
}

func (o *Observer) ReceiveFault(_ context.Context, endpoint string, _ *message.Message, elapsed time.Duration, _ error) {
	o.doneReceive(endpoint, resultFailure, elapsed)
}

func (o *Observer) doneReceive(endpoint, result string, elapsed time.Duration) {
	o.inFlight.WithLabelValues(endpoint).Dec()
	o.received.WithLabelValues(endpoint, result).Inc()
	o.receiveDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (o *Observer) PreConsume(context.Context, observer.Consumer, *message.Message) {}

func (o *Observer) PostConsume(_ context.Context, c observer.Consumer, _ *message.Message, elapsed time.Duration) {
	o.consumed.WithLabelValues(c.Endpoint, c.MessageType, resultSuccess).Inc()
	o.consumeDuration.WithLabelValues(c.Endpoint, c.MessageType).Observe(elapsed.Seconds())
}

func (o *Observer) ConsumeFault(_ context.Context, c observer.Consumer, _ *message.Message, elapsed time.Duration, _ error) {
	o.consumed.WithLabelValues(c.Endpoint, c.MessageType, resultFailure).Inc()
	o.consumeDuration.WithLabelValues(c.Endpoint, c.MessageType).Observe(elapsed.Seconds())
}

func (o *Observer) PreStart(context.Context) {}

func (o *Observer) PostStart(context.Context) {
	o.running.Set(1)
}

func (o *Observer) StartFaulted(context.Context, error) {
	o.lifecycleFaults.WithLabelValues("start").Inc()
}

func (o *Observer) PreStop(context.Context) {}

func (o *Observer) PostStop(context.Context) {
	o.running.Set(0)
}

func (o *Observer) StopFaulted(context.Context, error) {
	o.running.Set(0)
	o.lifecycleFaults.WithLabelValues("stop").Inc()
}

var (
	_ observer.SendObserver    = (*Observer)(nil)
	_ observer.PublishObserver = (*Observer)(nil)
	_ observer.ReceiveObserver = (*Observer)(nil)
	_ observer.ConsumeObserver = (*Observer)(nil)
	_ observer.BusObserver     = (*Observer)(nil)
)
