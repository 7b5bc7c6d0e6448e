package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/fxsml/cqrsbus/cqrs"
	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/observer"
	"github.com/fxsml/cqrsbus/retry"
	"github.com/fxsml/cqrsbus/routing"
	"github.com/fxsml/cqrsbus/transport/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const brokerURI = "amqp://host"

type Greet struct{ Name string }

type Greeting struct{ Text string }

type Greeted struct{ Name string }

type Farewell struct{ Name string }

type GreetHandler struct {
	got chan Greet
}

func (h *GreetHandler) Handle(ctx context.Context, cmd Greet) error {
	h.got <- cmd
	return nil
}

type GreetingHandler struct{}

func (GreetingHandler) Handle(_ context.Context, cmd Greet) (Greeting, error) {
	if cmd.Name == "" {
		return Greeting{}, errors.New("name is required")
	}
	return Greeting{Text: "Hello, " + cmd.Name}, nil
}

type AuditLog struct {
	got chan any
}

func (a *AuditLog) Greeted(_ context.Context, evt Greeted) error {
	a.got <- evt
	return nil
}

func (a *AuditLog) Farewell(_ context.Context, evt Farewell) error {
	a.got <- evt
	return nil
}

type Mailer struct {
	got chan Greeted
}

func (m *Mailer) Handle(_ context.Context, evt Greeted) error {
	m.got <- evt
	return nil
}

// instances resolves implementation types to the given values.
func instances(vs ...any) cqrs.Resolver {
	return cqrs.ResolverFunc(func(t reflect.Type) (any, error) {
		for _, v := range vs {
			if reflect.TypeOf(v) == t {
				return v, nil
			}
		}
		return nil, cqrs.ErrNotRegistered
	})
}

func brokerOptions(vs ...any) Options {
	return Options{
		Mode:      ModeBroker,
		BrokerURI: brokerURI,
		Transport: memory.New(memory.Config{Root: brokerURI}),
		Resolver:  instances(vs...),
	}
}

// startBus starts a bus and stops it when the test ends.
func startBus(t *testing.T, m *cqrs.Manager, opts Options) *Bus {
	t.Helper()
	b, err := New(m, opts)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		if b.State() == StateRunning {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			assert.NoError(t, b.Stop(ctx))
		}
	})
	return b
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
		panic("unreachable")
	}
}

func assertNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGreetEndToEnd(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.RegisterCommandHandler[Greet, *GreetHandler](m))

	h := &GreetHandler{got: make(chan Greet, 4)}
	c := cqrs.NewContainer()
	cqrs.Instance(c, h)

	// Loopback mode without a loopback transport is rejected.
	opts := Options{Mode: ModeLoopback, Resolver: c}
	b, err := New(m, opts)
	require.NoError(t, err)
	err = b.Start(context.Background())
	require.ErrorIs(t, err, ErrUnsupportedMode)
	assert.Equal(t, StateUnstarted, b.State())

	// The same registrations start in broker mode.
	opts = brokerOptions()
	opts.Resolver = c
	b = startBus(t, m, opts)
	assert.Equal(t, StateRunning, b.State())

	require.NoError(t, b.Send(context.Background(), Greet{Name: "Ada"}))
	assert.Equal(t, Greet{Name: "Ada"}, receive(t, h.got))
	assertNothing(t, h.got)

	groups := b.Endpoints()
	require.Len(t, groups, 1)
	assert.Equal(t, "amqp://host/Greet", groups[0].Address)

	addr, err := b.Address(reflect.TypeFor[Greet]())
	require.NoError(t, err)
	assert.Equal(t, groups[0].Address, addr)
}

func TestLoopbackMode(t *testing.T) {
	m := cqrs.NewManager()
	h := &GreetHandler{got: make(chan Greet, 1)}
	require.NoError(t, cqrs.HandleCommand(m, (*GreetHandler).Handle))

	b := startBus(t, m, Options{
		Mode:     ModeLoopback,
		Loopback: memory.New(memory.Config{}),
		Resolver: instances(h),
	})

	require.NoError(t, b.Send(context.Background(), Greet{Name: "Grace"}))
	assert.Equal(t, "Grace", receive(t, h.got).Name)
	assert.Equal(t, routing.LoopbackRoot+"/Greet", b.Endpoints()[0].Address)
}

func TestStateErrors(t *testing.T) {
	ctx := context.Background()
	b, err := New(nil, brokerOptions())
	require.NoError(t, err)

	err = b.Send(ctx, Greet{})
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, err, ErrInvalidState)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "send", stateErr.Op)
	assert.Equal(t, StateUnstarted, stateErr.State)

	require.ErrorIs(t, b.Publish(ctx, Greeted{}), ErrNotRunning)
	_, err = Request[Greeting](ctx, b, Greet{})
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, b.Stop(ctx), ErrInvalidState)

	require.NoError(t, b.Start(ctx))
	err = b.Start(ctx)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.NotErrorIs(t, err, ErrNotRunning)

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, StateStopped, b.State())

	require.ErrorIs(t, b.Send(ctx, Greet{}), ErrNotRunning)
	require.ErrorIs(t, b.Publish(ctx, Greeted{}), ErrNotRunning)
	require.ErrorIs(t, b.Start(ctx), ErrInvalidState)
	require.ErrorIs(t, b.Stop(ctx), ErrInvalidState)
}

func TestStartWithoutHandlers(t *testing.T) {
	b := startBus(t, cqrs.NewManager(), brokerOptions())
	assert.Empty(t, b.Endpoints())
}

func TestStartSealsManager(t *testing.T) {
	m := cqrs.NewManager()
	startBus(t, m, brokerOptions())
	assert.ErrorIs(t, cqrs.RegisterCommandHandler[Greet, *GreetHandler](m), cqrs.ErrSealed)
}

func TestStartResolutionError(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.RegisterCommandHandler[Greet, *GreetHandler](m))

	b, err := New(m, brokerOptions())
	require.NoError(t, err)

	err = b.Start(context.Background())
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, reflect.TypeFor[*GreetHandler](), resErr.Type)
	assert.Equal(t, "Greet", resErr.Endpoint)
	assert.ErrorIs(t, err, cqrs.ErrNotRegistered)
	assert.Equal(t, StateUnstarted, b.State())
}

func TestStartRejectsWrongInstanceType(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.RegisterCommandHandler[Greet, *GreetHandler](m))

	opts := brokerOptions()
	opts.Resolver = cqrs.ResolverFunc(func(reflect.Type) (any, error) { return &Mailer{}, nil })
	b, err := New(m, opts)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Start(context.Background()), cqrs.ErrInstanceType)
}

func TestStartRejectsUnnamedTypes(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.HandleCommand(m, func(*GreetHandler, context.Context, struct{ X int }) error { return nil }))

	b, err := New(m, brokerOptions(&GreetHandler{}))
	require.NoError(t, err)
	require.ErrorIs(t, b.Start(context.Background()), ErrInvalidMessageType)
	assert.Equal(t, StateUnstarted, b.State())
	assert.False(t, m.Sealed())

	m = cqrs.NewManager()
	require.NoError(t, cqrs.ListenEvent(m, func(struct{}, context.Context, Greeted) error { return nil }))
	b, err = New(m, brokerOptions(struct{}{}))
	require.NoError(t, err)
	require.ErrorIs(t, b.Start(context.Background()), ErrInvalidMessageType)
}

func TestUnnamedMessageRejected(t *testing.T) {
	ctx := context.Background()
	h := &GreetHandler{got: make(chan Greet, 1)}
	m := cqrs.NewManager()
	require.NoError(t, cqrs.HandleCommand(m, (*GreetHandler).Handle))
	b := startBus(t, m, brokerOptions(h))

	anonymous := struct{ X int }{X: 1}
	assert.ErrorIs(t, b.Send(ctx, anonymous), ErrInvalidMessageType)
	assert.ErrorIs(t, b.Publish(ctx, anonymous), ErrInvalidMessageType)
	_, err := Request[Greeting](ctx, b, anonymous)
	assert.ErrorIs(t, err, ErrInvalidMessageType)
	assertNothing(t, h.got)
}

func TestEndpointsReturnsCopy(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.HandleCommand(m, (*GreetHandler).Handle))
	b := startBus(t, m, brokerOptions(&GreetHandler{}))

	groups := b.Endpoints()
	require.Len(t, groups, 1)
	groups[0].Name = "Changed"
	assert.Equal(t, "Greet", b.Endpoints()[0].Name)
}

func TestRequest(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.RegisterRequestHandler[Greet, Greeting, GreetingHandler](m))
	c := cqrs.NewContainer()
	cqrs.Instance(c, GreetingHandler{})

	opts := brokerOptions()
	opts.Resolver = c
	b := startBus(t, m, opts)

	g, ctx := errgroup.WithContext(context.Background())
	for i := range 10 {
		g.Go(func() error {
			name := fmt.Sprintf("caller-%d", i)
			res, err := Request[Greeting](ctx, b, Greet{Name: name})
			if err != nil {
				return err
			}
			if res.Text != "Hello, "+name {
				return fmt.Errorf("reply %q delivered to %s", res.Text, name)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestRequestFault(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.RegisterRequestHandler[Greet, Greeting, GreetingHandler](m))
	faults := make(chan cqrs.Fault[Greet], 1)
	require.NoError(t, cqrs.FaultFunc(m, func(_ context.Context, f cqrs.Fault[Greet]) error {
		faults <- f
		return nil
	}))
	c := cqrs.NewContainer()
	cqrs.Instance(c, GreetingHandler{})

	opts := brokerOptions()
	opts.Resolver = c
	b := startBus(t, m, opts)

	_, err := Request[Greeting](context.Background(), b, Greet{})
	var faultErr *RequestFaultError
	require.ErrorAs(t, err, &faultErr)
	assert.Equal(t, "Greet", faultErr.RequestType)
	assert.Contains(t, faultErr.Reason, "name is required")

	f := receive(t, faults)
	assert.Equal(t, "Greet", f.MessageType)
	assert.Equal(t, "Greet", f.Endpoint)
	assert.NotEmpty(t, f.FaultID)
	require.Len(t, f.Exceptions, 1)
	assert.Equal(t, "name is required", f.Exceptions[0].Message)
}

func TestRequestTimeout(t *testing.T) {
	opts := brokerOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	b := startBus(t, cqrs.NewManager(), opts)

	_, err := Request[Greeting](context.Background(), b, Greet{Name: "nobody"})
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrInvalidState)
}

func TestRequestDefaultTimeout(t *testing.T) {
	b, err := New(nil, brokerOptions())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, b.opts.RequestTimeout)
}

func TestRequestCanceled(t *testing.T) {
	b := startBus(t, cqrs.NewManager(), brokerOptions())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := Request[Greeting](ctx, b, Greet{Name: "nobody"})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRequestTimeout)
}

func TestPublish(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.ListenEvent(m, (*AuditLog).Greeted))
	require.NoError(t, cqrs.ListenEvent(m, (*AuditLog).Farewell))
	require.NoError(t, cqrs.RegisterEventListener[Greeted, *Mailer](m))

	audit := &AuditLog{got: make(chan any, 4)}
	mailer := &Mailer{got: make(chan Greeted, 4)}
	c := cqrs.NewContainer()
	cqrs.Instance(c, audit)
	cqrs.Instance(c, mailer)

	opts := brokerOptions()
	opts.Resolver = c
	b := startBus(t, m, opts)

	groups := b.Endpoints()
	require.Len(t, groups, 2)
	assert.Equal(t, "AuditLog", groups[0].Name)
	assert.Len(t, groups[0].Registrations, 2)
	assert.Equal(t, "Mailer", groups[1].Name)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, Greeted{Name: "Ada"}))
	assert.Equal(t, Greeted{Name: "Ada"}, receive(t, audit.got))
	assert.Equal(t, Greeted{Name: "Ada"}, receive(t, mailer.got))

	require.NoError(t, b.PublishAs(ctx, &Farewell{Name: "Ada"}, reflect.TypeFor[Farewell]()))
	assert.Equal(t, Farewell{Name: "Ada"}, receive(t, audit.got))
	assertNothing(t, mailer.got)
}

func TestPublishWithoutListeners(t *testing.T) {
	b := startBus(t, cqrs.NewManager(), brokerOptions())
	assert.NoError(t, b.Publish(context.Background(), Greeted{Name: "nobody"}))
}

func TestCommandFanIn(t *testing.T) {
	m := cqrs.NewManager()
	first := &GreetHandler{got: make(chan Greet, 1)}
	second := &Mailer{got: make(chan Greeted, 1)}
	require.NoError(t, cqrs.HandleCommand(m, (*GreetHandler).Handle))
	require.NoError(t, cqrs.HandleCommand(m, func(h *Mailer, _ context.Context, cmd Greet) error {
		h.got <- Greeted(cmd)
		return nil
	}))

	b := startBus(t, m, brokerOptions(first, second))
	require.Len(t, b.Endpoints(), 1)

	require.NoError(t, b.Send(context.Background(), Greet{Name: "Ada"}))
	receive(t, first.got)
	receive(t, second.got)
}

type flaky struct {
	calls    atomic.Int32
	failures int32
	done     chan struct{}
}

func (f *flaky) Handle(context.Context, Greet) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("temporary")
	}
	close(f.done)
	return nil
}

func TestRetry(t *testing.T) {
	m := cqrs.NewManager()
	h := &flaky{failures: 2, done: make(chan struct{})}
	require.NoError(t, cqrs.HandleCommand(m, (*flaky).Handle))

	opts := brokerOptions(h)
	opts.Retry = &retry.Config{MaxAttempts: 3, Backoff: retry.ConstantBackoff(time.Millisecond, 0)}
	b := startBus(t, m, opts)

	require.NoError(t, b.Send(context.Background(), Greet{}))
	receive(t, h.done)
	assert.Equal(t, int32(3), h.calls.Load())
}

func TestFaultAfterRetries(t *testing.T) {
	m := cqrs.NewManager()
	h := &flaky{failures: 100, done: make(chan struct{})}
	require.NoError(t, cqrs.HandleCommand(m, (*flaky).Handle))
	faults := make(chan cqrs.Fault[Greet], 2)
	require.NoError(t, cqrs.FaultFunc(m, func(_ context.Context, f cqrs.Fault[Greet]) error {
		faults <- f
		return nil
	}))

	opts := brokerOptions(h)
	opts.Retry = &retry.Config{MaxAttempts: 2, Backoff: retry.ConstantBackoff(time.Millisecond, 0)}
	b := startBus(t, m, opts)

	require.NoError(t, b.Send(context.Background(), Greet{Name: "Ada"}))
	f := receive(t, faults)
	assert.Equal(t, "Ada", f.Message.Name)
	assert.Equal(t, int32(2), h.calls.Load())
	assertNothing(t, faults)
}

func TestHandlerPanic(t *testing.T) {
	m := cqrs.NewManager()
	require.NoError(t, cqrs.HandleRequest(m, func(GreetingHandler, context.Context, Greet) (Greeting, error) {
		panic("boom")
	}))
	c := cqrs.NewContainer()
	cqrs.Instance(c, GreetingHandler{})

	opts := brokerOptions()
	opts.Resolver = c
	b := startBus(t, m, opts)

	_, err := Request[Greeting](context.Background(), b, Greet{Name: "Ada"})
	var faultErr *RequestFaultError
	require.ErrorAs(t, err, &faultErr)
	assert.Contains(t, faultErr.Reason, "panic recovered: boom")
}

func TestHandlerSeesMessageAttributes(t *testing.T) {
	m := cqrs.NewManager()
	types := make(chan string, 1)
	require.NoError(t, cqrs.HandleCommand(m, func(_ *GreetHandler, ctx context.Context, _ Greet) error {
		typ, _ := message.AttributesFromContext(ctx).Type()
		types <- typ
		return nil
	}))

	b := startBus(t, m, brokerOptions(&GreetHandler{}))
	require.NoError(t, b.Send(context.Background(), Greet{}))
	assert.Equal(t, "Greet", receive(t, types))
}

func TestStopWaitsForHandlers(t *testing.T) {
	m := cqrs.NewManager()
	started := make(chan struct{})
	require.NoError(t, cqrs.HandleCommand(m, func(_ *GreetHandler, ctx context.Context, _ Greet) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	b, err := New(m, brokerOptions(&GreetHandler{}))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Send(context.Background(), Greet{}))
	receive(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, b.State())
}

type recorder struct {
	observer.Base
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) PreStart(context.Context)  { r.add("pre-start") }
func (r *recorder) PostStart(context.Context) { r.add("post-start") }
func (r *recorder) PreStop(context.Context)   { r.add("pre-stop") }
func (r *recorder) PostStop(context.Context)  { r.add("post-stop") }

func (r *recorder) PostSend(_ context.Context, address string, _ *message.Message) {
	r.add("send " + address)
}

func (r *recorder) PostReceive(_ context.Context, endpoint string, _ *message.Message, _ time.Duration) {
	r.add("receive " + endpoint)
}

func (r *recorder) PostConsume(_ context.Context, c observer.Consumer, _ *message.Message, _ time.Duration) {
	r.add("consume " + c.Implementation)
}

func TestObservers(t *testing.T) {
	m := cqrs.NewManager()
	h := &GreetHandler{got: make(chan Greet, 1)}
	require.NoError(t, cqrs.HandleCommand(m, (*GreetHandler).Handle))

	rec := &recorder{}
	opts := brokerOptions(h)
	opts.Observers = []any{rec}
	b, err := New(m, opts)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Send(ctx, Greet{}))
	receive(t, h.got)
	require.NoError(t, b.Stop(ctx))

	events := rec.Events()
	require.Len(t, events, 7)
	assert.Equal(t, []string{"pre-start", "post-start"}, events[:2])
	// The send may complete after the consumer did.
	assert.ElementsMatch(t, []string{
		"send amqp://host/Greet",
		"consume GreetHandler",
		"receive Greet",
	}, events[2:5])
	assert.Equal(t, []string{"pre-stop", "post-stop"}, events[5:])
}

func TestNewRejectsUnknownObserver(t *testing.T) {
	_, err := New(nil, Options{Observers: []any{struct{}{}}})
	assert.Error(t, err)
}

func TestStateErrorMatching(t *testing.T) {
	tests := []struct {
		err            *StateError
		notRunning     bool
		alreadyStarted bool
	}{
		{&StateError{Op: "send", State: StateUnstarted}, true, false},
		{&StateError{Op: "send", State: StateStopped}, true, false},
		{&StateError{Op: "start", State: StateRunning}, false, true},
		{&StateError{Op: "start", State: StateStopped}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.ErrorIs(t, tt.err, ErrInvalidState)
			assert.Equal(t, tt.notRunning, errors.Is(tt.err, ErrNotRunning))
			assert.Equal(t, tt.alreadyStarted, errors.Is(tt.err, ErrAlreadyStarted))
		})
	}
}
