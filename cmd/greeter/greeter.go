package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fxsml/cqrsbus/cqrs"
)

// Greet asks for a greeting.
type Greet struct {
	Name string `json:"name"`
}

// Greeting answers Greet.
type Greeting struct {
	Text string `json:"text"`
}

// Greeted is published for every greeting.
type Greeted struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

var errNoName = errors.New("name is required")

type publisher interface {
	Publish(ctx context.Context, evt any) error
}

// GreetHandler handles Greet and announces the greeting.
type GreetHandler struct {
	Salutation string
	Events     publisher
}

func (h *GreetHandler) Handle(ctx context.Context, cmd Greet) (Greeting, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Greeting{}, errNoName
	}
	g := Greeting{Text: fmt.Sprintf("%s, %s!", h.Salutation, name)}
	if err := h.Events.Publish(ctx, Greeted{Name: name, Text: g.Text}); err != nil {
		return Greeting{}, err
	}
	return g, nil
}

// Journal logs greetings and failed greets.
type Journal struct {
	Logger *slog.Logger
}

func (j *Journal) Greeted(_ context.Context, evt Greeted) error {
	j.Logger.Info("Greeted", "name", evt.Name, "text", evt.Text)
	return nil
}

func (j *Journal) HandleFault(_ context.Context, f cqrs.Fault[Greet]) error {
	j.Logger.Warn("Greet failed",
		"name", f.Message.Name,
		"fault_id", f.FaultID,
		"error", f.Err())
	return nil
}

// register adds the greeter handlers to m and their instances to c.
func register(m *cqrs.Manager, c *cqrs.Container, events publisher, logger *slog.Logger) error {
	cqrs.Instance(c, &GreetHandler{Salutation: "Hello", Events: events})
	cqrs.Instance(c, &Journal{Logger: logger})

	return errors.Join(
		cqrs.RegisterRequestHandler[Greet, Greeting, *GreetHandler](m),
		cqrs.ListenEvent(m, (*Journal).Greeted),
		cqrs.RegisterFaultHandler[Greet, *Journal](m),
	)
}
