package cqrs

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrNotRegistered is returned when no provider exists for a type.
var ErrNotRegistered = errors.New("cqrs: type not registered")

// Resolver returns handler instances for implementation types.
type Resolver interface {
	Resolve(t reflect.Type) (any, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(t reflect.Type) (any, error)

// Resolve calls f(t).
func (f ResolverFunc) Resolve(t reflect.Type) (any, error) {
	return f(t)
}

// Container is a minimal Resolver keyed by implementation type.
// Providers run on every Resolve call; the bus resolves each registration
// once at start.
type Container struct {
	mu        sync.RWMutex
	providers map[reflect.Type]func() (any, error)
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{providers: make(map[reflect.Type]func() (any, error))}
}

// Provide registers a constructor for T, replacing any previous one.
func Provide[T any](c *Container, fn func() (T, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[reflect.TypeFor[T]()] = func() (any, error) {
		return fn()
	}
}

// Instance registers a fixed value for T.
func Instance[T any](c *Container, v T) {
	Provide(c, func() (T, error) { return v, nil })
}

// Resolve constructs an instance of t.
func (c *Container) Resolve(t reflect.Type) (any, error) {
	c.mu.RLock()
	fn, ok := c.providers[t]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotRegistered, t)
	}
	return fn()
}

var (
	_ Resolver = (*Container)(nil)
	_ Resolver = ResolverFunc(nil)
)
