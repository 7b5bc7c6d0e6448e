package cqrs

import (
	"errors"
	"slices"
	"sync"
)

// ErrSealed is returned when a handler is registered after the bus started.
var ErrSealed = errors.New("cqrs: handler manager is sealed")

// Manager is the in-memory registry of handler registrations.
// It is populated during application wiring and read once when the bus
// starts. Registration order is preserved and no uniqueness is enforced:
// duplicate registrations for one message type are all bound.
type Manager struct {
	mu              sync.RWMutex
	commandHandlers []Registration
	eventListeners  []Registration
	sealed          bool
}

// NewManager creates an empty handler manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends r to the collection of its role.
// Fault handlers are stored with the event listeners.
func (m *Manager) Register(r Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrSealed
	}
	if r.role == RoleCommandHandler {
		m.commandHandlers = append(m.commandHandlers, r)
	} else {
		m.eventListeners = append(m.eventListeners, r)
	}
	return nil
}

// Seal makes the manager read-only. Later calls to Register fail with ErrSealed.
func (m *Manager) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (m *Manager) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

// CommandHandlers returns the command handler registrations in order.
func (m *Manager) CommandHandlers() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.commandHandlers)
}

// EventListeners returns the event listener and fault handler registrations in order.
func (m *Manager) EventListeners() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.eventListeners)
}

// All returns the command handlers followed by the event listeners.
func (m *Manager) All() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Concat(m.commandHandlers, m.eventListeners)
}
