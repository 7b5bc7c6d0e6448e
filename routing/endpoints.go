package routing

import (
	"reflect"

	"github.com/fxsml/cqrsbus/cqrs"
	"github.com/fxsml/cqrsbus/message"
	"github.com/fxsml/cqrsbus/transport"
)

// Group is one receive endpoint and the registrations bound to it.
type Group struct {
	Name          string
	Address       string
	Kind          transport.Kind
	Registrations []cqrs.Registration
}

// Types returns the message type names consumed by the group in
// registration order without duplicates. Fault handlers consume the fault
// type of their message.
func (g Group) Types(naming message.NamingStrategy) []string {
	var types []string
	seen := make(map[string]struct{})
	for _, r := range g.Registrations {
		name := ConsumedType(r, naming)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		types = append(types, name)
	}
	return types
}

// ConsumedType returns the type name of the messages r consumes.
func ConsumedType(r cqrs.Registration, naming message.NamingStrategy) string {
	name := typeName(naming, r.MessageType())
	if r.Role() == cqrs.RoleFaultHandler {
		return message.FaultTypeName(name)
	}
	return name
}

// Endpoints groups registrations into receive endpoints under base.
//
// Event listeners and fault handlers are grouped by implementation type, so
// one listener consuming several events owns a single endpoint. Command
// handlers are grouped by message type, so a command has one endpoint no
// matter how many handlers it has. Listener groups come first, each kind
// ordered by first appearance in regs.
func Endpoints(regs []cqrs.Registration, base string, naming message.NamingStrategy) []Group {
	var listeners, commands []Group
	listenerIdx := make(map[reflect.Type]int)
	commandIdx := make(map[reflect.Type]int)

	for _, r := range regs {
		if r.Role() == cqrs.RoleCommandHandler {
			commands = appendGroup(commands, commandIdx, r.MessageType(), r, base, naming, transport.KindCommand)
		} else {
			listeners = appendGroup(listeners, listenerIdx, r.ImplementationType(), r, base, naming, transport.KindSubscriber)
		}
	}
	return append(listeners, commands...)
}

func appendGroup(groups []Group, idx map[reflect.Type]int, key reflect.Type, r cqrs.Registration, base string, naming message.NamingStrategy, kind transport.Kind) []Group {
	if key == nil {
		return groups
	}
	if i, ok := idx[key]; ok {
		groups[i].Registrations = append(groups[i].Registrations, r)
		return groups
	}
	name := typeName(naming, key)
	idx[key] = len(groups)
	return append(groups, Group{
		Name:          name,
		Address:       Address(base, name),
		Kind:          kind,
		Registrations: []cqrs.Registration{r},
	})
}
