package routing

import (
	"reflect"
	"strings"

	"github.com/fxsml/cqrsbus/message"
)

// LoopbackRoot is the base address of in-process endpoints.
const LoopbackRoot = "loopback://localhost"

// Address joins base and name into an endpoint address.
// A trailing slash on base is ignored.
func Address(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}

// AddressOf returns the address of the endpoint for message type t.
// A nil naming strategy uses message.SimpleNaming.
func AddressOf(base string, t reflect.Type, naming message.NamingStrategy) string {
	return Address(base, typeName(naming, t))
}

// BaseURI returns LoopbackRoot in loopback mode and brokerURI otherwise.
func BaseURI(loopback bool, brokerURI string) string {
	if loopback {
		return LoopbackRoot
	}
	return brokerURI
}

// EndpointName returns the last path segment of address. It is empty when
// the address has no path or ends in a slash. The authority is skipped
// without parsing, so multi-server URLs such as
// "nats://a:4222,nats://b:4222/Greet" are accepted.
func EndpointName(address string) string {
	path := address
	if i := strings.LastIndex(path, "://"); i >= 0 {
		path = path[i+len("://"):]
		j := strings.IndexByte(path, '/')
		if j < 0 {
			return ""
		}
		path = path[j:]
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func typeName(naming message.NamingStrategy, t reflect.Type) string {
	if naming == nil {
		naming = message.SimpleNaming
	}
	return naming.TypeName(t)
}
