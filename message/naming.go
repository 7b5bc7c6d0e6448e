package message

import (
	"reflect"
	"strings"
	"unicode"
)

// NamingStrategy derives message type names from Go types.
// The name is both the type attribute of a message and the last segment of
// the address it is sent to, so senders and receivers must agree on it.
type NamingStrategy interface {
	TypeName(t reflect.Type) string
}

// SimpleNaming uses the simple Go type name.
// Example: CreateOrder → "CreateOrder"
var SimpleNaming NamingStrategy = simpleNaming{}

// KebabNaming lowercases the simple name and separates words with dots,
// so OrderCreated becomes "order.created".
var KebabNaming NamingStrategy = kebabNaming{}

// SnakeNaming separates words with underscores: "order_created".
var SnakeNaming NamingStrategy = snakeNaming{}

type simpleNaming struct{}

func (simpleNaming) TypeName(t reflect.Type) string {
	return SimpleName(t)
}

type kebabNaming struct{}

func (kebabNaming) TypeName(t reflect.Type) string {
	return splitPascalCase(SimpleName(t), ".")
}

type snakeNaming struct{}

func (snakeNaming) TypeName(t reflect.Type) string {
	return splitPascalCase(SimpleName(t), "_")
}

// SimpleName returns the unqualified name of t.
// Pointer types are dereferenced and type arguments of generic types are
// dropped, so *Fault[orders.CreateOrder] yields "Fault".
// Returns "" for nil and unnamed types.
func SimpleName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

// TypeNameOf returns the name naming derives for the dynamic type of v.
// A nil naming uses SimpleNaming.
func TypeNameOf(naming NamingStrategy, v any) string {
	if naming == nil {
		naming = SimpleNaming
	}
	return naming.TypeName(reflect.TypeOf(v))
}

// FaultTypeName returns the type name of faults raised for messageType.
func FaultTypeName(messageType string) string {
	return "Fault." + messageType
}

// splitPascalCase lowercases s and inserts sep before every inner
// upper-case letter.
func splitPascalCase(s string, sep string) string {
	var b strings.Builder
	b.Grow(len(s) + 2*len(sep))
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteString(sep)
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
