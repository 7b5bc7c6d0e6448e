package transport

import "context"

type contextKey string

const connectionKey contextKey = "transport.connection"

// ContextWithConnection stores the receiving connection in ctx.
// Transports call it before invoking an endpoint handler so handlers can
// publish follow-up messages on the same connection.
func ContextWithConnection(ctx context.Context, conn Connection) context.Context {
	return context.WithValue(ctx, connectionKey, conn)
}

// ConnectionFromContext returns the connection stored by ContextWithConnection.
func ConnectionFromContext(ctx context.Context) (Connection, bool) {
	conn, ok := ctx.Value(connectionKey).(Connection)
	return conn, ok
}
