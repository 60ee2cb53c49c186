package admission

import (
	"context"
	"net"
	"sync/atomic"
)

// connIDContextKey is the context key an http.Server's ConnContext hook
// uses to stash a per-connection identity. net.Conn values themselves
// are not a reliable identity across every transport implementation, so
// Sentinel mints its own monotonically increasing ID per accepted
// connection (spec.md §9 "Liveness over keep-alive").
type connIDContextKey struct{}

var connCounter uint64

// NewConnContext returns an http.Server.ConnContext function that stamps
// every accepted connection with a fresh, comparable identity.
func NewConnContext() func(ctx context.Context, c net.Conn) context.Context {
	return func(ctx context.Context, c net.Conn) context.Context {
		id := atomic.AddUint64(&connCounter, 1)
		return context.WithValue(ctx, connIDContextKey{}, id)
	}
}

// ConnID extracts the connection identity stamped by NewConnContext, or
// 0 if none is present (e.g. in tests using httptest.NewRequest).
func ConnID(ctx context.Context) uint64 {
	if v, ok := ctx.Value(connIDContextKey{}).(uint64); ok {
		return v
	}
	return 0
}
