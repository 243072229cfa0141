package smtpclient

import (
	"context"
	"net"
)

// Dialer is used to dial the remote host, an interface to facilitate
// testing and to let a caller substitute a proxying dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialHook, if set, replaces the regular dial for tests: it receives the
// dialer configured on the Builder (or the default net.Dialer), the target
// address, and the local address to bind to (nil if none was configured).
var DialHook func(ctx context.Context, dialer Dialer, addr string, laddr net.Addr) (net.Conn, error)

// dial connects to addr, binding to laddr first if it is non-nil. If this
// is a *net.Dialer, laddr is set on a copy rather than passed through the
// Dialer interface, which has no concept of a local address.
func dial(ctx context.Context, dialer Dialer, addr string, laddr net.Addr) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, addr, laddr)
	}
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.LocalAddr = laddr
		return nd.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}
