package pairing

import "context"

type contextKey struct{}

// Conn is the transport connection a pairing request arrived on.
type Conn interface {
	// RemoteIdentity names the remote end for rate limiting and for
	// serializing its handshakes, e.g. the remote IP address.
	RemoteIdentity() string
	// Upgrade switches the connection to an encrypted session with the
	// verified peer once the current response has been written.
	Upgrade(peer *PairInfo, sharedSecret []byte)
	// Peer returns the controller verified on this connection, if any.
	Peer() (*PairInfo, bool)
}

func WithConn(ctx context.Context, c Conn) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func FromContext(ctx context.Context) (Conn, bool) {
	c, ok := ctx.Value(contextKey{}).(Conn)
	return c, ok
}
