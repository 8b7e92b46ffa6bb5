// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import "errors"

// Sentinel errors returned by the connection core. Callers should compare
// against these with errors.Is rather than inspecting error strings.
var (
	// ErrConnectionClosed is returned by any operation attempted after
	// Close has been called on the SharedState.
	ErrConnectionClosed = errors.New("brokercore: connection permanently closed")

	// ErrNotConnected is returned by sendPing when the Writer is in the
	// Disconnected state. It is the one send operation that does not
	// silently spill into the buffer, since a flush with nothing on the
	// other end to answer the PING would hang forever.
	ErrNotConnected = errors.New("brokercore: not currently connected to a server")

	// ErrReconnectBufferFull is returned when a write during the
	// Disconnected state would exceed the configured spill buffer
	// capacity.
	ErrReconnectBufferFull = errors.New("brokercore: reconnect buffer exceeded")

	// ErrReconnectExhausted is recorded as the session's LastError when
	// the read loop's reconnect attempt gives up: either MaxReconnects is
	// bounded and every candidate server has used up its retry budget, or
	// shutdown was observed during the reconnect.
	ErrReconnectExhausted = errors.New("brokercore: exhausted reconnect attempts to all known servers")

	// ErrBadSubscription is returned by Message.Respond when the message
	// carries no reply subject.
	ErrBadSubscription = errors.New("brokercore: invalid subscription")

	// ErrTimeout reports that a blocking operation exceeded its deadline.
	// No operation in this package returns it: Flush waits without a
	// deadline.
	ErrTimeout = errors.New("brokercore: timeout")

	// ErrSecureConnRequired is returned when the server requires TLS but
	// the client was not configured for it.
	ErrSecureConnRequired = errors.New("brokercore: secure connection required by server")

	// ErrSecureConnWanted reports that the client requested TLS but the
	// server did not advertise support for it. TryConnect does not return
	// it: with Options.Secure set it attempts the TLS handshake whatever
	// the server's INFO advertises.
	ErrSecureConnWanted = errors.New("brokercore: secure connection not available")

	// ErrNoServers is returned when a ServerSet has no configured or
	// learned servers left to try.
	ErrNoServers = errors.New("brokercore: no servers available")
)
