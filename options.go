// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"crypto/tls"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/xmidt-org/retry"
	"go.uber.org/zap"
)

// Reconnect forever. Mirrors the sentinel the wider NATS client ecosystem
// already uses for "no bound" rather than introducing an Option type.
const ReconnectForever = -1

const (
	// DefaultMaxReconnect bounds the per-server retry count when the
	// caller does not override it.
	DefaultMaxReconnect = 60

	// DefaultReconnectWait seeds the backoff policy's base interval
	// between exhausted reconnect passes.
	DefaultReconnectWait = 2 * time.Second

	// DefaultTimeout bounds the initial dial and handshake.
	DefaultTimeout = 2 * time.Second

	// DefaultReconnectBufSize is the spill buffer capacity used when the
	// caller does not override it.
	DefaultReconnectBufSize = 8 * 1024 * 1024

	// defaultBufSize is the size of the bufio reader/writer layered on
	// top of the raw socket.
	defaultBufSize = 32768
)

// DisconnectListener is invoked, synchronously and with no arguments, each
// time the session loses its broker connection and begins reconnecting.
type DisconnectListener func()

// ReconnectListener is invoked, synchronously and with no arguments, each
// time the session re-establishes a broker connection after a disconnect.
type ReconnectListener func()

// Options configures a session. The zero value is not usable directly;
// build one with NewOptions or populate Servers explicitly.
type Options struct {
	// Servers is the operator-configured set of candidate endpoints,
	// e.g. "nats://localhost:4222". At least one is required.
	Servers []string

	// Secure requests a TLS upgrade once the server's INFO is known.
	Secure bool

	// TLSConfig is used for the TLS handshake when Secure is true. A
	// server whose INFO marks tls_required while Secure is false is
	// refused with ErrSecureConnRequired rather than upgraded. A nil
	// value uses a default tls.Config{}.
	TLSConfig *tls.Config

	// Verbose and Pedantic are passed through in the CONNECT frame.
	Verbose  bool
	Pedantic bool

	// Nkey, when non-empty, is the public identity advertised in the
	// CONNECT frame. Signer must be set alongside it to answer the
	// server's nonce challenge.
	Nkey   string
	Signer nkeys.KeyPair

	// MaxReconnects bounds the number of dial attempts made against any
	// single server before it is excluded from the candidate list.
	// ReconnectForever (-1) removes the bound.
	MaxReconnects int

	// ReconnectWait seeds the backoff policy used between exhausted
	// reconnect passes (see retryPolicyFactory).
	ReconnectWait time.Duration

	// ReconnectBufSize is the capacity, in bytes, of the Disconnected
	// writer's spill buffer.
	ReconnectBufSize int

	// Timeout bounds the dial and initial handshake for each candidate.
	Timeout time.Duration

	// Logger receives structured lifecycle and error events. A nil
	// value is replaced with a no-op logger.
	Logger *zap.Logger

	// DisconnectedCB and ReconnectedCB are convenience single hooks;
	// both are folded into the corresponding event registry in
	// SharedState alongside any additional listeners added later.
	DisconnectedCB DisconnectListener
	ReconnectedCB  ReconnectListener
}

// NewOptions returns Options populated with the package defaults and the
// given server URLs.
func NewOptions(servers ...string) Options {
	return Options{
		Servers:          servers,
		MaxReconnects:    DefaultMaxReconnect,
		ReconnectWait:    DefaultReconnectWait,
		ReconnectBufSize: DefaultReconnectBufSize,
		Timeout:          DefaultTimeout,
	}
}

// logger returns o.Logger, or a no-op logger if unset.
func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return nopLogger()
	}
	return o.Logger
}

// retryPolicyFactory builds the backoff policy used between exhausted
// reconnect passes, seeded from ReconnectWait.
func (o *Options) retryPolicyFactory() retry.PolicyFactory {
	wait := o.ReconnectWait
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	return retry.Config{
		Interval:    wait,
		Multiplier:  1.0,
		MaxInterval: wait,
	}
}
