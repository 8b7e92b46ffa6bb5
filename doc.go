// Copyright 2024 Brokercore Authors. All rights reserved.

// Package brokercore implements the connection core of a client for a
// text-framed, subject-addressed publish/subscribe messaging broker. It
// maintains one live broker session at a time, multiplexes publish and
// subscribe traffic over it, and transparently reconnects to a
// replacement broker when the session dies, replaying subscriptions and
// spilling outbound writes into a bounded in-memory buffer across the
// gap.
//
// The package is built from five collaborating pieces: SharedState (the
// session object shared across goroutines), Outbound (the mutex- and
// condvar-guarded write path), Writer (the four-state write-side state
// machine), Inbound (the read loop and reconnect algorithm), and
// ServerSet (the configured/learned endpoint bookkeeping).
package brokercore
