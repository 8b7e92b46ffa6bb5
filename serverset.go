// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import "math/rand"

// ServerSet owns the union of operator-configured and broker-learned
// endpoints. It is deliberately unsynchronized: it is only ever touched
// from the Inbound goroutine, which owns the reconnect algorithm.
type ServerSet struct {
	Configured []Server
	Learned    []Server
}

// newServerSet builds a ServerSet from the operator-configured servers.
func newServerSet(configured []Server) *ServerSet {
	return &ServerSet{Configured: configured}
}

// updateLearned replaces the learned-server list wholesale, as directed
// by the most recent ServerInfo (initial handshake, INFO update, or
// reconnect).
func (ss *ServerSet) updateLearned(info ServerInfo) {
	ss.Learned = info.learnedServers()
}

// candidates builds the filtered, shuffled reconnect candidate list:
// configured ++ learned, filtered by reconnects < maxReconnects when
// maxReconnects is bounded (maxReconnects < 0 means unbounded), shuffled
// uniformly at random. The shuffle is re-drawn by the caller on every
// outer-loop pass to avoid herding all clients onto one broker.
func (ss *ServerSet) candidates(maxReconnects int) []*Server {
	var out []*Server
	for i := range ss.Configured {
		s := &ss.Configured[i]
		if maxReconnects < 0 || s.reconnects < uint32(maxReconnects) {
			out = append(out, s)
		}
	}
	for i := range ss.Learned {
		s := &ss.Learned[i]
		if maxReconnects < 0 || s.reconnects < uint32(maxReconnects) {
			out = append(out, s)
		}
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// resetReconnects zeroes the retry counter on every known server, called
// once a reconnect attempt succeeds.
func (ss *ServerSet) resetReconnects() {
	for i := range ss.Configured {
		ss.Configured[i].resetReconnects()
	}
	for i := range ss.Learned {
		ss.Learned[i].resetReconnects()
	}
}

// all returns configured and learned servers together, for logging.
func (ss *ServerSet) all() []Server {
	out := make([]Server, 0, len(ss.Configured)+len(ss.Learned))
	out = append(out, ss.Configured...)
	out = append(out, ss.Learned...)
	return out
}
