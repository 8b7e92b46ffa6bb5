// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"sync"
	"sync/atomic"

	"github.com/nats-io/nuid"
	"github.com/xmidt-org/eventor"
	"go.uber.org/zap"
)

// subsTable is the many-readers-one-writer subscription table keyed by
// sid. resendSubs reads it under RLock; everything that mutates it
// (Subscribe, Unsubscribe, Close) takes the write lock.
type subsTable struct {
	mu sync.RWMutex
	m  map[uint64]*SubscriptionState
}

func newSubsTable() *subsTable {
	return &subsTable{m: make(map[uint64]*SubscriptionState)}
}

func (t *subsTable) put(s *SubscriptionState) {
	t.mu.Lock()
	t.m[s.Sid] = s
	t.mu.Unlock()
}

func (t *subsTable) remove(sid uint64) {
	t.mu.Lock()
	delete(t.m, sid)
	t.mu.Unlock()
}

func (t *subsTable) get(sid uint64) (*SubscriptionState, bool) {
	t.mu.RLock()
	s, ok := t.m[sid]
	t.mu.RUnlock()
	return s, ok
}

// pongsQueue is the FIFO of in-flight flush acknowledgments. The same
// mutex that protects the queue also covers the reconnect algorithm's
// transition-to-Disconnected step. Lock ordering is always pongs then
// outbound, never the reverse.
type pongsQueue struct {
	mu    sync.Mutex
	queue []PendingPong
}

func newPongsQueue() *pongsQueue {
	return &pongsQueue{}
}

// push enqueues a fresh PendingPong and returns it to the caller, who
// will block receiving on it.
func (q *pongsQueue) push() PendingPong {
	p := newPendingPong()
	q.mu.Lock()
	q.queue = append(q.queue, p)
	q.mu.Unlock()
	return p
}

// popSignal pops the head of the queue, if any, and signals it. A
// missing head (no flush currently outstanding) is tolerated.
func (q *pongsQueue) popSignal(ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.popSignalLocked(ok)
}

func (q *pongsQueue) popSignalLocked(ok bool) {
	if len(q.queue) == 0 {
		return
	}
	p := q.queue[0]
	q.queue = q.queue[1:]
	p <- ok
}

// drainFalseLocked pops every entry and signals false. Caller must
// already hold q.mu; this is used by the reconnect algorithm alongside
// transitionToDisconnected under a single critical section.
func (q *pongsQueue) drainFalseLocked() {
	for _, p := range q.queue {
		p <- false
	}
	q.queue = nil
}

// SharedState is the process-wide session object shared by the Inbound
// reader, the Outbound flusher, and application goroutines. It is
// created once per session and closed exactly once.
type SharedState struct {
	outbound *Outbound
	subs     *subsTable
	pongs    *pongsQueue
	servers  *ServerSet

	infoMu sync.RWMutex
	info   ServerInfo

	errMu     sync.RWMutex
	lastError error

	options *Options
	log     *zap.Logger

	shuttingDown atomic.Bool

	disconnectListeners eventor.Eventor[DisconnectListener]
	reconnectListeners  eventor.Eventor[ReconnectListener]

	inbound *Inbound

	// id is a globally-unique, per-session identifier stamped onto log
	// lines so operators can correlate Inbound/Outbound log output from
	// one session across a reconnect. It plays no part in the wire
	// protocol or in message delivery.
	id string
}

// Connect tries the configured servers in shuffled order, completes the
// handshake with the first reachable one, and spins up the Inbound reader and Outbound flusher
// goroutines. It is the glue that wires the core components together;
// a connection-level publish/subscribe facade is built on top of the
// SharedState this returns.
func Connect(opts Options) (*SharedState, error) {
	configured, err := ParseServers(opts.Servers)
	if err != nil {
		return nil, err
	}
	if len(configured) == 0 {
		return nil, ErrNoServers
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = DefaultMaxReconnect
	}
	if opts.ReconnectBufSize == 0 {
		opts.ReconnectBufSize = DefaultReconnectBufSize
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	id := nuid.Next()
	log := opts.logger().With(zap.String("conn_id", id))

	shared := &SharedState{
		subs:    newSubsTable(),
		pongs:   newPongsQueue(),
		servers: newServerSet(configured),
		options: &opts,
		log:     log,
		id:      id,
	}
	if opts.DisconnectedCB != nil {
		shared.disconnectListeners.Add(opts.DisconnectedCB)
	}
	if opts.ReconnectedCB != nil {
		shared.reconnectListeners.Add(opts.ReconnectedCB)
	}

	candidates := shared.servers.candidates(opts.MaxReconnects)
	var lastErr error
	for _, srv := range candidates {
		reader, writer, info, err := srv.TryConnect(shared.options)
		if err != nil {
			srv.bumpReconnects()
			lastErr = err
			continue
		}
		shared.outbound = newOutbound(writer, opts.ReconnectBufSize, log)
		shared.setInfo(info)
		shared.servers.updateLearned(info)
		shared.servers.resetReconnects()
		shared.inbound = &Inbound{reader: reader, shared: shared, log: log}

		go shared.outbound.flusherLoop()
		go shared.inbound.readLoop()
		return shared, nil
	}
	if lastErr == nil {
		lastErr = ErrNoServers
	}
	return nil, lastErr
}

// Outbound exposes the session's Outbound for publish/subscribe sends.
func (s *SharedState) Outbound() *Outbound { return s.outbound }

// Subscribe registers a new SubscriptionState, assigns it a fresh sid,
// sends the SUB line through Outbound, and returns it.
func (s *SharedState) Subscribe(subject, queue string, bufSize int) (*SubscriptionState, error) {
	if s.isShuttingDown() {
		return nil, ErrConnectionClosed
	}
	sub := &SubscriptionState{
		Sid:     nextSid(),
		Subject: subject,
		Queue:   queue,
		sender:  make(chan *Message, bufSize),
	}
	s.subs.put(sub)
	if err := s.outbound.sendSubMsg(subject, queue, sub.Sid); err != nil {
		s.subs.remove(sub.Sid)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes interest in a subscription and notifies the
// broker.
func (s *SharedState) Unsubscribe(sub *SubscriptionState) error {
	s.subs.remove(sub.Sid)
	return s.outbound.sendUnsub(sub.Sid)
}

// Flush sends a PING and blocks until the matching PONG arrives, the
// flush is aborted by a disconnect, or ch is otherwise abandoned by
// Close.
func (s *SharedState) Flush() error {
	// The PING is sent and its waiter enqueued under the pongs mutex, the
	// same critical section reconnect uses to transition to Disconnected
	// and drain, so the waiter is either drained or never enqueued.
	s.pongs.mu.Lock()
	if err := s.outbound.sendPing(); err != nil {
		s.pongs.mu.Unlock()
		return err
	}
	ch := newPendingPong()
	s.pongs.queue = append(s.pongs.queue, ch)
	s.pongs.mu.Unlock()
	ok := <-ch
	if !ok {
		if err := s.LastError(); err != nil {
			return err
		}
		return ErrConnectionClosed
	}
	return nil
}

func (s *SharedState) info() ServerInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

func (s *SharedState) setInfo(info ServerInfo) {
	s.infoMu.Lock()
	s.info = info
	s.infoMu.Unlock()
}

// LastError reports the last error encountered by the session.
func (s *SharedState) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.lastError
}

func (s *SharedState) setLastError(err error) {
	s.errMu.Lock()
	s.lastError = err
	s.errMu.Unlock()
}

func (s *SharedState) isShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *SharedState) invokeDisconnectListeners() {
	s.disconnectListeners.Visit(func(l DisconnectListener) {
		recoverCallback(s.log, "disconnect", func() { l() })
	})
}

func (s *SharedState) invokeReconnectListeners() {
	s.reconnectListeners.Visit(func(l ReconnectListener) {
		recoverCallback(s.log, "reconnect", func() { l() })
	})
}

// OnDisconnect registers an additional disconnect listener and returns a
// function that cancels it.
func (s *SharedState) OnDisconnect(l DisconnectListener) func() {
	return s.disconnectListeners.Add(l)
}

// OnReconnect registers an additional reconnect listener and returns a
// function that cancels it.
func (s *SharedState) OnReconnect(l ReconnectListener) func() {
	return s.reconnectListeners.Add(l)
}

// Close tears the session down exactly once: sets shuttingDown so the
// read loop and reconnect algorithm both observe it, closes every
// subscription's delivery channel, drains any outstanding flush waiters,
// and transitions Outbound to Closed.
func (s *SharedState) Close() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	s.pongs.mu.Lock()
	s.pongs.drainFalseLocked()
	s.pongs.mu.Unlock()

	s.subs.mu.Lock()
	for sid, sub := range s.subs.m {
		close(sub.sender)
		delete(s.subs.m, sid)
	}
	s.subs.mu.Unlock()

	s.outbound.close()
}
