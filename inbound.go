// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"bufio"
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-stack/stack"
	"go.uber.org/zap"
)

// Inbound owns the read side of the current socket: the read loop, the
// parsed-op dispatch table, and the reconnect algorithm. It is only ever
// driven by its own goroutine; SharedState is how other goroutines
// observe its effects.
type Inbound struct {
	reader *bufio.Reader
	shared *SharedState
	log    *zap.Logger
}

// readLoop is the Inbound goroutine's body. Each iteration checks the
// shutdown flag, parses one control op, and dispatches it. Any I/O error
// drops into the reconnect algorithm; if reconnect fails the session is
// closed and the loop returns.
func (in *Inbound) readLoop() {
	for {
		if in.shared.isShuttingDown() {
			return
		}
		if err := in.readAndProcessOne(); err != nil {
			in.log.Error("failed to process inbound message", zap.Error(err))
			in.log.Info("attempting reconnect after losing server connection")
			if !in.reconnect() {
				in.log.Error("shutting down after failing to reconnect")
				in.shared.setLastError(ErrReconnectExhausted)
				in.shared.Close()
				return
			}
		}
	}
}

func (in *Inbound) readAndProcessOne() error {
	op, err := parseControlOp(in.reader)
	if err != nil {
		return err
	}
	switch v := op.(type) {
	case opMsg:
		return in.processMsg(v.args)
	case opPing:
		return in.shared.outbound.sendPong()
	case opPong:
		in.processPong()
	case opInfo:
		in.processInfo(v.payload)
	case opErr:
		in.log.Warn("received -ERR from server", zap.String("message", v.message))
	case opOK:
		// nothing to do
	default:
		in.log.Warn("received unrecognized control line")
	}
	return nil
}

func (in *Inbound) processMsg(args MsgArgs) error {
	payload, err := readPayload(in.reader, args.MLen)
	if err != nil {
		return err
	}

	msg := &Message{
		Subject: args.Subject,
		Reply:   args.Reply,
		Data:    payload,
		Sid:     args.Sid,
	}
	if msg.Reply != "" {
		msg.responder = in.shared
	}

	in.shared.subs.mu.RLock()
	sub, ok := in.shared.subs.m[args.Sid]
	in.shared.subs.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case sub.sender <- msg:
	default:
		in.log.Warn("dropping message for slow subscriber", zap.Uint64("sid", args.Sid))
	}
	return nil
}

func (in *Inbound) processPong() {
	in.shared.pongs.popSignal(true)
}

func (in *Inbound) processInfo(payload []byte) {
	info, err := decodeServerInfo(payload)
	if err != nil {
		in.log.Warn("failed to decode INFO payload", zap.Error(err))
		return
	}
	in.shared.setInfo(info)
	in.shared.servers.updateLearned(info)
}

// reconnect runs the full reconnect algorithm. It returns true once a
// live Writer, a fresh reader, and all subscriptions have been
// re-established with a new broker; false once shuttingDown is observed
// or MaxReconnects is exhausted on every known server.
func (in *Inbound) reconnect() bool {
	// Step 1: under the pongs mutex, transition Outbound to Disconnected
	// and drain pongs. The lock covers both so a concurrent flush either
	// enqueues before the drain (and is woken false by it) or observes
	// Disconnected and fails without enqueueing.
	in.shared.pongs.mu.Lock()
	in.shared.outbound.transitionToDisconnected()
	in.shared.pongs.drainFalseLocked()
	in.shared.pongs.mu.Unlock()

	// Step 2: clear last error.
	in.shared.setLastError(nil)

	// Step 3: disconnect callback(s).
	in.shared.invokeDisconnectListeners()

	opts := in.shared.options
	policy := opts.retryPolicyFactory().NewPolicy(context.Background())

	for {
		if in.shared.isShuttingDown() {
			in.log.Warn("ending reconnection attempt: shutdown flag observed")
			return false
		}

		candidates := in.shared.servers.candidates(opts.MaxReconnects)
		if len(candidates) == 0 && opts.MaxReconnects >= 0 {
			in.log.Error("exhausted reconnect attempts to all known servers",
				zap.Any("servers", in.shared.servers.all()))
			return false
		}

		reconnected := false
		for _, srv := range candidates {
			reader, writer, info, err := srv.TryConnect(opts)
			if err != nil {
				srv.bumpReconnects()
				continue
			}

			in.reader = reader
			if err := in.shared.outbound.replaceWriter(writer); err != nil {
				srv.bumpReconnects()
				continue
			}

			in.shared.subs.mu.RLock()
			err = in.shared.outbound.resendSubs(in.shared.subs.m)
			in.shared.subs.mu.RUnlock()
			if err != nil {
				in.log.Warn("failed to resend subscriptions to newly connected server", zap.Error(err))
				srv.bumpReconnects()
				continue
			}

			in.shared.setInfo(info)
			in.shared.servers.updateLearned(info)
			reconnected = true
			break
		}

		if reconnected {
			break
		}

		if wait, ok := policy.Next(); ok {
			time.Sleep(wait)
		}
	}

	// Step 5: reset retry counters.
	in.shared.servers.resetReconnects()

	// Step 6: reconnect callback(s).
	in.shared.invokeReconnectListeners()

	return true
}

// decodeServerInfo is split out so it can reuse the same JSON shape the
// dial handshake parses.
func decodeServerInfo(payload []byte) (ServerInfo, error) {
	var info ServerInfo
	if len(payload) == 0 {
		return info, nil
	}
	err := json.Unmarshal(payload, &info)
	return info, err
}

// recoverCallback runs fn, recovering and logging any panic with a
// captured stack trace rather than letting it take down the reconnect
// goroutine. User-registered callbacks must never be allowed to bring
// down the session; this is the backstop.
func recoverCallback(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in callback",
				zap.String("callback", name),
				zap.Any("panic", r),
				zap.Stringer("stack", stack.Trace().TrimRuntime()))
		}
	}()
	fn()
}

var sidCounter uint64

func nextSid() uint64 {
	return atomic.AddUint64(&sidCounter, 1)
}
