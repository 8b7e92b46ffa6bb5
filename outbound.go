// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Outbound guards a single Writer behind a mutex and a condition variable,
// and is the sole path by which any goroutine puts bytes on the wire. All
// protocol sends funnel through withWriter, which is the one place a
// write failure on the application-facing path becomes a reconnect
// trigger: on error it shuts the socket down (forcing the Inbound reader
// to observe EOF) and transitions the Writer to Disconnected.
type Outbound struct {
	mu               sync.Mutex
	updated          *sync.Cond
	writer           Writer
	reconnectBufSize int
	log              *zap.Logger
}

// newOutbound wraps the given live Writer. reconnectBufSize sizes the
// spill buffer used whenever the state later transitions to Disconnected.
func newOutbound(w Writer, reconnectBufSize int, log *zap.Logger) *Outbound {
	if log == nil {
		log = nopLogger()
	}
	o := &Outbound{writer: w, reconnectBufSize: reconnectBufSize, log: log}
	o.updated = sync.NewCond(&o.mu)
	return o
}

// flusherLoop is run on its own goroutine for the lifetime of the
// session. It sleeps on the condition variable while there is nothing to
// flush, wakes on every byte-producing send and on every state
// transition, and exits once Closed is observed.
func (o *Outbound) flusherLoop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		for flusherShouldWait(o.writer) {
			o.updated.Wait()
		}
		if o.writer.isClosed() {
			o.log.Info("flusher goroutine shutting down")
			return
		}
		if err := o.writer.Flush(); err != nil {
			o.log.Error("flush failed", zap.Error(err))
			_ = o.writer.shutdown()
			// Wait here until the Inbound reconnect path replaces the
			// writer; we do not transition state ourselves.
			o.updated.Wait()
		}
	}
}

// transitionToDisconnected swaps the current writer for a fresh spill
// buffer. It is a no-op when already Disconnected or Closed.
func (o *Outbound) transitionToDisconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitionToDisconnectedLocked()
}

func (o *Outbound) transitionToDisconnectedLocked() {
	if o.writer.isDisconnected() || o.writer.isClosed() {
		return
	}
	o.writer = newDisconnectedWriter(o.reconnectBufSize)
	o.updated.Broadcast()
}

// close transitions to Closed. Idempotent; shuts down the underlying
// socket if any is live, and wakes the flusher so it can exit.
func (o *Outbound) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writer.isClosed() {
		return
	}
	if err := o.writer.shutdown(); err != nil {
		o.log.Warn("error shutting down writer during close", zap.Error(err))
	}
	o.writer = closedWriter{}
	o.updated.Broadcast()
}

// replaceWriter installs newWriter as the live state. If the current
// state is Disconnected, the entire spill buffer is written and flushed
// into newWriter first; on failure newWriter is shut down and the error
// is returned, leaving Outbound Disconnected-equivalent. The reconnect
// loop treats a failure here as "try the next candidate," not as
// "close the session." If the state is already Closed, newWriter is shut
// down and ErrConnectionClosed is returned; Closed is never replaced.
func (o *Outbound) replaceWriter(newWriter Writer) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.writer.isClosed() {
		_ = newWriter.shutdown()
		return ErrConnectionClosed
	}

	if dw, ok := o.writer.(*disconnectedWriter); ok {
		if _, err := newWriter.Write(dw.spilled()); err == nil {
			err = newWriter.Flush()
			if err != nil {
				o.log.Error("failed flushing replayed buffer to new server", zap.Error(err))
				_ = newWriter.shutdown()
				return err
			}
		} else {
			o.log.Error("failed replaying disconnect buffer to new server", zap.Error(err))
			_ = newWriter.shutdown()
			return err
		}
	}

	o.writer = newWriter
	o.updated.Broadcast()
	return nil
}

// withWriter is the single choke point through which every protocol send
// runs. On error it shuts the socket down and transitions to Disconnected
// before propagating the error to the caller.
func (o *Outbound) withWriter(f func(Writer) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := f(o.writer); err != nil {
		_ = o.writer.shutdown()
		o.transitionToDisconnectedLocked()
		return err
	}
	return nil
}

func (o *Outbound) notify() {
	o.mu.Lock()
	o.updated.Broadcast()
	o.mu.Unlock()
}

func (o *Outbound) sendPubMsg(subj, reply string, data []byte) error {
	err := o.withWriter(func(w Writer) error {
		var err error
		if reply != "" {
			_, err = fmt.Fprintf(w, "PUB %s %s %d\r\n", subj, reply, len(data))
		} else {
			_, err = fmt.Fprintf(w, "PUB %s %d\r\n", subj, len(data))
		}
		if err != nil {
			return err
		}
		if _, err = w.Write(data); err != nil {
			return err
		}
		_, err = w.Write([]byte("\r\n"))
		return err
	})
	o.notify()
	return err
}

func (o *Outbound) sendResponse(subj string, data []byte) error {
	err := o.withWriter(func(w Writer) error {
		if _, err := fmt.Fprintf(w, "PUB %s %d\r\n", subj, len(data)); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		_, err := w.Write([]byte("\r\n"))
		return err
	})
	o.notify()
	return err
}

func (o *Outbound) sendSubMsg(subject, queue string, sid uint64) error {
	err := o.withWriter(func(w Writer) error {
		var err error
		if queue != "" {
			_, err = fmt.Fprintf(w, "SUB %s %s %d\r\n", subject, queue, sid)
		} else {
			_, err = fmt.Fprintf(w, "SUB %s %d\r\n", subject, sid)
		}
		return err
	})
	o.notify()
	return err
}

func (o *Outbound) sendUnsub(sid uint64) error {
	return o.withWriter(func(w Writer) error {
		if _, err := fmt.Fprintf(w, "UNSUB %d\r\n", sid); err != nil {
			return err
		}
		return w.Flush()
	})
}

// sendPing is the only op that treats Disconnected as an error: it is the
// handshake an explicit flush depends on, and there is no point spilling
// a PING into the buffer with nothing alive to answer it.
func (o *Outbound) sendPing() error {
	return o.withWriter(func(w Writer) error {
		if w.isDisconnected() {
			return ErrNotConnected
		}
		if _, err := w.Write([]byte("PING\r\n")); err != nil {
			return err
		}
		return w.Flush()
	})
}

// sendPong silently succeeds while Disconnected: there is no benefit to
// replaying a heartbeat reply once a new connection is up.
func (o *Outbound) sendPong() error {
	return o.withWriter(func(w Writer) error {
		if w.isDisconnected() {
			return nil
		}
		if _, err := w.Write([]byte("PONG\r\n")); err != nil {
			return err
		}
		return w.Flush()
	})
}

// resendSubs writes one SUB line per entry. Called by the reconnect path
// while the caller holds subs for read, so lock ordering is subs -> this
// call's internal outbound lock, never the reverse.
func (o *Outbound) resendSubs(subs map[uint64]*SubscriptionState) error {
	err := o.withWriter(func(w Writer) error {
		for sid, s := range subs {
			var err error
			if s.Queue != "" {
				_, err = fmt.Fprintf(w, "SUB %s %s %d\r\n", s.Subject, s.Queue, sid)
			} else {
				_, err = fmt.Fprintf(w, "SUB %s %d\r\n", s.Subject, sid)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	o.notify()
	return err
}
