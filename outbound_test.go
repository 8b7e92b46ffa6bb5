// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPublishDuringDisconnectReplaysOnReconnect checks that writes
// accepted while Disconnected are replayed, in order, to the
// replacement socket before replaceWriter returns.
func TestPublishDuringDisconnectReplaysOnReconnect(t *testing.T) {
	ob := newOutbound(newDisconnectedWriter(64), 64, nil)

	require.NoError(t, ob.sendPubMsg("x", "", []byte("hi")))

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := serverConn.Read(buf)
		received <- buf[:n]
	}()

	require.NoError(t, ob.replaceWriter(newTCPWriter(clientConn)))

	select {
	case got := <-received:
		assert.Equal(t, "PUB x 2\r\nhi\r\n", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed bytes")
	}
}

// TestReplaceWriterFailurePropagatesAndShutsDownNewSocket covers the
// failure branch of replaceWriter's replay step.
func TestReplaceWriterFailurePropagatesAndShutsDownNewSocket(t *testing.T) {
	ob := newOutbound(newDisconnectedWriter(64), 64, nil)
	require.NoError(t, ob.sendPubMsg("x", "", []byte("hi")))

	clientConn, serverConn := net.Pipe()
	serverConn.Close() // force the write below to fail

	err := ob.replaceWriter(newTCPWriter(clientConn))
	assert.Error(t, err)

	// replaceWriter must have shut the new socket down: a read on a
	// locally closed pipe end reports io.ErrClosedPipe, not the io.EOF a
	// still-open end would see after the remote closed.
	_, rerr := clientConn.Read(make([]byte, 1))
	assert.ErrorIs(t, rerr, io.ErrClosedPipe)
}

func TestSendPingRejectedWhenDisconnected(t *testing.T) {
	ob := newOutbound(newDisconnectedWriter(64), 64, nil)
	err := ob.sendPing()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendPongSilentlySucceedsWhenDisconnected(t *testing.T) {
	ob := newOutbound(newDisconnectedWriter(64), 64, nil)
	assert.NoError(t, ob.sendPong())
}

func TestOutboundCloseIsIdempotent(t *testing.T) {
	ob := newOutbound(newDisconnectedWriter(64), 64, nil)
	ob.close()
	ob.close() // must not panic or double-shutdown

	_, err := ob.writer.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestWithWriterTransitionsToDisconnectedOnError exercises the trap that
// turns any write failure on a live writer into a Disconnected
// transition.
func TestWithWriterTransitionsToDisconnectedOnError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	serverConn.Close()

	ob := newOutbound(newTCPWriter(clientConn), 64, nil)

	err := ob.sendUnsub(7)
	assert.Error(t, err)
	assert.True(t, ob.writer.isDisconnected())
}

func TestFlusherLoopExitsOnClose(t *testing.T) {
	ob := newOutbound(newDisconnectedWriter(64), 64, nil)
	done := make(chan struct{})
	go func() {
		ob.flusherLoop()
		close(done)
	}()

	// Give the flusher a moment to reach the condvar wait.
	time.Sleep(10 * time.Millisecond)
	ob.close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flusher goroutine did not exit after close")
	}
}

func TestResendSubsWritesOneLinePerSubscription(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ob := newOutbound(newTCPWriter(clientConn), 64, nil)

	subs := map[uint64]*SubscriptionState{
		1: {Sid: 1, Subject: "a"},
	}

	lines := make(chan string, 1)
	go func() {
		r := bufio.NewReader(serverConn)
		line, _ := r.ReadString('\n')
		lines <- line
	}()

	require.NoError(t, ob.resendSubs(subs))
	// resendSubs only notifies the flusher; drive one flush directly
	// since no flusher goroutine is running in this test.
	require.NoError(t, ob.writer.Flush())

	select {
	case line := <-lines:
		assert.Equal(t, "SUB a 1\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SUB line")
	}
}
