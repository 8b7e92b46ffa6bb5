// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisconnectedWriterSpillsInOrder(t *testing.T) {
	w := newDisconnectedWriter(16)

	n, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = w.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, []byte("hello world"), w.spilled())
}

func TestDisconnectedWriterOverflowRejectsNewestPreservesPrior(t *testing.T) {
	w := newDisconnectedWriter(8)

	_, err := w.Write([]byte("1234"))
	require.NoError(t, err)

	_, err = w.Write([]byte("56789"))
	assert.ErrorIs(t, err, ErrReconnectBufferFull)

	// The rejected write must not have corrupted what was already there.
	assert.Equal(t, []byte("1234"), w.spilled())
}

func TestClosedWriterRejectsEverything(t *testing.T) {
	var w closedWriter
	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, w.Flush(), ErrConnectionClosed)
	assert.True(t, w.isClosed())
	assert.False(t, w.isDisconnected())
}

func TestFlusherShouldWait(t *testing.T) {
	assert.True(t, flusherShouldWait(newDisconnectedWriter(8)))
	assert.False(t, flusherShouldWait(closedWriter{}))
}
