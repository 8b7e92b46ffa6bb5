// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControlOpMsgWithoutReply(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("MSG foo 1 5\r\n"))
	op, err := parseControlOp(r)
	require.NoError(t, err)
	m, ok := op.(opMsg)
	require.True(t, ok)
	assert.Equal(t, MsgArgs{Subject: "foo", Sid: 1, MLen: 5}, m.args)
}

func TestParseControlOpMsgWithReply(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("MSG b 2 reply.x 3\r\n"))
	op, err := parseControlOp(r)
	require.NoError(t, err)
	m, ok := op.(opMsg)
	require.True(t, ok)
	assert.Equal(t, MsgArgs{Subject: "b", Sid: 2, Reply: "reply.x", MLen: 3}, m.args)
}

func TestParseControlOpPingPong(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("PING\r\nPONG\r\n"))
	op, err := parseControlOp(r)
	require.NoError(t, err)
	assert.IsType(t, opPing{}, op)

	op, err = parseControlOp(r)
	require.NoError(t, err)
	assert.IsType(t, opPong{}, op)
}

func TestParseControlOpInfo(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(`INFO {"server_id":"abc"}` + "\r\n"))
	op, err := parseControlOp(r)
	require.NoError(t, err)
	info, ok := op.(opInfo)
	require.True(t, ok)
	assert.Contains(t, string(info.payload), "abc")
}

func TestParseControlOpErrAndUnknown(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("-ERR 'bad subject'\r\nWHAT\r\n"))
	op, err := parseControlOp(r)
	require.NoError(t, err)
	e, ok := op.(opErr)
	require.True(t, ok)
	assert.Equal(t, "'bad subject'", e.message)

	op, err = parseControlOp(r)
	require.NoError(t, err)
	assert.IsType(t, opUnknown{}, op)
}

func TestReadPayloadStripsTrailingCRLF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("hey\r\n"))
	payload, err := readPayload(r, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("hey"), payload)
}
