package main

import (
	"bytes"
	"testing"

	"github.com/sheerbytes/lockstep/internal/logging"
	"github.com/sheerbytes/lockstep/internal/session"
	"github.com/sheerbytes/lockstep/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLiveSessions(t *testing.T) {
	registry := session.NewRegistry()
	info, ok := registry.TryRegister("10.0.0.7:4100", "tcp", 0)
	require.True(t, ok)
	registry.SetState(info.ID, protocol.StateInTransfer, "PUT big.bin")
	registry.SetBytes(info.ID, 2048, 12)

	var buf bytes.Buffer
	logLiveSessions(logging.NewWithWriter(&buf, "lockstepd", "info"), registry)

	out := buf.String()
	assert.Contains(t, out, "session open at shutdown")
	assert.Contains(t, out, "session="+info.ID)
	assert.Contains(t, out, "10.0.0.7:4100")
	assert.Contains(t, out, "state=in_transfer")
	assert.Contains(t, out, "PUT big.bin")
	assert.Contains(t, out, "bytes_in=2048")
}

func TestLogLiveSessionsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logLiveSessions(logging.NewWithWriter(&buf, "lockstepd", "info"), session.NewRegistry())
	assert.Empty(t, buf.String())
}

func TestHasVersionFlag(t *testing.T) {
	assert.True(t, hasVersionFlag([]string{"-addr", ":1", "--version"}))
	assert.True(t, hasVersionFlag([]string{"-version"}))
	assert.False(t, hasVersionFlag([]string{"-addr", ":1"}))
}
