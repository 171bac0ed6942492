package services

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-dev/roost/internal/protocol"
)

// freeLoopbackPort grabs and releases an ephemeral port for probing tests.
func freeLoopbackPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestResolveDebugPortKeepsFreePort(t *testing.T) {
	port := freeLoopbackPort(t)
	params := &protocol.StartParams{Port: &port, DebugID: "d", Break: true}

	ResolveDebugPort(params)

	require.NotNil(t, params.Port)
	assert.Equal(t, port, *params.Port)
	assert.Equal(t, "d", params.DebugID)
	assert.True(t, params.Break)
}

func TestResolveDebugPortSkipsOccupiedPort(t *testing.T) {
	base := freeLoopbackPort(t)
	held, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	require.NoError(t, err)
	defer held.Close()

	port := base
	params := &protocol.StartParams{Port: &port}
	ResolveDebugPort(params)

	require.NotNil(t, params.Port)
	assert.Greater(t, *params.Port, base)
	assert.LessOrEqual(t, *params.Port, base+debugProbeAttempts)
}

func TestResolveDebugPortWithoutRequestDisablesDebugging(t *testing.T) {
	params := &protocol.StartParams{DebugID: "leftover", Break: true}

	ResolveDebugPort(params)

	assert.Nil(t, params.Port)
	assert.Empty(t, params.DebugID)
	assert.False(t, params.Break)
}

func TestResolveDebugPortNilParams(t *testing.T) {
	assert.NotPanics(t, func() { ResolveDebugPort(nil) })
}
