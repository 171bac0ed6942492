package services

import (
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-dev/roost/internal/config"
	"github.com/roost-dev/roost/internal/protocol"
)

const testConnectionToken = "0b7c1f44-52cd-4a7e-9a1f-1d2f4c9b33aa"

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

type agentHarness struct {
	t    *testing.T
	cfg  *config.Config
	reg  *Registry
	disp *Dispatcher
}

func startAgent(t *testing.T) *agentHarness {
	t.Helper()
	cfg := &config.Config{
		ConnectionToken:      testConnectionToken,
		ExtensionHostCommand: []string{"cat"},
	}
	reg := NewRegistry()
	disp := NewDispatcher(cfg, reg, nil, nil, zerolog.Nop())
	return &agentHarness{t: t, cfg: cfg, reg: reg, disp: disp}
}

// dial opens a raw-mode connection straight into the dispatcher, standing in
// for the HTTP upgrade with the given query parameters.
func (h *agentHarness) dial(token string, reconnection bool) net.Conn {
	h.t.Helper()
	client, server := tcpPair(h.t)
	go h.disp.Accept(protocol.NewRawConn(server), protocol.UpgradeParams{
		Token:          token,
		IsReconnection: reconnection,
		SkipFrames:     true,
	})
	return client
}

func sendFrameJSON(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, data))
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return data
}

// handshake runs auth + connectionType and returns the dispatcher's
// acknowledgement frame.
func (h *agentHarness) handshake(conn net.Conn, ctype string, args any) []byte {
	h.t.Helper()
	sendFrameJSON(h.t, conn, protocol.HandshakeMessage{Type: "auth", Auth: testConnectionToken})

	var sign protocol.SignMessage
	require.NoError(h.t, json.Unmarshal(readFrame(h.t, conn), &sign))
	require.Equal(h.t, "sign", sign.Type)

	msg := protocol.HandshakeMessage{
		Type:                  "connectionType",
		SignedData:            testConnectionToken,
		IsBuilt:               true,
		DesiredConnectionType: ctype,
	}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(h.t, err)
		msg.Args = raw
	}
	sendFrameJSON(h.t, conn, msg)
	return readFrame(h.t, conn)
}

func assertErrorReply(t *testing.T, frame []byte, reason string) {
	t.Helper()
	var reply protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(frame, &reply))
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, reason, reply.Reason)
}

func assertOKReply(t *testing.T, frame []byte) {
	t.Helper()
	var reply protocol.OKMessage
	require.NoError(t, json.Unmarshal(frame, &reply))
	assert.Equal(t, "ok", reply.Type)
}

func TestDispatchFreshManagement(t *testing.T) {
	h := startAgent(t)
	conn := h.dial("mgmt-1", false)

	ack := h.handshake(conn, protocol.ConnectionTypeManagement, nil)
	assertOKReply(t, ack)
	assert.Equal(t, 1, h.reg.ManagementCount())
}

func TestDispatchDuplicateManagementToken(t *testing.T) {
	h := startAgent(t)
	conn1 := h.dial("dup", false)
	assertOKReply(t, h.handshake(conn1, protocol.ConnectionTypeManagement, nil))

	conn2 := h.dial("dup", false)
	assertErrorReply(t, h.handshake(conn2, protocol.ConnectionTypeManagement, nil), protocol.ReasonDuplicateToken)

	// The original connection is unaffected and still responsive.
	require.Equal(t, 1, h.reg.ManagementCount())
	c, err := h.reg.ResumeManagement("dup")
	require.NoError(t, err)
	require.NoError(t, c.Send([]byte("still-here")))
	assert.Equal(t, []byte("still-here"), readFrame(t, conn1))
}

func TestDispatchResumeUnknownToken(t *testing.T) {
	h := startAgent(t)
	conn := h.dial("ABC", true)

	ack := h.handshake(conn, protocol.ConnectionTypeManagement, nil)
	assertErrorReply(t, ack, protocol.ReasonUnknownToken)

	// Never an auto-promotion to fresh.
	assert.Equal(t, 0, h.reg.ManagementCount())
}

func TestDispatchManagementResumeReplaysAndDelivers(t *testing.T) {
	h := startAgent(t)
	conn1 := h.dial("res-1", false)
	assertOKReply(t, h.handshake(conn1, protocol.ConnectionTypeManagement, nil))

	c, err := h.reg.ResumeManagement("res-1")
	require.NoError(t, err)

	received := make(chan []byte, 8)
	c.OnMessage(func(msg []byte) { received <- msg })

	// Transient network loss: the entry stays registered.
	require.NoError(t, conn1.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.reg.ManagementCount())

	// A message sent while detached is retained for replay.
	_ = c.Send([]byte("while-away"))

	conn2 := h.dial("res-1", true)
	assertOKReply(t, h.handshake(conn2, protocol.ConnectionTypeManagement, nil))

	assert.Equal(t, []byte("while-away"), readFrame(t, conn2))

	require.NoError(t, protocol.WriteFrame(conn2, []byte("hello-again")))
	select {
	case msg := <-received:
		assert.Equal(t, []byte("hello-again"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("resumed connection never delivered the client message")
	}
}

func TestDispatchManagementResumeLosslessPrefix(t *testing.T) {
	h := startAgent(t)
	conn1 := h.dial("res-2", false)
	assertOKReply(t, h.handshake(conn1, protocol.ConnectionTypeManagement, nil))

	c, err := h.reg.ResumeManagement("res-2")
	require.NoError(t, err)
	received := make(chan []byte, 8)
	c.OnMessage(func(msg []byte) { received <- msg })

	require.NoError(t, conn1.Close())
	time.Sleep(50 * time.Millisecond)

	// Resume, sending the connectionType and an eager message in one write so
	// bytes land on the ephemeral transport before the handoff.
	conn2 := h.dial("res-2", true)
	sendFrameJSON(t, conn2, protocol.HandshakeMessage{Type: "auth", Auth: testConnectionToken})
	var sign protocol.SignMessage
	require.NoError(t, json.Unmarshal(readFrame(t, conn2), &sign))

	ctype, err := json.Marshal(protocol.HandshakeMessage{
		Type:                  "connectionType",
		SignedData:            testConnectionToken,
		IsBuilt:               true,
		DesiredConnectionType: protocol.ConnectionTypeManagement,
	})
	require.NoError(t, err)
	burst := append(protocol.EncodeFrame(ctype), protocol.EncodeFrame([]byte("early-bird"))...)
	burst = append(burst, protocol.EncodeFrame([]byte("second"))...)
	_, err = conn2.Write(burst)
	require.NoError(t, err)

	assertOKReply(t, readFrame(t, conn2))

	// Both eager messages arrive, in order, before anything sent later.
	require.NoError(t, protocol.WriteFrame(conn2, []byte("third")))
	for i, want := range []string{"early-bird", "second", "third"} {
		select {
		case msg := <-received:
			assert.Equal(t, want, string(msg), "message %d out of order", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %q never arrived", want)
		}
	}
}

func TestDispatchExtensionHostEcho(t *testing.T) {
	h := startAgent(t)
	port := freeLoopbackPort(t)
	conn := h.dial("xh-1", false)

	ack := h.handshake(conn, protocol.ConnectionTypeExtensionHost, map[string]any{"port": port})
	var reply protocol.ExtensionHostAck
	require.NoError(t, json.Unmarshal(ack, &reply))
	assert.Equal(t, port, reply.DebugPort)
	// The ack precedes the worker spawn; the entry is registered after it.
	assert.Eventually(t, func() bool { return h.reg.ExtensionHostCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// The cat worker echoes every frame back through the transport.
	require.NoError(t, protocol.WriteFrame(conn, []byte("hello-worker")))
	assert.Equal(t, []byte("hello-worker"), readFrame(t, conn))

	c, err := h.reg.ResumeExtensionHost("xh-1")
	require.NoError(t, err)
	c.Close()
	assert.Eventually(t, func() bool { return h.reg.ExtensionHostCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestDispatchExtensionHostWithoutDebugPort(t *testing.T) {
	h := startAgent(t)
	conn := h.dial("xh-2", false)

	ack := h.handshake(conn, protocol.ConnectionTypeExtensionHost, nil)
	assert.JSONEq(t, "{}", string(ack))

	require.Eventually(t, func() bool { return h.reg.ExtensionHostCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	c, err := h.reg.ResumeExtensionHost("xh-2")
	require.NoError(t, err)
	assert.Equal(t, 0, c.DebugPort)
	c.Close()
}

func TestDispatchExtensionHostResume(t *testing.T) {
	h := startAgent(t)
	conn1 := h.dial("xh-3", false)
	ack := h.handshake(conn1, protocol.ConnectionTypeExtensionHost, nil)
	assert.JSONEq(t, "{}", string(ack))

	require.NoError(t, conn1.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.reg.ExtensionHostCount())

	conn2 := h.dial("xh-3", true)
	ack = h.handshake(conn2, protocol.ConnectionTypeExtensionHost, nil)
	assert.JSONEq(t, "{}", string(ack))

	// The worker survived the reconnect; the echo still works.
	require.NoError(t, protocol.WriteFrame(conn2, []byte("after-resume")))
	assert.Equal(t, []byte("after-resume"), readFrame(t, conn2))

	c, err := h.reg.ResumeExtensionHost("xh-3")
	require.NoError(t, err)
	c.Close()
}

func TestDispatchExtensionHostSpawnFailure(t *testing.T) {
	h := startAgent(t)
	h.cfg.ExtensionHostCommand = []string{"/nonexistent/roost-worker"}

	conn := h.dial("xh-4", false)
	ack := h.handshake(conn, protocol.ConnectionTypeExtensionHost, nil)
	assert.JSONEq(t, "{}", string(ack))

	// The socket closes and no registry entry is ever created.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn)
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.reg.ExtensionHostCount() == 0 },
		time.Second, 10*time.Millisecond)

	// The token is free for a later attempt.
	h.cfg.ExtensionHostCommand = []string{"cat"}
	conn2 := h.dial("xh-4", false)
	assert.JSONEq(t, "{}", string(h.handshake(conn2, protocol.ConnectionTypeExtensionHost, nil)))
	require.Eventually(t, func() bool { return h.reg.ExtensionHostCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	c, err := h.reg.ResumeExtensionHost("xh-4")
	require.NoError(t, err)
	c.Close()
}

func TestDispatchTunnel(t *testing.T) {
	h := startAgent(t)
	echoPort := startEcho(t)
	conn := h.dial("tun-1", false)

	sendFrameJSON(t, conn, protocol.HandshakeMessage{Type: "auth", Auth: testConnectionToken})
	var sign protocol.SignMessage
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &sign))

	ctype, err := json.Marshal(protocol.HandshakeMessage{
		Type:                  "connectionType",
		SignedData:            testConnectionToken,
		IsBuilt:               true,
		DesiredConnectionType: protocol.ConnectionTypeTunnel,
		Args:                  json.RawMessage(`{"port":` + strconv.Itoa(echoPort) + `}`),
	})
	require.NoError(t, err)

	// Tunnel payload written before the handoff completes is not lost.
	burst := append(protocol.EncodeFrame(ctype), []byte("ping-")...)
	_, err = conn.Write(burst)
	require.NoError(t, err)
	_, err = conn.Write([]byte("pong"))
	require.NoError(t, err)

	buf := make([]byte, 9)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping-pong"), buf)

	// Tunnels never touch the registries.
	assert.Equal(t, 0, h.reg.ManagementCount())
	assert.Equal(t, 0, h.reg.ExtensionHostCount())
}

func TestDispatchRejectSendsErrorAndCloses(t *testing.T) {
	h := startAgent(t)
	conn := h.dial("rej-1", false)

	sendFrameJSON(t, conn, protocol.HandshakeMessage{Type: "auth", Auth: "bogus"})
	assertErrorReply(t, readFrame(t, conn), protocol.ReasonUnauthorized)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadFrame(conn)
	assert.Error(t, err)
}
