package services

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/roost-dev/roost/internal/protocol"
)

// ManagementConnection owns the framed transport of one management channel.
// Subscribers receive decoded control messages; the request router hangs off
// OnMessage. A transient socket error leaves the connection detached in the
// registry awaiting resume; Close is its end of life.
type ManagementConnection struct {
	Token string

	transport *protocol.Transport
	log       zerolog.Logger

	mu        sync.Mutex
	msgSubs   []func([]byte)
	closeSubs []func()
	closed    bool
}

// NewManagementConnection binds a connection to its transport. The transport
// must already be owned by the caller; message routing starts immediately.
func NewManagementConnection(token string, t *protocol.Transport, log zerolog.Logger) *ManagementConnection {
	c := &ManagementConnection{
		Token:     token,
		transport: t,
		log:       log.With().Str("token", token).Logger(),
	}
	t.OnTerminal(func(err error) {
		// Transient network loss: stay registered, await resume.
		c.log.Warn().Err(err).Msg("🔌 Management socket lost, awaiting reconnection")
	})
	t.OnControlMessage(c.fanout)
	return c
}

func (c *ManagementConnection) fanout(msg []byte) {
	c.mu.Lock()
	subs := make([]func([]byte), len(c.msgSubs))
	copy(subs, c.msgSubs)
	c.mu.Unlock()
	for _, s := range subs {
		s(msg)
	}
}

// OnMessage subscribes to decoded inbound control messages.
func (c *ManagementConnection) OnMessage(f func([]byte)) {
	c.mu.Lock()
	c.msgSubs = append(c.msgSubs, f)
	c.mu.Unlock()
}

// OnClose subscribes to the connection's terminal close.
func (c *ManagementConnection) OnClose(f func()) {
	c.mu.Lock()
	c.closeSubs = append(c.closeSubs, f)
	c.mu.Unlock()
}

// Send writes a control message to the client.
func (c *ManagementConnection) Send(msg []byte) error {
	return c.transport.SendControl(msg)
}

// AcceptReconnection rebinds the connection's transport to a new socket,
// seeding it with the bytes the ephemeral handshake transport buffered so
// nothing is lost across the resume.
func (c *ManagementConnection) AcceptReconnection(conn protocol.MessageConn, buffered []byte) error {
	c.log.Info().Int("buffered", len(buffered)).Msg("🔄 Management connection resumed")
	return c.transport.Rebind(conn, buffered, 0)
}

// Close ends the connection's life and releases the socket. Idempotent.
func (c *ManagementConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]func(), len(c.closeSubs))
	copy(subs, c.closeSubs)
	c.mu.Unlock()

	_ = c.transport.Close()
	for _, s := range subs {
		s()
	}
}
