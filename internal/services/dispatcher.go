package services

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/roost-dev/roost/internal/config"
	"github.com/roost-dev/roost/internal/protocol"
)

// Dispatcher routes validated connection intents to registry actions. It is
// the only component that writes to the registry; error replies are always
// JSON control messages followed by transport and socket disposal.
type Dispatcher struct {
	cfg     *config.Config
	reg     *Registry
	factory ExtensionHostFactory
	signer  protocol.Signer
	log     zerolog.Logger
}

// NewDispatcher wires the dispatcher. factory defaults to NewExtensionHost
// when nil.
func NewDispatcher(cfg *config.Config, reg *Registry, factory ExtensionHostFactory, signer protocol.Signer, log zerolog.Logger) *Dispatcher {
	if factory == nil {
		factory = NewExtensionHost
	}
	return &Dispatcher{cfg: cfg, reg: reg, factory: factory, signer: signer, log: log}
}

// Accept owns an upgraded socket for its whole life: it drives the handshake
// on a fresh transport, dispatches the resulting intent, and returns only
// once the socket is finished. The HTTP layer calls this from the upgrade
// handler so the framework never closes a socket that is still owned.
func (d *Dispatcher) Accept(mc protocol.MessageConn, params protocol.UpgradeParams) {
	t := protocol.NewTransport(mc)
	hs := protocol.NewHandshake(t, d.cfg.ConnectionToken, d.cfg.Commit, d.signer, params, d.log)
	result := hs.Run()
	t.Start()

	select {
	case intent := <-result:
		d.Dispatch(t, intent)
		<-mc.Done()
	case <-mc.Done():
		// Peer vanished mid-handshake; the read loop already closed the
		// socket and there is nothing to dispatch.
	}
}

// Dispatch applies one intent to the registry and hands the transport to its
// next owner.
func (d *Dispatcher) Dispatch(t *protocol.Transport, intent protocol.ConnectionIntent) {
	switch intent.Kind {
	case protocol.IntentManagement:
		if intent.IsReconnection {
			d.resumeManagement(t, intent)
		} else {
			d.freshManagement(t, intent)
		}
	case protocol.IntentExtensionHost:
		if intent.IsReconnection {
			d.resumeExtensionHost(t, intent)
		} else {
			d.freshExtensionHost(t, intent)
		}
	case protocol.IntentTunnel:
		d.bridgeTunnel(t, intent)
	case protocol.IntentReject:
		d.log.Warn().Str("reason", intent.Reason).Msg("🚫 Connection refused")
		d.reject(t, intent.Reason)
	default:
		d.reject(t, protocol.ReasonUnknownData)
	}
}

// reject sends the JSON error reply and disposes transport and socket.
func (d *Dispatcher) reject(t *protocol.Transport, reason string) {
	_ = t.SendEphemeral(protocol.EncodeError(reason))
	_ = t.Close()
}

func (d *Dispatcher) freshManagement(t *protocol.Transport, intent protocol.ConnectionIntent) {
	c := NewManagementConnection(intent.Token, t, d.log)
	if err := d.reg.InsertManagement(c); err != nil {
		d.log.Warn().Str("token", intent.Token).Msg("🚫 Duplicate management reconnection token")
		d.reject(t, protocol.ReasonDuplicateToken)
		return
	}
	c.OnClose(func() {
		d.reg.RemoveManagement(intent.Token)
	})
	if err := t.SendEphemeral(protocol.EncodeOK()); err != nil {
		return
	}
	t.Resume()
	d.log.Info().Str("token", intent.Token).Msg("✅ Management connection established")
}

func (d *Dispatcher) resumeManagement(t *protocol.Transport, intent protocol.ConnectionIntent) {
	c, err := d.reg.ResumeManagement(intent.Token)
	if err != nil {
		d.log.Warn().Str("token", intent.Token).Msg("🚫 Unknown management reconnection token")
		d.reject(t, protocol.ReasonUnknownToken)
		return
	}
	if err := t.SendEphemeral(protocol.EncodeOK()); err != nil {
		return
	}
	buffered := t.ReadEntireBuffer()
	socket := t.Conn()
	t.Dispose()
	if err := c.AcceptReconnection(socket, buffered); err != nil {
		d.log.Error().Err(err).Str("token", intent.Token).Msg("❌ Management reconnection failed")
	}
}

func (d *Dispatcher) freshExtensionHost(t *protocol.Transport, intent protocol.ConnectionIntent) {
	if err := d.reg.BeginExtensionHost(intent.Token); err != nil {
		d.log.Warn().Str("token", intent.Token).Msg("🚫 Duplicate extension host reconnection token")
		d.reject(t, protocol.ReasonDuplicateToken)
		return
	}

	ResolveDebugPort(intent.StartParams)
	if err := t.SendEphemeral(encodeExtHostAck(intent.StartParams)); err != nil {
		d.reg.AbortExtensionHost(intent.Token)
		return
	}

	buffered := t.ReadEntireBuffer()
	socket := t.Conn()
	t.Dispose()

	c, err := d.factory(d.cfg, d.log, socket, buffered, intent.StartParams, intent.Token)
	if err != nil {
		d.log.Error().Err(err).Str("token", intent.Token).Msg("❌ Extension host spawn failed")
		d.reg.AbortExtensionHost(intent.Token)
		_ = socket.Close()
		return
	}
	c.OnClose(func() {
		d.reg.RemoveExtensionHost(intent.Token)
	})
	d.reg.CompleteExtensionHost(c)
	d.log.Info().Str("token", intent.Token).Int("debugPort", c.DebugPort).Msg("✅ Extension host connection established")
}

func (d *Dispatcher) resumeExtensionHost(t *protocol.Transport, intent protocol.ConnectionIntent) {
	c, err := d.reg.ResumeExtensionHost(intent.Token)
	if err != nil {
		d.log.Warn().Str("token", intent.Token).Msg("🚫 Unknown extension host reconnection token")
		d.reject(t, protocol.ReasonUnknownToken)
		return
	}
	ack := protocol.ExtensionHostAck{DebugPort: c.DebugPort}
	data, _ := json.Marshal(ack)
	if err := t.SendEphemeral(data); err != nil {
		return
	}
	buffered := t.ReadEntireBuffer()
	socket := t.Conn()
	t.Dispose()
	if err := c.AcceptReconnection(socket, buffered); err != nil {
		d.log.Error().Err(err).Str("token", intent.Token).Msg("❌ Extension host reconnection failed")
	}
}

func (d *Dispatcher) bridgeTunnel(t *protocol.Transport, intent protocol.ConnectionIntent) {
	remote, prefix := t.Detach()
	t.Dispose()
	go RunTunnel(d.log, remote, prefix, intent.TargetPort)
}

// encodeExtHostAck builds the extension host acknowledgement: {"debugPort":n}
// when debugging is active, {} otherwise.
func encodeExtHostAck(params *protocol.StartParams) []byte {
	ack := protocol.ExtensionHostAck{}
	if params != nil && params.Port != nil {
		ack.DebugPort = *params.Port
	}
	data, _ := json.Marshal(ack)
	return data
}
