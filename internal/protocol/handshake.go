package protocol

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

type handshakeState int

const (
	stateAwaitAuth handshakeState = iota
	stateAwaitType
	stateDone
)

// Handshake drives the three-message auth/typing exchange on a freshly
// upgraded transport and emits a single typed ConnectionIntent. The machine
// unsubscribes from control messages on its terminal transition; subsequent
// control-message ownership passes to the next owner.
type Handshake struct {
	transport *Transport
	token     string
	commit    string
	signer    Signer
	params    UpgradeParams
	log       zerolog.Logger

	state  handshakeState
	result chan ConnectionIntent
}

// NewHandshake builds a machine for one upgraded transport. token is the
// server's connection token, commit the server's build commit (empty in
// unbuilt trees), signer optional.
func NewHandshake(t *Transport, token, commit string, signer Signer, params UpgradeParams, log zerolog.Logger) *Handshake {
	return &Handshake{
		transport: t,
		token:     token,
		commit:    commit,
		signer:    signer,
		params:    params,
		log:       log,
		state:     stateAwaitAuth,
		result:    make(chan ConnectionIntent, 1),
	}
}

// Run subscribes the machine and returns the channel delivering exactly one
// intent. There is no handshake timeout; a stalled peer holds its socket
// until the OS drops it.
func (h *Handshake) Run() <-chan ConnectionIntent {
	h.transport.OnControlMessage(h.handleMessage)
	return h.result
}

func (h *Handshake) handleMessage(raw []byte) {
	var msg HandshakeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Error().Err(err).Msg("❌ Malformed handshake message")
		h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
		return
	}

	switch h.state {
	case stateAwaitAuth:
		h.handleAuth(msg)
	case stateAwaitType:
		h.handleConnectionType(msg)
	}
}

func (h *Handshake) handleAuth(msg HandshakeMessage) {
	if msg.Type != "auth" || msg.Auth == "" || msg.Auth != h.token {
		h.log.Warn().Str("type", msg.Type).Msg("🚫 Handshake auth refused")
		h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnauthorized})
		return
	}

	challenge := placeholderChallenge
	if h.signer != nil {
		challenge = h.signer.CreateChallenge(h.token)
	}
	if err := h.transport.SendEphemeral(EncodeSign(challenge)); err != nil {
		h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
		return
	}
	h.state = stateAwaitType
}

func (h *Handshake) handleConnectionType(msg HandshakeMessage) {
	if msg.Type != "connectionType" {
		h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
		return
	}

	if h.commit != "" && msg.Commit != "" && msg.Commit != h.commit {
		h.log.Warn().Str("clientCommit", msg.Commit).Str("serverCommit", h.commit).Msg("🚫 Client commit mismatch")
		h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonVersionMismatch})
		return
	}

	valid := msg.SignedData == h.token
	if !valid && h.signer != nil {
		valid = h.signer.Validate(msg.SignedData)
	}
	if !valid {
		if msg.IsBuilt {
			h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnauthorized})
			return
		}
		// Unbuilt clients (dev mode) proceed with a warning.
		h.log.Warn().Msg("⚠️ Unbuilt client with invalid signed data, proceeding")
	}

	switch msg.DesiredConnectionType {
	case ConnectionTypeManagement:
		h.finish(ConnectionIntent{
			Kind:           IntentManagement,
			Token:          h.params.Token,
			IsReconnection: h.params.IsReconnection,
		})
	case ConnectionTypeExtensionHost:
		params := &StartParams{}
		if len(msg.Args) > 0 {
			if err := json.Unmarshal(msg.Args, params); err != nil {
				h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
				return
			}
		}
		h.finish(ConnectionIntent{
			Kind:           IntentExtensionHost,
			Token:          h.params.Token,
			IsReconnection: h.params.IsReconnection,
			StartParams:    params,
		})
	case ConnectionTypeTunnel:
		var args TunnelArgs
		if len(msg.Args) > 0 {
			if err := json.Unmarshal(msg.Args, &args); err != nil {
				h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
				return
			}
		}
		if args.Port <= 0 || args.Port > 65535 {
			h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
			return
		}
		h.finish(ConnectionIntent{Kind: IntentTunnel, TargetPort: args.Port})
	default:
		h.finish(ConnectionIntent{Kind: IntentReject, Reason: ReasonUnknownData})
	}
}

// finish performs the terminal transition: suspend reads so no byte past the
// handshake is consumed, revoke the subscription, deliver the intent.
func (h *Handshake) finish(intent ConnectionIntent) {
	if h.state == stateDone {
		return
	}
	h.state = stateDone
	h.transport.Suspend()
	h.transport.OnControlMessage(nil)
	h.result <- intent
}
