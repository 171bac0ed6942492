package protocol

import "encoding/json"

// Connection types a client may request during the handshake.
const (
	ConnectionTypeManagement    = "Management"
	ConnectionTypeExtensionHost = "ExtensionHost"
	ConnectionTypeTunnel        = "Tunnel"
)

// Handshake error reasons. External tooling matches on these strings.
const (
	ReasonUnauthorized    = "Unauthorized client refused."
	ReasonVersionMismatch = "Version mismatch, client refused."
	ReasonUnknownData     = "Unknown initial data received."
	ReasonDuplicateToken  = "Duplicate reconnection token."
	ReasonUnknownToken    = "Unknown reconnection token."
)

// HandshakeMessage is the envelope for every client control message during
// the handshake, discriminated on Type.
type HandshakeMessage struct {
	Type string `json:"type"`

	// type == "auth"
	Auth string `json:"auth,omitempty"`

	// type == "connectionType"
	SignedData            string          `json:"signedData,omitempty"`
	Commit                string          `json:"commit,omitempty"`
	IsBuilt               bool            `json:"isBuilt,omitempty"`
	DesiredConnectionType string          `json:"desiredConnectionType,omitempty"`
	Args                  json.RawMessage `json:"args,omitempty"`
}

// SignMessage is the server's challenge after a successful auth message.
type SignMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ErrorMessage is the server's refusal reply.
type ErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// OKMessage acknowledges a management connection.
type OKMessage struct {
	Type string `json:"type"`
}

// ExtensionHostAck acknowledges an extension host connection. DebugPort is
// omitted when debugging is disabled.
type ExtensionHostAck struct {
	DebugPort int `json:"debugPort,omitempty"`
}

// StartParams carries the extension host start arguments from the client.
type StartParams struct {
	Language string `json:"language,omitempty"`
	DebugID  string `json:"debugId,omitempty"`
	Port     *int   `json:"port,omitempty"`
	Break    bool   `json:"break,omitempty"`
}

// TunnelArgs carries the tunnel target from the client.
type TunnelArgs struct {
	Port int `json:"port"`
}

// IntentKind discriminates ConnectionIntent variants.
type IntentKind int

const (
	IntentManagement IntentKind = iota + 1
	IntentExtensionHost
	IntentTunnel
	IntentReject
)

func (k IntentKind) String() string {
	switch k {
	case IntentManagement:
		return "management"
	case IntentExtensionHost:
		return "extension-host"
	case IntentTunnel:
		return "tunnel"
	case IntentReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ConnectionIntent is the typed outcome of a completed handshake. Intents are
// created on upgrade and discarded after dispatch.
type ConnectionIntent struct {
	Kind           IntentKind
	Token          string
	IsReconnection bool

	// Kind == IntentExtensionHost
	StartParams *StartParams

	// Kind == IntentTunnel
	TargetPort int

	// Kind == IntentReject
	Reason string
}

// UpgradeParams are the validated query parameters of the upgrade request.
type UpgradeParams struct {
	Token          string
	IsReconnection bool
	SkipFrames     bool
}

// EncodeError builds the server's refusal reply.
func EncodeError(reason string) []byte {
	data, _ := json.Marshal(ErrorMessage{Type: "error", Reason: reason})
	return data
}

func EncodeOK() []byte {
	data, _ := json.Marshal(OKMessage{Type: "ok"})
	return data
}

func EncodeSign(data string) []byte {
	out, _ := json.Marshal(SignMessage{Type: "sign", Data: data})
	return out
}
