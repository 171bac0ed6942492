package handlers

import (
	"crypto/sha1"
	"encoding/base64"
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roost-dev/roost/internal/protocol"
)

// websocketMagicGUID is the fixed GUID of RFC 6455 §4.
const websocketMagicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key:
// base64(SHA-1(clientKey + magic GUID)).
func AcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + websocketMagicGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AcceptFunc owns an upgraded socket until its end of life.
type AcceptFunc func(mc protocol.MessageConn, params protocol.UpgradeParams)

// Upgrader turns qualifying HTTP requests into handshake sockets. Any request
// carrying Upgrade: websocket enters the upgrade flow regardless of path;
// everything else falls through to the plain HTTP routes.
type Upgrader struct {
	accept AcceptFunc
	log    zerolog.Logger
}

// NewUpgrader creates an upgrader delivering sockets to accept.
func NewUpgrader(accept AcceptFunc, log zerolog.Logger) *Upgrader {
	return &Upgrader{accept: accept, log: log}
}

// Handler is the fiber middleware implementing the dispatch in front of the
// plain HTTP surface.
func (u *Upgrader) Handler(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		if c.Method() != fiber.MethodGet {
			return c.Status(fiber.StatusInternalServerError).
				SendString("Unsupported method " + c.Method())
		}
		params := parseUpgradeParams(c)
		if params.SkipFrames {
			return u.upgradeRaw(c, params)
		}
		return u.upgradeWebSocket(c, params)
	}

	if c.Method() != fiber.MethodGet {
		return c.Status(fiber.StatusInternalServerError).
			SendString("Unsupported method " + c.Method())
	}
	return c.Next()
}

// parseUpgradeParams copies the upgrade query parameters out of fiber's
// reusable buffers. A missing reconnection token gets a fresh random one.
func parseUpgradeParams(c *fiber.Ctx) protocol.UpgradeParams {
	token := strings.Clone(c.Query("reconnectionToken"))
	if token == "" {
		token = uuid.New().String()
	}
	return protocol.UpgradeParams{
		Token:          token,
		IsReconnection: c.Query("reconnection") == "true",
		SkipFrames:     c.Query("skipWebSocketFrames") == "true",
	}
}

// upgradeWebSocket performs the framed-mode upgrade; the websocket library
// computes the accept token. The handler parks until the socket's end of
// life so the framework never closes a socket that is still owned.
func (u *Upgrader) upgradeWebSocket(c *fiber.Ctx, params protocol.UpgradeParams) error {
	u.log.Debug().Str("token", params.Token).Bool("reconnection", params.IsReconnection).
		Msg("📡 WebSocket upgrade")
	return websocket.New(func(conn *websocket.Conn) {
		mc := protocol.NewWebSocketConn(conn)
		u.accept(mc, params)
		_ = mc.Close()
	})(c)
}

// upgradeRaw performs the skipWebSocketFrames upgrade: the 101 response is
// written with a hand-computed accept token and the socket is hijacked with
// no WebSocket framing on top. Native clients use this path.
func (u *Upgrader) upgradeRaw(c *fiber.Ctx, params protocol.UpgradeParams) error {
	key := strings.Clone(c.Get("Sec-WebSocket-Key"))
	if key == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Bad upgrade request")
	}

	u.log.Debug().Str("token", params.Token).Bool("reconnection", params.IsReconnection).
		Msg("📡 Raw transport upgrade")

	c.Status(fiber.StatusSwitchingProtocols)
	c.Set("Upgrade", "websocket")
	c.Set("Connection", "Upgrade")
	c.Set("Sec-WebSocket-Accept", AcceptKey(key))

	c.Context().Hijack(func(conn net.Conn) {
		mc := protocol.NewRawConn(conn)
		u.accept(mc, params)
		_ = mc.Close()
	})
	return nil
}
