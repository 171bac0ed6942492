package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// maxFrameSize bounds a single control frame. Anything larger is a
	// protocol violation, not a legitimate message.
	maxFrameSize = 16 * 1024 * 1024

	frameHeaderSize = 4

	// binaryMessage is the RFC 6455 binary opcode, shared by the gorilla and
	// fasthttp websocket libraries.
	binaryMessage = 2
	textMessage   = 1
)

// MessageConn is a message-framed byte channel over an underlying socket.
// Implementations exist for WebSocket-framed connections and for raw TCP
// connections carrying the agent's own length-prefixed framing.
type MessageConn interface {
	// ReadMessage blocks until a complete inbound message is available.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one framed message.
	WriteMessage(data []byte) error
	// Close shuts the underlying socket down. Idempotent.
	Close() error
	// NetConn exposes the underlying socket.
	NetConn() net.Conn
	// Done is closed once the connection has been closed.
	Done() <-chan struct{}
}

// EncodeFrame wraps payload in the raw-mode wire format: a 4-byte big-endian
// length followed by the payload.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", length, maxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w in the raw-mode wire format.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// DecodeFrames splits buf into the complete frames it contains and the
// trailing partial remainder, if any.
func DecodeFrames(buf []byte) (frames [][]byte, rest []byte) {
	for {
		if len(buf) < frameHeaderSize {
			return frames, buf
		}
		length := binary.BigEndian.Uint32(buf)
		if uint64(len(buf)) < uint64(frameHeaderSize)+uint64(length) {
			return frames, buf
		}
		frames = append(frames, buf[frameHeaderSize:frameHeaderSize+length])
		buf = buf[frameHeaderSize+length:]
	}
}

// RawConn frames a raw TCP socket with the agent's own length-prefixed
// framing. Used when the upgrade request carried skipWebSocketFrames=true.
type RawConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewRawConn wraps conn. Idle timeouts on the socket are disabled; liveness
// is a higher-layer concern.
func NewRawConn(conn net.Conn) *RawConn {
	_ = conn.SetDeadline(time.Time{})
	return &RawConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		done:   make(chan struct{}),
	}
}

func (r *RawConn) ReadMessage() ([]byte, error) {
	return ReadFrame(r.reader)
}

func (r *RawConn) WriteMessage(data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return WriteFrame(r.conn, data)
}

func (r *RawConn) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
		close(r.done)
	})
	return err
}

func (r *RawConn) NetConn() net.Conn { return r.conn }

func (r *RawConn) Done() <-chan struct{} { return r.done }

// Prepend arranges for data to be consumed before any further socket bytes.
// Must only be called while no read is in flight.
func (r *RawConn) Prepend(data []byte) {
	if len(data) == 0 {
		return
	}
	r.reader = bufio.NewReader(io.MultiReader(bytes.NewReader(data), r.reader))
}

// Remainder detaches the bytes already buffered off the socket but not yet
// decoded. Must only be called while no read is in flight.
func (r *RawConn) Remainder() []byte {
	n := r.reader.Buffered()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.reader, buf); err != nil {
		return nil
	}
	return buf
}

// wsConn is the method set shared by gofiber/websocket and gorilla/websocket
// connections.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	UnderlyingConn() net.Conn
}

// WebSocketConn adapts a server- or client-side websocket connection to the
// MessageConn seam. WebSocket framing replaces the raw length prefix on the
// wire; payloads are identical in both modes.
type WebSocketConn struct {
	conn      wsConn
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketConn wraps ws.
func NewWebSocketConn(ws wsConn) *WebSocketConn {
	return &WebSocketConn{conn: ws, done: make(chan struct{})}
}

func (w *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == binaryMessage || messageType == textMessage {
			return data, nil
		}
		// Control frames are handled by the websocket library itself.
	}
}

func (w *WebSocketConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(binaryMessage, data)
}

func (w *WebSocketConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
		close(w.done)
	})
	return err
}

func (w *WebSocketConn) NetConn() net.Conn { return w.conn.UnderlyingConn() }

func (w *WebSocketConn) Done() <-chan struct{} { return w.done }

// Stream returns a byte-stream view of the connection for byte-transparent
// bridging: reads concatenate inbound message payloads, writes become binary
// messages.
func (w *WebSocketConn) Stream() net.Conn {
	return &wsStream{ws: w}
}

// wsStream adapts a WebSocketConn to net.Conn for tunnel piping.
type wsStream struct {
	ws      *WebSocketConn
	pending []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		data, err := s.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.pending = data
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error                       { return s.ws.Close() }
func (s *wsStream) LocalAddr() net.Addr                { return s.ws.NetConn().LocalAddr() }
func (s *wsStream) RemoteAddr() net.Addr               { return s.ws.NetConn().RemoteAddr() }
func (s *wsStream) SetDeadline(t time.Time) error      { return s.ws.NetConn().SetDeadline(t) }
func (s *wsStream) SetReadDeadline(t time.Time) error  { return s.ws.NetConn().SetReadDeadline(t) }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return s.ws.NetConn().SetWriteDeadline(t) }
