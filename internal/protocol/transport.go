package protocol

import (
	"net"
	"sync"
)

const (
	// maxReplayFrames bounds the outbound replay buffer. Frames older than
	// the window cannot be replayed after a reconnect; clients that fall that
	// far behind have to establish a fresh connection.
	maxReplayFrames = 4096
	maxReplayBytes  = 16 * 1024 * 1024
)

type outboundFrame struct {
	seq     uint64
	payload []byte
}

// Transport is a persistent, message-oriented transport over a byte stream.
// It survives the loss of its underlying socket: outbound frames are retained
// for replay, and a new socket can be bound with Rebind without losing
// inbound ordering.
type Transport struct {
	mu sync.Mutex

	conn    MessageConn
	handler func([]byte)

	// Inbound messages received while no handler is subscribed.
	queue      [][]byte
	delivering bool

	outbound      []outboundFrame
	outboundBytes int
	nextSeq       uint64

	suspended bool
	disposed  bool
	loopGen   int

	onTerminal   func(error)
	terminalSent bool
}

// NewTransport wraps conn. Call Start to begin reading.
func NewTransport(conn MessageConn) *Transport {
	return &Transport{conn: conn, nextSeq: 1}
}

// Start launches the read loop.
func (t *Transport) Start() {
	t.mu.Lock()
	t.loopGen++
	gen := t.loopGen
	conn := t.conn
	t.mu.Unlock()
	go t.readLoop(conn, gen)
}

func (t *Transport) readLoop(conn MessageConn, gen int) {
	for {
		t.mu.Lock()
		if t.loopGen != gen || t.suspended || t.disposed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := t.loopGen != gen || t.disposed
			t.mu.Unlock()
			if !stale {
				t.fireTerminal(err)
				_ = conn.Close()
			}
			return
		}
		t.deliver(msg)
	}
}

// deliver enqueues msg and flushes the queue to the subscribed handler.
// Queue-then-flush keeps ordering stable across subscribe/rebind races.
func (t *Transport) deliver(msg []byte) {
	t.mu.Lock()
	t.queue = append(t.queue, msg)
	t.flushLocked()
	t.mu.Unlock()
}

// flushLocked drains the inbound queue to the handler. The mutex is released
// around each handler call so handlers can use the transport; the delivering
// flag keeps concurrent flushers from interleaving messages.
func (t *Transport) flushLocked() {
	if t.delivering {
		return
	}
	t.delivering = true
	for t.handler != nil && len(t.queue) > 0 && !t.disposed {
		msg := t.queue[0]
		t.queue = t.queue[1:]
		h := t.handler
		t.mu.Unlock()
		h(msg)
		t.mu.Lock()
	}
	t.delivering = false
}

// SendControl enqueues a framed control message for the peer. The frame is
// retained for replay after a reconnect regardless of the write outcome.
func (t *Transport) SendControl(payload []byte) error {
	t.mu.Lock()
	frame := outboundFrame{seq: t.nextSeq, payload: payload}
	t.nextSeq++
	t.outbound = append(t.outbound, frame)
	t.outboundBytes += len(payload)
	for len(t.outbound) > maxReplayFrames || t.outboundBytes > maxReplayBytes {
		t.outboundBytes -= len(t.outbound[0].payload)
		t.outbound = t.outbound[1:]
	}
	conn := t.conn
	t.mu.Unlock()

	if err := conn.WriteMessage(payload); err != nil {
		t.fireTerminal(err)
		return err
	}
	return nil
}

// SendEphemeral writes a control message without retaining it for replay.
// Handshake traffic uses this: sign challenges and acknowledgements belong
// to one socket's handshake, not to the resumable stream.
func (t *Transport) SendEphemeral(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if err := conn.WriteMessage(payload); err != nil {
		t.fireTerminal(err)
		return err
	}
	return nil
}

// OnControlMessage subscribes handler to complete inbound control messages.
// Passing nil unsubscribes; messages then accumulate until the next
// subscriber or a buffer handoff.
func (t *Transport) OnControlMessage(handler func([]byte)) {
	t.mu.Lock()
	t.handler = handler
	if handler != nil {
		t.flushLocked()
	}
	t.mu.Unlock()
}

// OnTerminal registers the callback fired once when the underlying socket
// fails. The owner decides whether to tear down or await a resume.
func (t *Transport) OnTerminal(f func(error)) {
	t.mu.Lock()
	t.onTerminal = f
	t.mu.Unlock()
}

func (t *Transport) fireTerminal(err error) {
	t.mu.Lock()
	if t.terminalSent || t.disposed {
		t.mu.Unlock()
		return
	}
	t.terminalSent = true
	f := t.onTerminal
	t.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// Suspend stops the read loop after the in-flight message, leaving all
// further inbound bytes untouched on the socket. Called on terminal handshake
// transitions before ownership moves.
func (t *Transport) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()
}

// Resume restarts reading after a Suspend, on the same socket. Used when the
// handshake transport stays bound to the accepted connection.
func (t *Transport) Resume() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.suspended = false
	t.loopGen++
	gen := t.loopGen
	conn := t.conn
	t.flushLocked()
	t.mu.Unlock()
	go t.readLoop(conn, gen)
}

// Conn returns the current underlying message connection.
func (t *Transport) Conn() MessageConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// ReadEntireBuffer atomically detaches all unread inbound bytes, re-encoded
// in the transport's own framing, so the next owner sees a lossless stream.
// The transport must be suspended first.
func (t *Transport) ReadEntireBuffer() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf []byte
	for _, msg := range t.queue {
		buf = append(buf, EncodeFrame(msg)...)
	}
	t.queue = nil
	if rc, ok := t.conn.(*RawConn); ok {
		buf = append(buf, rc.Remainder()...)
		// A trailing partial frame goes back onto the socket stream so the
		// handed-off buffer holds only complete frames and the next reader
		// stays frame-aligned.
		if _, rest := DecodeFrames(buf); len(rest) > 0 {
			rc.Prepend(rest)
			buf = buf[:len(buf)-len(rest)]
		}
	}
	return buf
}

// Detach returns a byte-stream view of the socket plus any unread inbound
// payload bytes, with no framing applied. Used for tunnel handoff, after
// which the transport no longer owns the socket.
func (t *Transport) Detach() (net.Conn, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prefix []byte
	for _, msg := range t.queue {
		prefix = append(prefix, msg...)
	}
	t.queue = nil

	switch c := t.conn.(type) {
	case *RawConn:
		prefix = append(prefix, c.Remainder()...)
		return &detachedConn{Conn: c.NetConn(), mc: c}, prefix
	case *WebSocketConn:
		return c.Stream(), prefix
	default:
		return &detachedConn{Conn: t.conn.NetConn(), mc: t.conn}, prefix
	}
}

// detachedConn forwards Close through the MessageConn wrapper so the upgrade
// handler parked on Done unblocks when the detached socket ends.
type detachedConn struct {
	net.Conn
	mc MessageConn
}

func (d *detachedConn) Close() error { return d.mc.Close() }

// CloseWrite passes a half-close through when the socket supports it.
func (d *detachedConn) CloseWrite() error {
	if hc, ok := d.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return d.mc.Close()
}

// Rebind attaches a new underlying socket, feeds it the buffered prefix from
// the ephemeral handshake transport, replays outbound frames with sequence
// numbers at or above replayFrom, and resumes reading.
func (t *Transport) Rebind(conn MessageConn, prefix []byte, replayFrom uint64) error {
	t.mu.Lock()
	old := t.conn
	frames, rest := DecodeFrames(prefix)
	for _, f := range frames {
		t.queue = append(t.queue, f)
	}
	if len(rest) > 0 {
		if rc, ok := conn.(*RawConn); ok {
			rc.Prepend(rest)
		}
		// A partial frame can only exist in raw mode, where Prepend stitches
		// it back onto the socket stream.
	}
	t.conn = conn
	t.suspended = false
	t.terminalSent = false
	t.loopGen++
	gen := t.loopGen

	var replay []outboundFrame
	for _, f := range t.outbound {
		if f.seq >= replayFrom {
			replay = append(replay, f)
		}
	}
	t.flushLocked()
	t.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}

	for _, f := range replay {
		if err := conn.WriteMessage(f.payload); err != nil {
			t.fireTerminal(err)
			return err
		}
	}

	go t.readLoop(conn, gen)
	return nil
}

// Dispose releases the transport without closing the socket; ownership of
// the socket has moved elsewhere.
func (t *Transport) Dispose() {
	t.mu.Lock()
	t.disposed = true
	t.suspended = true
	t.handler = nil
	t.queue = nil
	t.outbound = nil
	t.mu.Unlock()
}

// Close tears down the transport and the underlying socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.disposed = true
	t.suspended = true
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
