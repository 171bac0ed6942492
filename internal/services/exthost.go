package services

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roost-dev/roost/internal/config"
	"github.com/roost-dev/roost/internal/protocol"
)

// ExtensionHostFactory spawns a worker for a fresh extension host connection
// and returns its handle. The initial buffer holds bytes that arrived on the
// ephemeral handshake transport; they reach the worker before anything read
// from the socket afterwards.
type ExtensionHostFactory func(cfg *config.Config, log zerolog.Logger, socket protocol.MessageConn, initialBuffer []byte, params *protocol.StartParams, token string) (*ExtensionHostConnection, error)

// ExtensionHostConnection owns one framed transport and one child worker
// process. Client control messages are pumped to the worker's stdin and the
// worker's stdout frames back to the client.
type ExtensionHostConnection struct {
	Token     string
	DebugPort int // 0 when debugging is disabled
	Params    *protocol.StartParams

	transport *protocol.Transport
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	log       zerolog.Logger

	mu        sync.Mutex
	stdinMu   sync.Mutex
	closeSubs []func()
	closed    bool
}

// NewExtensionHost is the default ExtensionHostFactory. It spawns the
// configured worker command, seeds its stdin with the initial buffer, and
// wires the stdio frame pump. Spawn failure leaves no process behind.
func NewExtensionHost(cfg *config.Config, log zerolog.Logger, socket protocol.MessageConn, initialBuffer []byte, params *protocol.StartParams, token string) (*ExtensionHostConnection, error) {
	if params == nil {
		params = &protocol.StartParams{}
	}

	argv := cfg.ExtensionHostCommand
	if len(argv) == 0 {
		return nil, fmt.Errorf("no extension host command configured")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("ROOST_EXTHOST_LANGUAGE=%s", params.Language),
	)
	debugPort := 0
	if params.Port != nil {
		debugPort = *params.Port
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("ROOST_EXTHOST_DEBUG_PORT=%d", debugPort),
			fmt.Sprintf("ROOST_EXTHOST_DEBUG_ID=%s", params.DebugID),
			fmt.Sprintf("ROOST_EXTHOST_BREAK=%s", strconv.FormatBool(params.Break)),
		)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn extension host worker: %w", err)
	}

	c := &ExtensionHostConnection{
		Token:     token,
		DebugPort: debugPort,
		Params:    params,
		cmd:       cmd,
		stdin:     stdin,
		log:       log.With().Str("token", token).Int("pid", cmd.Process.Pid).Logger(),
	}

	t := protocol.NewTransport(socket)
	c.transport = t
	t.OnTerminal(func(err error) {
		// Transient network loss: the worker keeps running; outbound frames
		// are retained for replay until the client resumes.
		c.log.Warn().Err(err).Msg("🔌 Extension host socket lost, awaiting reconnection")
	})

	// Seed the worker with the buffered prefix before any socket traffic.
	if len(initialBuffer) > 0 {
		c.stdinMu.Lock()
		_, err = stdin.Write(initialBuffer)
		c.stdinMu.Unlock()
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("failed to seed worker with buffered prefix: %w", err)
		}
	}

	t.OnControlMessage(func(msg []byte) {
		c.stdinMu.Lock()
		err := protocol.WriteFrame(c.stdin, msg)
		c.stdinMu.Unlock()
		if err != nil {
			c.log.Error().Err(err).Msg("❌ Failed to write to worker stdin")
		}
	})
	t.Start()

	go c.pumpStdout(stdout)
	go c.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			c.log.Warn().Err(err).Msg("⚠️ Extension host worker exited with error")
		} else {
			c.log.Info().Msg("✅ Extension host worker exited")
		}
		c.Close()
	}()

	c.log.Info().Str("language", params.Language).Int("debugPort", debugPort).Msg("🚀 Extension host worker started")
	return c, nil
}

func (c *ExtensionHostConnection) pumpStdout(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			if err != io.EOF {
				c.log.Debug().Err(err).Msg("Worker stdout closed")
			}
			return
		}
		if err := c.transport.SendControl(frame); err != nil {
			// Retained for replay; keep pumping so the worker never blocks.
			continue
		}
	}
}

func (c *ExtensionHostConnection) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// OnClose subscribes to the connection's terminal close.
func (c *ExtensionHostConnection) OnClose(f func()) {
	c.mu.Lock()
	c.closeSubs = append(c.closeSubs, f)
	c.mu.Unlock()
}

// AcceptReconnection rebinds the transport to a new socket, seeding it with
// the bytes buffered by the ephemeral handshake transport.
func (c *ExtensionHostConnection) AcceptReconnection(conn protocol.MessageConn, buffered []byte) error {
	c.log.Info().Int("buffered", len(buffered)).Msg("🔄 Extension host connection resumed")
	return c.transport.Rebind(conn, buffered, 0)
}

// Close terminates the worker and releases the socket. Idempotent.
func (c *ExtensionHostConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]func(), len(c.closeSubs))
	copy(subs, c.closeSubs)
	c.mu.Unlock()

	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.transport.Close()
	for _, s := range subs {
		s()
	}
}
