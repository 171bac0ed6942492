package services

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const tunnelDialTimeout = 10 * time.Second

// halfCloser is implemented by connections supporting one-directional
// shutdown (notably *net.TCPConn).
type halfCloser interface {
	CloseWrite() error
}

// RunTunnel bridges a remote client socket to a local TCP port. The buffered
// prefix — bytes the client sent before the handoff — is written to the
// local side first so nothing is lost. Bytes are piped in both directions
// until either side ends; each end's EOF half-closes the other.
func RunTunnel(log zerolog.Logger, remote net.Conn, prefix []byte, targetPort int) {
	tlog := log.With().Int("port", targetPort).Logger()

	local, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", targetPort), tunnelDialTimeout)
	if err != nil {
		tlog.Error().Err(err).Msg("❌ Tunnel dial failed")
		_ = remote.Close()
		return
	}

	if len(prefix) > 0 {
		if _, err := local.Write(prefix); err != nil {
			tlog.Error().Err(err).Msg("❌ Failed to seed tunnel with buffered prefix")
			_ = remote.Close()
			_ = local.Close()
			return
		}
	}

	tlog.Debug().Int("seeded", len(prefix)).Msg("🔗 Tunnel established")

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		} else {
			_ = dst.Close()
		}
		done <- struct{}{}
	}
	go pipe(local, remote)
	go pipe(remote, local)

	<-done
	<-done
	_ = local.Close()
	_ = remote.Close()
	tlog.Debug().Msg("🔌 Tunnel closed")
}
