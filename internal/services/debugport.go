package services

import (
	"fmt"
	"net"
	"time"

	"github.com/roost-dev/roost/internal/protocol"
)

const (
	debugProbeAttempts = 10
	debugProbeBudget   = 5 * time.Second
)

// ResolveDebugPort updates params with a usable debug port. A numeric port
// request is probed upward from the requested value, up to ten candidates
// within a hard five-second budget; the first free one wins, and when none
// is found the requested value is left as-is. Without a port request,
// debugging is disabled entirely.
func ResolveDebugPort(params *protocol.StartParams) {
	if params == nil {
		return
	}
	if params.Port == nil {
		params.DebugID = ""
		params.Break = false
		return
	}

	deadline := time.Now().Add(debugProbeBudget)
	base := *params.Port
	for i := 0; i < debugProbeAttempts && !time.Now().After(deadline); i++ {
		candidate := base + i
		if candidate > 65535 {
			break
		}
		if portFree(candidate) {
			*params.Port = candidate
			return
		}
	}
}

// portFree probes a loopback port with a bind-and-release. A collision means
// occupied, not an error.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
