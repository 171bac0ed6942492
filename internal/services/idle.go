package services

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownTimeout is the grace period after the last extension host closes
// before the agent exits.
const ShutdownTimeout = 5 * time.Minute

// IdleSupervisor schedules process shutdown once no extension host
// connections remain. Management connections never count toward idleness.
// Inactive unless enabled.
type IdleSupervisor struct {
	enabled bool
	timeout time.Duration
	count   func() int
	exit    func(code int)
	dispose func()
	log     zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewIdleSupervisor builds a supervisor. count reports the live extension
// host connection count; dispose runs just before exit and may be nil.
func NewIdleSupervisor(enabled bool, count func() int, dispose func(), log zerolog.Logger) *IdleSupervisor {
	return &IdleSupervisor{
		enabled: enabled,
		timeout: ShutdownTimeout,
		count:   count,
		exit:    os.Exit,
		dispose: dispose,
		log:     log,
	}
}

// ExtensionHostOpened cancels any pending shutdown.
func (s *IdleSupervisor) ExtensionHostOpened() {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.log.Info().Msg("⏱️ Pending shutdown cancelled, extension host connected")
	}
}

// ExtensionHostClosed arms a fresh shutdown timer when the last extension
// host is gone. An existing pending timer is cancelled first.
func (s *IdleSupervisor) ExtensionHostClosed() {
	if !s.enabled {
		return
	}
	if s.count() != 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, s.fire)
	s.log.Info().Dur("grace", s.timeout).Msg("⏱️ Last extension host closed, shutdown scheduled")
}

// DelayShutdown restarts a pending timer, extending the grace period. A
// no-op when no timer is pending. Returns whether a delay happened.
func (s *IdleSupervisor) DelayShutdown() bool {
	if !s.enabled {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = time.AfterFunc(s.timeout, s.fire)
	s.log.Info().Dur("grace", s.timeout).Msg("⏱️ Shutdown delayed")
	return true
}

// fire rechecks before acting: a connection may have raced in since the
// timer was armed.
func (s *IdleSupervisor) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()

	if s.count() != 0 {
		s.log.Info().Msg("⏱️ Shutdown timer fired but extension hosts are connected, staying up")
		return
	}

	s.log.Info().Msg("👋 No extension hosts connected, shutting down")
	if s.dispose != nil {
		s.dispose()
	}
	s.exit(0)
}
