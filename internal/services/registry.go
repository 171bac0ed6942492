package services

import (
	"errors"
	"sync"
)

var (
	// ErrDuplicateToken is returned on a fresh connect with a token already
	// present in the registry. Never a silent replacement.
	ErrDuplicateToken = errors.New("duplicate reconnection token")

	// ErrUnknownToken is returned on a resume for an absent token. Never an
	// auto-promotion to fresh.
	ErrUnknownToken = errors.New("unknown reconnection token")
)

// Registry keeps the two token-keyed tables of live connections. Entries
// live from first acceptance until explicit close; a detached entry (socket
// lost, awaiting resume) stays present. The dispatcher is the only writer.
type Registry struct {
	mu       sync.Mutex
	mgmt     map[string]*ManagementConnection
	xhost    map[string]*ExtensionHostConnection
	reserved map[string]bool

	// onExtHostClosed / onExtHostOpened observe extension-host lifecycle for
	// the idle supervisor. Called outside the registry lock.
	onExtHostOpened func()
	onExtHostClosed func()
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mgmt:     make(map[string]*ManagementConnection),
		xhost:    make(map[string]*ExtensionHostConnection),
		reserved: make(map[string]bool),
	}
}

// ObserveExtensionHosts wires lifecycle callbacks, typically the idle
// supervisor's.
func (r *Registry) ObserveExtensionHosts(opened, closed func()) {
	r.mu.Lock()
	r.onExtHostOpened = opened
	r.onExtHostClosed = closed
	r.mu.Unlock()
}

// InsertManagement registers a fresh management connection. The presence
// check and insert are atomic.
func (r *Registry) InsertManagement(c *ManagementConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mgmt[c.Token]; exists {
		return ErrDuplicateToken
	}
	r.mgmt[c.Token] = c
	return nil
}

// ResumeManagement looks up a management connection for resume.
func (r *Registry) ResumeManagement(token string) (*ManagementConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.mgmt[token]
	if !exists {
		return nil, ErrUnknownToken
	}
	return c, nil
}

// RemoveManagement drops a management entry on terminal close.
func (r *Registry) RemoveManagement(token string) {
	r.mu.Lock()
	delete(r.mgmt, token)
	r.mu.Unlock()
}

// BeginExtensionHost reserves a token ahead of the worker spawn, keeping the
// duplicate check atomic without holding the lock across the spawn. The
// reservation must be completed or aborted.
func (r *Registry) BeginExtensionHost(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.xhost[token]; exists {
		return ErrDuplicateToken
	}
	if r.reserved[token] {
		return ErrDuplicateToken
	}
	r.reserved[token] = true
	return nil
}

// CompleteExtensionHost converts a reservation into a live entry.
func (r *Registry) CompleteExtensionHost(c *ExtensionHostConnection) {
	r.mu.Lock()
	delete(r.reserved, c.Token)
	r.xhost[c.Token] = c
	opened := r.onExtHostOpened
	r.mu.Unlock()
	if opened != nil {
		opened()
	}
}

// AbortExtensionHost releases a reservation after a failed spawn; the entry
// is never created.
func (r *Registry) AbortExtensionHost(token string) {
	r.mu.Lock()
	delete(r.reserved, token)
	r.mu.Unlock()
}

// ResumeExtensionHost looks up an extension host connection for resume.
func (r *Registry) ResumeExtensionHost(token string) (*ExtensionHostConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.xhost[token]
	if !exists {
		return nil, ErrUnknownToken
	}
	return c, nil
}

// RemoveExtensionHost drops an extension host entry on terminal close.
func (r *Registry) RemoveExtensionHost(token string) {
	r.mu.Lock()
	_, existed := r.xhost[token]
	delete(r.xhost, token)
	closed := r.onExtHostClosed
	r.mu.Unlock()
	if existed && closed != nil {
		closed()
	}
}

// ManagementCount returns the number of live management entries.
func (r *Registry) ManagementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mgmt)
}

// ExtensionHostCount returns the number of live extension host entries.
// Management connections never count toward idleness.
func (r *Registry) ExtensionHostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.xhost)
}
