// Package portmgr resolves host+port to a concrete listener address and
// tracks a reference count per port, delaying teardown of a freshly-vacated
// port so a listener can be rebuilt without hitting "address already in
// use" on a near-immediate rebind.
package portmgr

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// releaseDelay is how long an entry survives after its reference count
// reaches zero before it is dropped, per spec.
const releaseDelay = 30 * time.Second

type entry struct {
	addr    string
	refs    int
	release *time.Timer
}

// Manager tracks reference-counted bind addresses.
type Manager struct {
	host string

	mu      sync.Mutex
	entries map[uint16]*entry
}

// New returns a Manager that binds listener addresses against host (empty
// string means all interfaces).
func New(host string) *Manager {
	return &Manager{host: host, entries: make(map[uint16]*entry)}
}

// Acquire increments the reference count for port, cancelling any pending
// delayed release, and returns the address to bind or dial. On first
// acquire it only joins host and port; it does not check that the address
// is valid or bindable and does not bind a socket — callers own the actual
// net.Listen and see any bind error there.
func (m *Manager) Acquire(port uint16) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[port]
	if ok {
		if e.release != nil {
			e.release.Stop()
			e.release = nil
		}
		e.refs++
		return e.addr, nil
	}

	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", port))
	m.entries[port] = &entry{addr: addr, refs: 1}
	return addr, nil
}

// Release decrements the reference count for port. When it reaches zero a
// 30-second timer is scheduled to drop the entry; a subsequent Acquire
// before the timer fires cancels it.
func (m *Manager) Release(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[port]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.release = time.AfterFunc(releaseDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.entries[port]; ok && cur.refs <= 0 {
			delete(m.entries, port)
		}
	})
}

// Close drops all entries immediately, cancelling any pending release
// timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, e := range m.entries {
		if e.release != nil {
			e.release.Stop()
		}
		delete(m.entries, port)
	}
}
