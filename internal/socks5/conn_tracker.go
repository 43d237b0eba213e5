package socks5

import (
	"io"
	"sync"
	"sync/atomic"
)

// connCloser combines io.Closer with comparable for map key usage.
type connCloser interface {
	comparable
	io.Closer
}

// ConnTracker manages active connections with thread-safe tracking and
// counting. The reverse listener supervisor uses it to force-close
// in-flight SOCKS5 connections when a listener stops.
type ConnTracker[T connCloser] struct {
	mu          sync.Mutex
	connections map[T]struct{}
	connCount   atomic.Int64
}

// NewConnTracker creates a new connection tracker.
func NewConnTracker[T connCloser]() *ConnTracker[T] {
	return &ConnTracker[T]{
		connections: make(map[T]struct{}),
	}
}

// Add registers a connection for tracking.
func (t *ConnTracker[T]) Add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = struct{}{}
	t.connCount.Add(1)
}

// Remove unregisters a connection from tracking.
// Safe to call multiple times for the same connection.
func (t *ConnTracker[T]) Remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connections[conn]; exists {
		delete(t.connections, conn)
		t.connCount.Add(-1)
	}
}

// Count returns the number of active connections.
func (t *ConnTracker[T]) Count() int64 {
	return t.connCount.Load()
}

// CloseAll closes all tracked connections and resets the tracker state.
func (t *ConnTracker[T]) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	// Clear the map and reset counter to prevent stale references
	// and counter inconsistency if Remove() is called after CloseAll().
	t.connections = make(map[T]struct{})
	t.connCount.Store(0)
}
