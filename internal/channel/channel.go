// Package channel tracks the lifecycle of each relayed connection: its
// state, the write half of its local TCP endpoint, and (for the
// originating party) a single-shot slot awaiting CONNECT_RESPONSE.
package channel

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/postalsys/wsocks5/internal/frame"
)

// fastOpenCap bounds how much DATA a channel will buffer while it has no
// writer attached yet — the window between a dialer registering a channel
// and a successful dial attaching its local connection. Per spec, this
// permits the originating side to start sending DATA before CONNECT_RESPONSE
// arrives without it being lost.
const fastOpenCap = 64 * 1024

// ErrFastOpenOverflow is returned by Write once buffered pre-connect data for
// a channel exceeds fastOpenCap; the caller must fail the channel.
var ErrFastOpenOverflow = errors.New("fast_open buffer exceeded 64KiB")

// State is a channel's position in its Connecting -> Connected ->
// Disconnected lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ConnectResult is delivered exactly once to the completion slot of the
// channel that originated a CONNECT.
type ConnectResult struct {
	Err error
}

// Channel is one relayed TCP connection's bookkeeping: the local
// connection's write half, current state, and (for the originator) a
// completion slot.
type Channel struct {
	id    frame.ChannelID
	state atomic.Int32

	mu          sync.Mutex
	writer      io.Writer // write half of the local TCP endpoint
	closer      io.Closer
	pending     [][]byte // fast_open buffer: DATA received before writer is attached
	pendingSize int

	waitOnce sync.Once
	waitCh   chan ConnectResult
}

// New creates a Connecting channel for id. writer/closer are the local TCP
// endpoint's write half; pass nil for a reverse-mode dispatch target that
// has not dialed yet.
func New(id frame.ChannelID, writer io.Writer, closer io.Closer) *Channel {
	c := &Channel{id: id, writer: writer, closer: closer, waitCh: make(chan ConnectResult, 1)}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the channel's identifier.
func (c *Channel) ID() frame.ChannelID { return c.id }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// SetWriter attaches the local write half once a dial succeeds (a dialer
// registers a channel with no writer before dialing, so DATA arriving ahead
// of that, per fast_open, has somewhere to go). Any data buffered by Write
// in the meantime is flushed to w in order; the first flush error is
// returned, and the caller should Fail the channel rather than mark it
// connected in that case.
func (c *Channel) SetWriter(w io.Writer, closer io.Closer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer = w
	c.closer = closer
	pending := c.pending
	c.pending = nil
	c.pendingSize = 0
	for _, chunk := range pending {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Write serializes writes to the channel's local endpoint so that DATA
// frames are applied in the order they were produced. Before a writer is
// attached, it buffers into the fast_open window (fastOpenCap total),
// failing once that cap is exceeded.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		if c.pendingSize+len(p) > fastOpenCap {
			return 0, ErrFastOpenOverflow
		}
		c.pending = append(c.pending, append([]byte(nil), p...))
		c.pendingSize += len(p)
		return len(p), nil
	}
	return c.writer.Write(p)
}

// MarkConnected transitions Connecting -> Connected and resolves the
// completion slot with success. It is a no-op if the channel is not
// Connecting.
func (c *Channel) MarkConnected() {
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		c.resolve(ConnectResult{})
	}
}

// Fail transitions Connecting -> Disconnected and resolves the completion
// slot with err. It is a no-op if the channel is not Connecting.
func (c *Channel) Fail(err error) {
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected)) {
		c.resolve(ConnectResult{Err: err})
	}
}

// Wait returns a channel that receives the result once the channel's
// completion slot is resolved, for the party that originated it via CONNECT.
func (c *Channel) Wait() <-chan ConnectResult {
	return c.waitCh
}

func (c *Channel) resolve(res ConnectResult) {
	c.waitOnce.Do(func() {
		c.waitCh <- res
	})
}

// Close transitions the channel to Disconnected (idempotent) and closes
// the local endpoint if one was attached.
func (c *Channel) Close() error {
	prev := State(c.state.Swap(int32(StateDisconnected)))
	c.resolve(ConnectResult{Err: io.EOF})
	if prev == StateDisconnected {
		return nil
	}
	c.mu.Lock()
	closer := c.closer
	c.mu.Unlock()
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// Registry is a concurrency-safe map of live channels keyed by ID.
type Registry struct {
	mu       sync.RWMutex
	channels map[frame.ChannelID]*Channel
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[frame.ChannelID]*Channel)}
}

// Add registers a channel, replacing any existing entry for the same ID.
func (r *Registry) Add(c *Channel) {
	r.mu.Lock()
	r.channels[c.id] = c
	r.mu.Unlock()
}

// Get looks up a channel by ID under the registry's read lock, so it waits
// while an Add or Remove holds the write lock.
func (r *Registry) Get(id frame.ChannelID) (*Channel, bool) {
	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	return c, ok
}

// Remove removes and closes the channel for id. It is a no-op if id is
// not present, matching the idempotent-disconnect requirement.
func (r *Registry) Remove(id frame.ChannelID) {
	r.mu.Lock()
	c, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Len reports the number of live channels, used by tests to assert a
// registry drains completely after a session ends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll tears down every channel in the registry, used on session close.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		all = append(all, c)
	}
	r.channels = make(map[frame.ChannelID]*Channel)
	r.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}
