// Package token implements the server's forward/reverse/connector token
// registry: administrative add/remove operations, the SHA256 lookup index,
// and round-robin selection across a reverse token's connected clients.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/relay"
)

var (
	// ErrTokenExists is returned when a token is already registered in
	// any role.
	ErrTokenExists = errors.New("token already exists")

	// ErrPortExhausted is returned when the port pool has no ports left
	// to hand to a new reverse token.
	ErrPortExhausted = errors.New("port pool exhausted")

	// ErrReverseTokenNotFound is returned when a connector is registered
	// against a reverse token that does not exist.
	ErrReverseTokenNotFound = errors.New("reverse token not found")

	// ErrNoReverseClients is returned when a channel origination is
	// attempted against a reverse token with zero connected clients.
	ErrNoReverseClients = errors.New("no reverse clients connected")
)

// PortAllocator acquires and releases ports for reverse tokens. Satisfied
// by *internal/portpool.Pool.
type PortAllocator interface {
	Acquire(preferred uint16) uint16
	Release(port uint16)
}

// ReverseOptions configures a reverse token at creation time.
type ReverseOptions struct {
	Port                 uint16 // preferred port, 0 for any
	AllowManageConnector bool
	SocksWaitClient      bool // if true, defer starting the listener until the first reverse client authenticates
	Username             string
	Password             string
	// RateLimitBytesPerSec optionally caps relay throughput for every
	// channel dispatched under this reverse token. 0 disables the cap.
	RateLimitBytesPerSec int64
}

// Sender is whatever can originate a CONNECT frame toward one reverse
// client and carry the resulting channel's traffic: the per-session
// outbound writer. The relay methods are part of the contract because a
// selected client immediately serves as the SOCKS5 ingress's upstream,
// whose pump emits DATA and DISCONNECT frames. Satisfied by
// *internal/session.Session.
type Sender interface {
	SendConnect(cid frame.ChannelID, addr *frame.Addr) error
	relay.Sender
}

type reverseEntry struct {
	options ReverseOptions
	port    uint16

	mu      sync.Mutex
	clients []Sender
	cursor  int
}

// Snapshot describes a single token for administrative listing.
type Snapshot struct {
	Token       string
	Port        uint16 // 0 if not a reverse token, or allow_manage_connector with no port
	ClientCount int
}

// StatusSnapshot is the aggregate counters for the admin status endpoint.
type StatusSnapshot struct {
	ClientCount         int
	ForwardTokenCount   int
	ReverseTokenCount   int
	ConnectorTokenCount int
}

// Registry is the server's token store: forward set, reverse map, connector
// map, and a SHA256 hex index used for fast session authentication lookup.
type Registry struct {
	ports PortAllocator

	mu        sync.RWMutex
	forward   map[string]struct{}
	reverse   map[string]*reverseEntry
	connector map[string]string // connector token -> reverse token
	index     map[string]string // sha256 hex -> raw token

	// onListenerStart/onListenerStop let the server supervisor wire
	// reverse-token lifecycle into the listener supervisor (§4.8) without
	// this package importing it directly.
	onListenerStart func(token string, port uint16)
	onListenerStop  func(token string, port uint16)
}

// New returns an empty token registry backed by the given port allocator.
func New(ports PortAllocator) *Registry {
	return &Registry{
		ports:     ports,
		forward:   make(map[string]struct{}),
		reverse:   make(map[string]*reverseEntry),
		connector: make(map[string]string),
		index:     make(map[string]string),
	}
}

// SetListenerHooks wires callbacks invoked when a reverse token's listener
// should start or stop, used by the server supervisor to own actual socket
// lifecycle while this package owns token bookkeeping.
func (r *Registry) SetListenerHooks(start, stop func(token string, port uint16)) {
	r.onListenerStart = start
	r.onListenerStop = stop
}

func randomToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (r *Registry) exists(tok string) bool {
	if _, ok := r.forward[tok]; ok {
		return true
	}
	if _, ok := r.reverse[tok]; ok {
		return true
	}
	if _, ok := r.connector[tok]; ok {
		return true
	}
	return false
}

// AddForwardToken registers a forward-mode token, generating one if tok is
// empty.
func (r *Registry) AddForwardToken(tok string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok == "" {
		tok = randomToken()
	}
	if r.exists(tok) {
		return "", ErrTokenExists
	}
	r.forward[tok] = struct{}{}
	r.index[sha256Hex(tok)] = tok
	return tok, nil
}

// AddReverseToken registers a reverse-mode token per opts, acquiring a
// port unless AllowManageConnector is set (port=0, connector-managed).
// The returned port is 0 when no port was acquired.
func (r *Registry) AddReverseToken(tok string, opts ReverseOptions) (string, uint16, error) {
	r.mu.Lock()
	if tok == "" {
		tok = randomToken()
	}
	if r.exists(tok) {
		r.mu.Unlock()
		return "", 0, ErrTokenExists
	}

	var port uint16
	if !opts.AllowManageConnector {
		port = r.ports.Acquire(opts.Port)
		if port == 0 {
			r.mu.Unlock()
			return "", 0, ErrPortExhausted
		}
	}

	entry := &reverseEntry{options: opts, port: port}
	r.reverse[tok] = entry
	r.index[sha256Hex(tok)] = tok
	start := r.onListenerStart
	wait := opts.SocksWaitClient
	r.mu.Unlock()

	if port != 0 && !wait && start != nil {
		start(tok, port)
	}
	return tok, port, nil
}

// AddConnectorToken registers a connector token bound to reverseTok,
// generating one if connector is empty.
func (r *Registry) AddConnectorToken(connector, reverseTok string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reverse[reverseTok]; !ok {
		return "", ErrReverseTokenNotFound
	}
	if connector == "" {
		connector = randomToken()
	}
	if r.exists(connector) {
		return "", ErrTokenExists
	}
	r.connector[connector] = reverseTok
	r.index[sha256Hex(connector)] = connector
	return connector, nil
}

// RemoveToken removes tok from whichever role(s) it appears in: the
// forward set, the reverse map (releasing its port and stopping its
// listener), and the connector map (both as a key and, for every entry
// whose value matches, as a bound reverse token). Returns whether anything
// was removed.
func (r *Registry) RemoveToken(tok string) bool {
	r.mu.Lock()
	removed := false

	if _, ok := r.forward[tok]; ok {
		delete(r.forward, tok)
		removed = true
	}

	var stopPort uint16
	var stopTok string
	if entry, ok := r.reverse[tok]; ok {
		delete(r.reverse, tok)
		if entry.port != 0 {
			r.ports.Release(entry.port)
			stopPort = entry.port
			stopTok = tok
		}
		removed = true
	}

	if _, ok := r.connector[tok]; ok {
		delete(r.connector, tok)
		removed = true
	}
	for connTok, boundReverse := range r.connector {
		if boundReverse == tok {
			delete(r.connector, connTok)
			delete(r.index, sha256Hex(connTok))
			removed = true
		}
	}

	delete(r.index, sha256Hex(tok))
	stop := r.onListenerStop
	r.mu.Unlock()

	if stopPort != 0 && stop != nil {
		stop(stopTok, stopPort)
	}
	return removed
}

// IsForwardTokenActive reports whether tok — the effective token a
// forward-mode session authenticated under, either a forward token or the
// reverse token a connector token resolved to — is still registered. A
// session that authenticated before RemoveToken(tok) must consult this
// before dialing a new CONNECT, refusing with TokenRevoked once it
// returns false, while channels it already opened keep serving.
func (r *Registry) IsForwardTokenActive(tok string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.forward[tok]; ok {
		return true
	}
	_, ok := r.reverse[tok]
	return ok
}

// RemoveConnectorToken removes a connector token only.
func (r *Registry) RemoveConnectorToken(connector string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connector[connector]; !ok {
		return false
	}
	delete(r.connector, connector)
	delete(r.index, sha256Hex(connector))
	return true
}

// Authenticate resolves a raw token presented at AUTH time via the SHA256
// index: it must name a forward token, a reverse token, or a connector
// token. On success it returns the effective reverse token to operate
// under (for a connector, its bound reverse token; otherwise tok itself)
// and whether this is a reverse-capable identity.
func (r *Registry) Authenticate(tok string) (effective string, isReverse bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.forward[tok]; ok {
		return tok, false, true
	}
	if _, ok := r.reverse[tok]; ok {
		return tok, true, true
	}
	if reverseTok, ok := r.connector[tok]; ok {
		return reverseTok, false, true
	}
	return "", false, false
}

// ReverseOptionsFor returns the options a reverse token was created with.
func (r *Registry) ReverseOptionsFor(reverseTok string) (ReverseOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.reverse[reverseTok]
	if !ok {
		return ReverseOptions{}, false
	}
	return e.options, true
}

// RegisterClient adds a live session sender to a reverse token's client
// list, starting its listener if it was deferred via SocksWaitClient.
func (r *Registry) RegisterClient(reverseTok string, s Sender) error {
	r.mu.RLock()
	entry, ok := r.reverse[reverseTok]
	start := r.onListenerStart
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("register client: %w", ErrReverseTokenNotFound)
	}

	entry.mu.Lock()
	firstClient := len(entry.clients) == 0
	entry.clients = append(entry.clients, s)
	port := entry.port
	wait := entry.options.SocksWaitClient
	entry.mu.Unlock()

	if firstClient && wait && port != 0 && start != nil {
		start(reverseTok, port)
	}
	return nil
}

// DeregisterClient removes a session sender from a reverse token's client
// list, e.g. on session close.
func (r *Registry) DeregisterClient(reverseTok string, s Sender) {
	r.mu.RLock()
	entry, ok := r.reverse[reverseTok]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i, c := range entry.clients {
		if c == s {
			entry.clients = append(entry.clients[:i], entry.clients[i+1:]...)
			if entry.cursor > i {
				entry.cursor--
			}
			break
		}
	}
}

// NextClient selects the next client for reverseTok using a monotonic,
// wrapping round-robin cursor. Returns ErrNoReverseClients if the token has
// no connected clients.
func (r *Registry) NextClient(reverseTok string) (Sender, error) {
	r.mu.RLock()
	entry, ok := r.reverse[reverseTok]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrReverseTokenNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.clients) == 0 {
		return nil, ErrNoReverseClients
	}
	chosen := entry.clients[entry.cursor%len(entry.clients)]
	entry.cursor = (entry.cursor + 1) % len(entry.clients)
	return chosen, nil
}

// ForEachClient invokes fn for every client currently registered under
// reverseTok, used to broadcast PARTNERS updates after registration changes.
// fn is called outside the registry lock, against a snapshot of the client
// list at call time.
func (r *Registry) ForEachClient(reverseTok string, fn func(Sender)) {
	r.mu.RLock()
	entry, ok := r.reverse[reverseTok]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	clients := append([]Sender(nil), entry.clients...)
	entry.mu.Unlock()
	for _, c := range clients {
		fn(c)
	}
}

// ClientCount reports how many clients are registered for reverseTok.
func (r *Registry) ClientCount(reverseTok string) int {
	r.mu.RLock()
	entry, ok := r.reverse[reverseTok]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.clients)
}

// StatusSnapshot reports aggregate counters across all tokens.
func (r *Registry) StatusSnapshot() StatusSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clientCount := 0
	for _, e := range r.reverse {
		e.mu.Lock()
		clientCount += len(e.clients)
		e.mu.Unlock()
	}
	return StatusSnapshot{
		ClientCount:         clientCount,
		ForwardTokenCount:   len(r.forward),
		ReverseTokenCount:   len(r.reverse),
		ConnectorTokenCount: len(r.connector),
	}
}

// TokenSnapshot lists every reverse token with its port and live client
// count, for administrative inspection.
func (r *Registry) TokenSnapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.reverse))
	for tok, e := range r.reverse {
		e.mu.Lock()
		out = append(out, Snapshot{Token: tok, Port: e.port, ClientCount: len(e.clients)})
		e.mu.Unlock()
	}
	return out
}
