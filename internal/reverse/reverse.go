// Package reverse supervises one TCP accept loop per reverse token's port,
// dispatching each accepted connection to SOCKS5 ingress bound to that
// token's round-robin client selection.
package reverse

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/wsocks5/internal/portmgr"
	"github.com/postalsys/wsocks5/internal/recovery"
	"github.com/postalsys/wsocks5/internal/socks5"
	"github.com/postalsys/wsocks5/internal/token"
)

// NextClientFunc resolves the next sender for a reverse token via
// round-robin. Satisfied by (*token.Registry).NextClient.
type NextClientFunc func(reverseToken string) (token.Sender, error)

// listener is one supervised accept loop bound to a single reverse token
// and port.
type listener struct {
	token string
	port  uint16

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	conns   *socks5.ConnTracker[net.Conn]
	ingress *socks5.Ingress
}

// ListenerOptions carries per-reverse-token overrides applied to the
// listener's SOCKS5 ingress: credentials (RFC 1929) and a bandwidth cap.
type ListenerOptions struct {
	Authenticators       []socks5.Authenticator
	RateLimitBytesPerSec int64
}

// Supervisor owns the set of active reverse listeners, keyed by token.
type Supervisor struct {
	ports      *portmgr.Manager
	ingress    *socks5.Ingress
	nextClient NextClientFunc
	logger     *slog.Logger

	mu        sync.Mutex
	listeners map[string]*listener
}

// New returns a Supervisor. ingress is shared across all reverse listeners;
// its Authenticators should reflect the server's default policy — per-token
// credentials (RFC 1929) are layered in by the caller constructing ingress
// per reverse token options if needed.
func New(ports *portmgr.Manager, ingress *socks5.Ingress, nextClient NextClientFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		ports:      ports,
		ingress:    ingress,
		nextClient: nextClient,
		logger:     logger,
		listeners:  make(map[string]*listener),
	}
}

// EnsureRunning starts a listener for tok on port unless one is already
// running; an existing stopped entry is replaced. opts layers per-token
// SOCKS5 credentials and a bandwidth cap onto the shared ingress.
func (s *Supervisor) EnsureRunning(tok string, port uint16, opts ListenerOptions) error {
	s.mu.Lock()
	if existing, ok := s.listeners[tok]; ok && existing.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	addr, err := s.ports.Acquire(port)
	if err != nil {
		return fmt.Errorf("acquire port: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.ports.Release(port)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	l := &listener{
		token:   tok,
		port:    port,
		stopCh:  make(chan struct{}),
		conns:   socks5.NewConnTracker[net.Conn](),
		ingress: s.ingress.WithAuthenticators(opts.Authenticators, opts.RateLimitBytesPerSec),
	}
	l.running.Store(true)

	s.mu.Lock()
	s.listeners[tok] = l
	s.mu.Unlock()

	l.wg.Add(1)
	go s.acceptLoop(l, ln)
	return nil
}

func (s *Supervisor) acceptLoop(l *listener, ln net.Listener) {
	defer l.wg.Done()
	defer ln.Close()
	defer s.ports.Release(l.port)
	defer l.running.Store(false)
	defer l.conns.CloseAll()

	go func() {
		<-l.stopCh
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				s.logger.Warn("reverse listener accept error", "token", l.token, "error", err)
				return
			}
		}
		l.conns.Add(conn)
		go s.dispatch(l, conn)
	}
}

func (s *Supervisor) dispatch(l *listener, conn net.Conn) {
	defer l.conns.Remove(conn)
	defer recovery.RecoverWithLog(s.logger, "reverse.dispatch")
	sender, err := s.nextClient(l.token)
	if err != nil {
		s.logger.Warn("reverse origination failed, no clients", "token", l.token, "error", err)
		if herr := l.ingress.HandleUnavailable(conn); herr != nil {
			s.logger.Debug("reverse unavailable handshake ended", "token", l.token, "error", herr)
		}
		return
	}
	if err := l.ingress.Handle(conn, sender); err != nil {
		s.logger.Debug("reverse ingress ended", "token", l.token, "error", err)
	}
}

// Stop idempotently stops the listener for tok and awaits its accept loop's
// completion.
func (s *Supervisor) Stop(tok string) {
	s.mu.Lock()
	l, ok := s.listeners[tok]
	if ok {
		delete(s.listeners, tok)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	closeOnce(l)
	l.wg.Wait()
}

func closeOnce(l *listener) {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// StopAll stops every supervised listener, used on server shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	toks := make([]string, 0, len(s.listeners))
	for tok := range s.listeners {
		toks = append(toks, tok)
	}
	s.mu.Unlock()
	for _, tok := range toks {
		s.Stop(tok)
	}
}
