// Package server is the tunnel server's composition root: it terminates
// WebSocket tunnel sessions, dials CONNECT targets on behalf of forward-mode
// clients, and supervises per-reverse-token SOCKS5 listeners.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/config"
	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/metrics"
	"github.com/postalsys/wsocks5/internal/portmgr"
	"github.com/postalsys/wsocks5/internal/portpool"
	"github.com/postalsys/wsocks5/internal/relay"
	"github.com/postalsys/wsocks5/internal/reverse"
	"github.com/postalsys/wsocks5/internal/session"
	"github.com/postalsys/wsocks5/internal/socks5"
	"github.com/postalsys/wsocks5/internal/token"
)

// Server terminates tunnel sessions and wires their frames into a dialer
// (forward mode) or a reverse SOCKS5 listener supervisor (reverse mode).
type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Tokens is the server's token administration surface, also used by
	// internal/adminapi.
	Tokens *token.Registry

	ports    *portpool.Pool
	portmgr  *portmgr.Manager
	channels *channel.Registry
	reverse  *reverse.Supervisor
	connect  *relay.ConnectHandler

	httpSrv *http.Server
	ready   chan struct{}
}

// New builds a Server from cfg, wiring the token registry's listener hooks
// into the reverse supervisor and seeding any tokens declared in cfg.
func New(cfg config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}

	pool := portpool.New(cfg.Ports.Min, cfg.Ports.Max)
	pm := portmgr.New(cfg.SOCKS5.Host)
	channels := channel.NewRegistry()
	tokens := token.New(pool)

	ingress := &socks5.Ingress{
		Authenticators: socks5.CreateAuthenticators(socks5.AuthConfig{
			Enabled:     cfg.SOCKS5.Auth.Enabled,
			Required:    cfg.SOCKS5.Auth.Enabled,
			HashedUsers: hashedUsersFrom(cfg.SOCKS5.Auth.Users),
		}),
		Channels:       channels,
		ConnectTimeout: cfg.SOCKS5.ConnectTimeout,
		BufferSize:     cfg.Limits.BufferSize,
		Logger:         logger,
	}

	sup := reverse.New(pm, ingress, tokens.NextClient, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		Tokens:   tokens,
		ports:    pool,
		portmgr:  pm,
		channels: channels,
		reverse:  sup,
		ready:    make(chan struct{}),
		connect: &relay.ConnectHandler{
			Registry:       channels,
			ConnectTimeout: cfg.SOCKS5.ConnectTimeout,
			BufferSize:     cfg.Limits.BufferSize,
			Logger:         logger,
		},
	}

	tokens.SetListenerHooks(s.startReverseListener, func(tok string, _ uint16) {
		sup.Stop(tok)
	})

	for _, seed := range cfg.Tokens {
		if err := s.seedToken(seed); err != nil {
			return nil, fmt.Errorf("seeding token %q: %w", seed.Token, err)
		}
	}

	return s, nil
}

func (s *Server) startReverseListener(tok string, port uint16) {
	opts, ok := s.Tokens.ReverseOptionsFor(tok)
	if !ok {
		return
	}
	if err := s.reverse.EnsureRunning(tok, port, listenerOptionsFor(opts)); err != nil {
		s.logger.Error("failed to start reverse listener", "token", tok, "port", port, "error", err)
	}
}

func listenerOptionsFor(opts token.ReverseOptions) reverse.ListenerOptions {
	var auths []socks5.Authenticator
	if opts.Username != "" {
		auths = socks5.CreateAuthenticators(socks5.AuthConfig{
			Enabled:     true,
			Required:    true,
			HashedUsers: map[string]string{opts.Username: socks5.MustHashPassword(opts.Password)},
		})
	}
	return reverse.ListenerOptions{Authenticators: auths, RateLimitBytesPerSec: opts.RateLimitBytesPerSec}
}

func hashedUsersFrom(users []config.SOCKS5UserConfig) map[string]string {
	out := make(map[string]string, len(users))
	for _, u := range users {
		switch {
		case u.PasswordHash != "":
			out[u.Username] = u.PasswordHash
		case u.Password != "":
			out[u.Username] = socks5.MustHashPassword(u.Password)
		}
	}
	return out
}

func (s *Server) seedToken(seed config.SeedTokenConfig) error {
	switch seed.Kind {
	case "forward":
		_, err := s.Tokens.AddForwardToken(seed.Token)
		return err
	case "reverse":
		_, _, err := s.Tokens.AddReverseToken(seed.Token, token.ReverseOptions{
			Port:                 seed.Port,
			AllowManageConnector: seed.AllowManageConnector,
			SocksWaitClient:      seed.SocksWaitClient,
			Username:             seed.Username,
			Password:             seed.Password,
			RateLimitBytesPerSec: seed.RateLimitBytesPerSec,
		})
		return err
	case "connector":
		_, err := s.Tokens.AddConnectorToken(seed.Token, seed.ReverseToken)
		return err
	default:
		return fmt.Errorf("unknown token kind %q", seed.Kind)
	}
}

// ServeHTTP upgrades eligible requests to the tunnel protocol. Mount this at
// cfg.Path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"wsocks5"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := session.New(conn, s.handlers(), s.logger)
	if err := sess.ServeServer(r.Context(), s.Tokens.Authenticate); err != nil {
		s.logger.Debug("session ended", "error", err, "remote", r.RemoteAddr)
	}
	sess.Close()
}

func (s *Server) handlers() session.Handlers {
	return session.Handlers{
		OnAuthenticated:   s.onAuthenticated,
		OnConnect:         s.onConnect,
		OnConnectResponse: s.onConnectResponse,
		OnData:            s.onData,
		OnDisconnect:      s.onDisconnect,
		OnConnector:       s.onConnector,
		OnClose:           s.onClose,
	}
}

func (s *Server) onAuthenticated(sess *session.Session) {
	mode := "forward"
	if sess.Reverse {
		mode = "reverse"
	}
	s.metrics.RecordSessionConnect(mode)

	if !sess.Reverse {
		return
	}
	if err := s.Tokens.RegisterClient(sess.Token, sess); err != nil {
		s.logger.Warn("failed to register reverse client", "token", sess.Token, "error", err)
		return
	}
	s.broadcastPartners(sess.Token)
}

// onClose cascades a session's teardown into the shared channel registry:
// every channel this session originated (forward-mode CONNECT) or was
// dispatched (reverse-mode origination target) is removed, per the
// cascade-teardown requirement — an idle channel whose peer never reads
// or writes again would otherwise leak past its owning session's death.
func (s *Server) onClose(sess *session.Session) {
	for _, cid := range sess.OwnedChannelIDs() {
		s.channels.Remove(cid)
	}
	if sess.Reverse {
		s.Tokens.DeregisterClient(sess.Token, sess)
		s.broadcastPartners(sess.Token)
	}
	s.metrics.RecordSessionDisconnect("closed")
}

// onConnect handles a CONNECT frame from a forward-mode session: it dials
// the target and replies with CONNECT_RESPONSE over the same session. A
// token removed after this session authenticated under it must refuse new
// CONNECTs with TokenRevoked while channels it already opened keep serving.
func (s *Server) onConnect(sess *session.Session, cid frame.ChannelID, addr *frame.Addr) {
	if !s.Tokens.IsForwardTokenActive(sess.Token) {
		sess.SendConnectResponse(cid, false, "TokenRevoked")
		return
	}
	var rateLimit int64
	if opts, ok := s.Tokens.ReverseOptionsFor(sess.Token); ok {
		rateLimit = opts.RateLimitBytesPerSec
	}
	s.connect.Handle(cid, addr, sess, rateLimit)
}

// onConnectResponse resolves the channel a reverse-mode client dialed on
// behalf of a SOCKS5 connection accepted by the reverse listener supervisor.
func (s *Server) onConnectResponse(sess *session.Session, cid frame.ChannelID, success bool, errMsg string) {
	ch, ok := s.channels.Get(cid)
	if !ok {
		return
	}
	if success {
		ch.MarkConnected()
		return
	}
	ch.Fail(errors.New(errMsg))
	s.channels.Remove(cid)
	sess.UntrackChannel(cid)
}

func (s *Server) onData(sess *session.Session, cid frame.ChannelID, data []byte) {
	ch, ok := s.channels.Get(cid)
	if !ok {
		return
	}
	if _, err := ch.Write(data); err != nil {
		s.channels.Remove(cid)
		sess.UntrackChannel(cid)
	}
}

func (s *Server) onDisconnect(sess *session.Session, cid frame.ChannelID, errMsg string) {
	s.channels.Remove(cid)
	sess.UntrackChannel(cid)
}

func (s *Server) onConnector(sess *session.Session, cid frame.ChannelID, tok string, op frame.Operation) {
	opts, ok := s.Tokens.ReverseOptionsFor(sess.Token)
	if !ok || !opts.AllowManageConnector {
		sess.SendConnectorResponse(cid, false, "not authorized to manage connector tokens")
		return
	}

	switch op {
	case frame.OperationAdd:
		newTok, err := s.Tokens.AddConnectorToken(tok, sess.Token)
		if err != nil {
			sess.SendConnectorResponse(cid, false, err.Error())
			return
		}
		sess.SendConnectorResponse(cid, true, newTok)
	case frame.OperationRemove:
		if !s.Tokens.RemoveConnectorToken(tok) {
			sess.SendConnectorResponse(cid, false, "connector token not found")
			return
		}
		sess.SendConnectorResponse(cid, true, "")
	default:
		sess.SendConnectorResponse(cid, false, "unsupported operation")
	}
}

// partnersSender is the subset of token.Sender that carries the PARTNERS
// advisory. Every registered reverse client is in practice *session.Session,
// which satisfies it.
type partnersSender interface {
	SendPartners(count int) error
}

func (s *Server) broadcastPartners(reverseTok string) {
	count := s.Tokens.ClientCount(reverseTok)
	s.metrics.SetReverseClientCount(reverseTok, count)
	s.Tokens.ForEachClient(reverseTok, func(sender token.Sender) {
		if p, ok := sender.(partnersSender); ok {
			p.SendPartners(count)
		}
	})
}

// Start runs the tunnel HTTP listener until ctx is cancelled or it fails.
// A cancelled ctx triggers a graceful Shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.ServeHTTP)
	s.httpSrv = &http.Server{Addr: s.cfg.Address, Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	if s.cfg.TLS.Enabled {
		ln, err = wrapTLS(ln, s.cfg.TLS)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()
	close(s.ready)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func wrapTLS(ln net.Listener, cfg config.TLSConfig) (net.Listener, error) {
	certPEM, err := cfg.GetCertPEM()
	if err != nil {
		return nil, fmt.Errorf("reading TLS cert: %w", err)
	}
	keyPEM, err := cfg.GetKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("reading TLS key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}}), nil
}

// WaitReady blocks until the tunnel listener is bound and accepting
// connections, or ctx is cancelled first.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown gracefully stops the HTTP listener, every supervised reverse
// listener, and closes out any live channels.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.reverse.StopAll()
	s.channels.CloseAll()
	s.portmgr.Close()
	return err
}
