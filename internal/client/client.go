// Package client is the tunnel client's composition root: it dials the
// server with reconnect-with-backoff, runs a local SOCKS5 listener in
// forward mode, and answers dispatched CONNECT frames in reverse mode.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/config"
	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/metrics"
	"github.com/postalsys/wsocks5/internal/relay"
	"github.com/postalsys/wsocks5/internal/session"
	"github.com/postalsys/wsocks5/internal/socks5"
)

// ErrNotConnected is returned by ManageConnector when no session is
// currently established.
var ErrNotConnected = errors.New("client: not connected to server")

type connectorResult struct {
	success bool
	token   string
	errMsg  string
}

// Client runs one tunnel connection's lifecycle against a single server URL.
type Client struct {
	cfg     config.ClientConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	channels *channel.Registry
	connect  *relay.ConnectHandler
	ingress  *socks5.Ingress // forward mode only

	sessionPtr atomic.Pointer[session.Session]

	connMu      sync.Mutex
	connPending map[frame.ChannelID]chan connectorResult
}

// New builds a Client from cfg.
func New(cfg config.ClientConfig, logger *slog.Logger, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}

	channels := channel.NewRegistry()
	c := &Client{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		channels:    channels,
		connPending: make(map[frame.ChannelID]chan connectorResult),
		connect: &relay.ConnectHandler{
			Registry: channels,
			Logger:   logger,
		},
	}

	if cfg.Mode == "forward" {
		c.ingress = &socks5.Ingress{
			Authenticators: socks5.CreateAuthenticators(socks5.AuthConfig{
				Enabled:     cfg.SOCKS5.Auth.Enabled,
				Required:    cfg.SOCKS5.Auth.Enabled,
				HashedUsers: hashedUsersFrom(cfg.SOCKS5.Auth.Users),
			}),
			Channels: channels,
			Logger:   logger,
		}
	}

	return c
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

// Run connects to the server and serves the tunnel session until ctx is
// cancelled, reconnecting after every disconnect: at once (with the backoff
// reset) when the session ended without error, otherwise after an
// exponential backoff delay. In
// forward mode it also starts the local SOCKS5 listener, which outlives any
// single session and is rebound to each new one as it's established.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.Mode == "forward" {
		ln, err := net.Listen("tcp", c.cfg.SOCKS5.Address)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", c.cfg.SOCKS5.Address, err)
		}
		defer ln.Close()
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go c.acceptForward(ln)
	}

	bo := newBackoff(c.cfg.Reconnect)
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			bo.Reset()
			continue
		}

		c.logger.Warn("tunnel session ended, reconnecting", "error", err)
		delay, ok := bo.Next()
		if !ok {
			return fmt.Errorf("giving up after max reconnect attempts: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialOpts := &websocket.DialOptions{}
	if c.cfg.TLS.Enabled {
		tlsCfg, err := tlsConfigFor(c.cfg.TLS)
		if err != nil {
			return err
		}
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, dialOpts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}

	sess := session.New(conn, c.handlers(), c.logger)
	reverse := c.cfg.Mode == "reverse"

	c.metrics.RecordSessionConnect(c.cfg.Mode)
	err = sess.RunClient(ctx, c.cfg.Token, reverse)
	sess.Close()
	c.metrics.RecordSessionDisconnect("closed")
	return err
}

func (c *Client) acceptForward(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go c.handleForwardConn(conn)
	}
}

func (c *Client) handleForwardConn(conn net.Conn) {
	sess := c.sessionPtr.Load()
	if sess == nil {
		conn.Close()
		return
	}
	if err := c.ingress.Handle(conn, sess); err != nil {
		c.logger.Debug("forward ingress ended", "error", err)
	}
}

func (c *Client) handlers() session.Handlers {
	return session.Handlers{
		OnAuthenticated:     c.onAuthenticated,
		OnConnect:           c.onConnect,
		OnConnectResponse:   c.onConnectResponse,
		OnData:              c.onData,
		OnDisconnect:        c.onDisconnect,
		OnConnectorResponse: c.onConnectorResponse,
		OnPartners:          c.onPartners,
		OnClose:             c.onClose,
	}
}

func (c *Client) onAuthenticated(sess *session.Session) {
	c.sessionPtr.Store(sess)
}

func (c *Client) onClose(sess *session.Session) {
	c.sessionPtr.CompareAndSwap(sess, nil)
	c.channels.CloseAll()
}

// onConnect handles a CONNECT frame dispatched by the server in reverse
// mode: it dials the target and replies with CONNECT_RESPONSE.
func (c *Client) onConnect(sess *session.Session, cid frame.ChannelID, addr *frame.Addr) {
	c.connect.Handle(cid, addr, sess, 0)
}

// onConnectResponse resolves a channel this client originated via its local
// forward-mode SOCKS5 listener.
func (c *Client) onConnectResponse(sess *session.Session, cid frame.ChannelID, success bool, errMsg string) {
	ch, ok := c.channels.Get(cid)
	if !ok {
		return
	}
	if success {
		ch.MarkConnected()
		return
	}
	ch.Fail(errors.New(errMsg))
}

func (c *Client) onData(sess *session.Session, cid frame.ChannelID, data []byte) {
	ch, ok := c.channels.Get(cid)
	if !ok {
		return
	}
	if _, err := ch.Write(data); err != nil {
		c.channels.Remove(cid)
	}
}

func (c *Client) onDisconnect(sess *session.Session, cid frame.ChannelID, errMsg string) {
	c.channels.Remove(cid)
}

func (c *Client) onPartners(sess *session.Session, count int) {
	c.logger.Debug("reverse partner count updated", "count", count)
}

func (c *Client) onConnectorResponse(sess *session.Session, cid frame.ChannelID, success bool, tok, errMsg string) {
	c.connMu.Lock()
	ch, ok := c.connPending[cid]
	if ok {
		delete(c.connPending, cid)
	}
	c.connMu.Unlock()
	if ok {
		ch <- connectorResult{success: success, token: tok, errMsg: errMsg}
	}
}

// ManageConnector asks the server to add (tok == "" requests a generated
// one) or remove a connector token bound to this client's reverse token.
// Only meaningful once connected in reverse mode with a token that was
// created with AllowManageConnector.
func (c *Client) ManageConnector(ctx context.Context, tok string, op frame.Operation) (string, error) {
	sess := c.sessionPtr.Load()
	if sess == nil {
		return "", ErrNotConnected
	}

	cid := frame.NewChannelID()
	done := make(chan connectorResult, 1)
	c.connMu.Lock()
	c.connPending[cid] = done
	c.connMu.Unlock()

	if err := sess.SendConnector(cid, tok, op); err != nil {
		c.connMu.Lock()
		delete(c.connPending, cid)
		c.connMu.Unlock()
		return "", err
	}

	select {
	case res := <-done:
		if !res.success {
			return "", errors.New(res.errMsg)
		}
		return res.token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func tlsConfigFor(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.HasCA() {
		caPEM, err := cfg.GetCAPEM()
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from CA PEM")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.HasCert() && cfg.HasKey() {
		certPEM, err := cfg.GetCertPEM()
		if err != nil {
			return nil, fmt.Errorf("reading client cert: %w", err)
		}
		keyPEM, err := cfg.GetKeyPEM()
		if err != nil {
			return nil, fmt.Errorf("reading client key: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("loading client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
