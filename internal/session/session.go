// Package session runs one authenticated WebSocket tunnel: the AUTH
// handshake, the bounded outbound writer queue, keepalive pings, and
// dispatch of inbound frames to channel-aware handlers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/recovery"
)

// outboundQueueCapacity bounds the per-session outbound writer queue, per
// spec's backpressure requirement.
const outboundQueueCapacity = 200

// keepaliveInterval is how often the originating side pings the session,
// busy or idle, to detect half-open connections.
const keepaliveInterval = 15 * time.Second

// idleTimeout is how long a session may go without inbound frames before
// the watchdog probes it with a ping (the session closes only if that probe
// fails). It also bounds the wait for the initial AUTH frame.
const idleTimeout = 30 * time.Second

var (
	// ErrAuthFailed is returned by RunClient when the server rejects AUTH.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrClosed is returned by SendFrame after the session has closed.
	ErrClosed = errors.New("session closed")
)

// Handlers are invoked by the inbound dispatcher for each authenticated
// frame type the spec requires this session to react to.
type Handlers struct {
	// OnConnect fires for an inbound CONNECT frame: on the server, from a
	// forward-mode client; on a reverse-mode client, from the server.
	OnConnect func(s *Session, cid frame.ChannelID, addr *frame.Addr)
	// OnConnectResponse resolves the channel registry's pending slot.
	OnConnectResponse func(s *Session, cid frame.ChannelID, success bool, errMsg string)
	// OnData delivers inbound DATA payloads to the local channel writer.
	OnData func(s *Session, cid frame.ChannelID, data []byte)
	// OnDisconnect tears down a channel.
	OnDisconnect func(s *Session, cid frame.ChannelID, errMsg string)
	// OnConnector handles connector token add/remove requests.
	OnConnector func(s *Session, cid frame.ChannelID, tok string, op frame.Operation)
	// OnConnectorResponse delivers the server's reply to a CONNECTOR
	// request this session originated via SendConnector.
	OnConnectorResponse func(s *Session, cid frame.ChannelID, success bool, token, errMsg string)
	// OnPartners receives the advisory reverse-client count.
	OnPartners func(s *Session, count int)
	// OnAuthenticated fires once, right after AUTH/AUTH_RESPONSE completes
	// successfully and before the dispatch loop starts. The server uses it
	// to register a reverse-mode client with the token registry.
	OnAuthenticated func(s *Session)
	// OnClose is invoked once, after the session's I/O has fully stopped.
	OnClose func(s *Session)
}

// Session wraps one accepted or dialed WebSocket connection carrying the
// tunnel's binary frame protocol.
type Session struct {
	conn     *websocket.Conn
	handlers Handlers
	logger   *slog.Logger

	// lastActivity is the UnixNano time of the most recent inbound frame,
	// consulted by the server's idle watchdog.
	lastActivity atomic.Int64

	// Reverse reports whether this session authenticated in reverse mode;
	// set after AUTH completes.
	Reverse bool
	// Token is the effective token this session authenticated under.
	Token string
	// Instance is the peer-supplied instance identifier from AUTH.
	Instance frame.ChannelID

	outbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	channelsMu sync.Mutex
	channels   map[frame.ChannelID]struct{}
}

// New wraps conn for frame-level I/O. Call ServeServer or RunClient to
// drive the AUTH handshake and dispatch loop.
func New(conn *websocket.Conn, handlers Handlers, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:     conn,
		handlers: handlers,
		logger:   logger,
		outbound: make(chan []byte, outboundQueueCapacity),
		closed:   make(chan struct{}),
		channels: make(map[frame.ChannelID]struct{}),
	}
}

// TrackChannel records that this session originated or was dispatched
// channel cid, so OwnedChannelIDs can cascade-close it if this session
// closes before the channel's own pump tears it down. Satisfies
// internal/relay.ChannelOwner.
func (s *Session) TrackChannel(cid frame.ChannelID) {
	if s == nil {
		return
	}
	s.channelsMu.Lock()
	s.channels[cid] = struct{}{}
	s.channelsMu.Unlock()
}

// UntrackChannel forgets cid, called once it has been torn down through
// the normal DATA/DISCONNECT/CONNECT_RESPONSE path so a long-lived
// session's owned set doesn't grow unbounded.
func (s *Session) UntrackChannel(cid frame.ChannelID) {
	if s == nil {
		return
	}
	s.channelsMu.Lock()
	delete(s.channels, cid)
	s.channelsMu.Unlock()
}

// OwnedChannelIDs returns a snapshot of the channel IDs this session
// currently owns, for cascade teardown on close.
func (s *Session) OwnedChannelIDs() []frame.ChannelID {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	ids := make([]frame.ChannelID, 0, len(s.channels))
	for cid := range s.channels {
		ids = append(ids, cid)
	}
	return ids
}

// Authenticator resolves a presented token to the effective reverse token
// (if any) and reports whether the session is accepted. Satisfied by
// *internal/token.Registry.Authenticate.
type Authenticator func(token string) (effective string, isReverse bool, ok bool)

// ServeServer runs the server side of a session: waits for AUTH, validates
// it via authenticate, replies with AUTH_RESPONSE, then dispatches frames
// until the session or context closes. It returns once the session ends.
func (s *Session) ServeServer(ctx context.Context, authenticate Authenticator) error {
	authCtx, cancel := context.WithTimeout(ctx, idleTimeout)
	msgType, data, err := s.conn.Read(authCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("reading AUTH: %w", err)
	}

	auth, err := decodeAuthMessage(msgType, data)
	if err != nil {
		return fmt.Errorf("decoding AUTH: %w", err)
	}

	effective, isReverse, ok := authenticate(auth.Token)
	if !ok {
		s.writeFrame(ctx, frame.TypeAuthResponse, mustEncode(&frame.AuthResponsePayload{Success: false, Error: "invalid token"}))
		return ErrAuthFailed
	}

	s.Token = effective
	s.Reverse = isReverse && auth.Reverse
	s.Instance = auth.Instance

	if err := s.writeFrame(ctx, frame.TypeAuthResponse, mustEncode(&frame.AuthResponsePayload{Success: true})); err != nil {
		return fmt.Errorf("writing AUTH_RESPONSE: %w", err)
	}

	if s.handlers.OnAuthenticated != nil {
		s.handlers.OnAuthenticated(s)
	}

	s.wg.Add(1)
	go s.watchdogLoop(ctx)

	return s.run(ctx)
}

// RunClient runs the client side of a session: sends AUTH, awaits
// AUTH_RESPONSE, then dispatches frames until the session or context
// closes.
func (s *Session) RunClient(ctx context.Context, token string, reverse bool) error {
	instance := frame.NewChannelID()
	authBody, err := (&frame.AuthPayload{Token: token, Reverse: reverse, Instance: instance}).Encode()
	if err != nil {
		return fmt.Errorf("encoding AUTH: %w", err)
	}
	if err := s.writeFrame(ctx, frame.TypeAuth, authBody); err != nil {
		return fmt.Errorf("writing AUTH: %w", err)
	}

	msgType, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading AUTH_RESPONSE: %w", err)
	}
	if msgType != websocket.MessageBinary {
		return fmt.Errorf("%w: expected binary AUTH_RESPONSE", frame.ErrMalformedFrame)
	}
	f, err := frame.Parse(data)
	if err != nil {
		return err
	}
	if f.Type != frame.TypeAuthResponse {
		return fmt.Errorf("expected AUTH_RESPONSE, got %s", frame.TypeName(f.Type))
	}
	resp, err := frame.DecodeAuthResponse(f.Payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
	}

	s.Token = token
	s.Reverse = reverse
	s.Instance = instance

	if s.handlers.OnAuthenticated != nil {
		s.handlers.OnAuthenticated(s)
	}

	s.wg.Add(1)
	go s.keepaliveLoop(ctx)

	return s.run(ctx)
}

// run starts the outbound writer and runs the inbound dispatch loop until
// ctx is cancelled, the peer closes the connection, or an unrecoverable
// protocol error occurs.
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.touch()

	s.wg.Add(1)
	go s.writerLoop(ctx)

	err := s.readLoop(ctx)
	s.Close()
	s.wg.Wait()
	if s.handlers.OnClose != nil {
		s.handlers.OnClose(s)
	}
	return err
}

func (s *Session) writerLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.writerLoop")
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case msg := <-s.outbound:
			if err := s.conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
				s.logger.Debug("session write failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.keepaliveLoop")
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("keepalive ping failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

// watchdogLoop is the accepting side's liveness check, independent of the
// peer's keepalive timer: once no frame has arrived for idleTimeout, it
// probes with a transport-level ping and closes the session if the probe
// fails. A successful probe counts as activity, so a connected-but-quiet
// peer is never torn down.
func (s *Session) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "session.watchdogLoop")
	t := time.NewTicker(idleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < idleTimeout {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Debug("idle watchdog probe failed", "error", err)
				s.Close()
				return
			}
			s.touch()
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.touch()
		if msgType != websocket.MessageBinary {
			continue
		}
		f, err := frame.Parse(data)
		if err != nil {
			if errors.Is(err, frame.ErrUnsupportedVersion) {
				return err
			}
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err := s.dispatch(f); err != nil {
			if errors.Is(err, frame.ErrUnsupportedVersion) {
				return err
			}
			s.logger.Warn("dropping frame", "type", frame.TypeName(f.Type), "error", err)
		}
	}
}

func (s *Session) dispatch(f *frame.Frame) error {
	switch f.Type {
	case frame.TypeConnect:
		p, err := frame.DecodeConnect(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnConnect != nil {
			s.handlers.OnConnect(s, p.ChannelID, p.Addr)
		}
	case frame.TypeConnectResponse:
		p, err := frame.DecodeConnectResponse(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnConnectResponse != nil {
			s.handlers.OnConnectResponse(s, p.ChannelID, p.Success, p.Error)
		}
	case frame.TypeData:
		p, err := frame.DecodeData(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnData != nil {
			s.handlers.OnData(s, p.ChannelID, p.Data)
		}
	case frame.TypeDisconnect:
		p, err := frame.DecodeDisconnect(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(s, p.ChannelID, p.Error)
		}
	case frame.TypeConnector:
		p, err := frame.DecodeConnector(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnConnector != nil {
			s.handlers.OnConnector(s, p.ChannelID, p.Token, p.Operation)
		}
	case frame.TypeConnectorResponse:
		p, err := frame.DecodeConnectorResponse(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnConnectorResponse != nil {
			s.handlers.OnConnectorResponse(s, p.ChannelID, p.Success, p.Token, p.Error)
		}
	case frame.TypePartners:
		p, err := frame.DecodePartners(f.Payload)
		if err != nil {
			return err
		}
		if s.handlers.OnPartners != nil {
			s.handlers.OnPartners(s, p.Count)
		}
	default:
		return fmt.Errorf("%w: type %d", frame.ErrUnknownFrameType, f.Type)
	}
	return nil
}

// writeFrame sends a single frame synchronously, bypassing the outbound
// queue; used only for the pre-dispatch AUTH/AUTH_RESPONSE exchange.
func (s *Session) writeFrame(ctx context.Context, t frame.Type, body []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, frame.Pack(t, body))
}

// SendFrame enqueues a frame on the bounded outbound queue, blocking the
// caller if the queue is full (the spec's backpressure mechanism).
func (s *Session) SendFrame(t frame.Type, body []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.outbound <- frame.Pack(t, body):
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// SendConnect implements token.Sender: it originates a CONNECT frame
// toward this session's peer, used by the server when dispatching to a
// reverse client.
func (s *Session) SendConnect(cid frame.ChannelID, addr *frame.Addr) error {
	body, err := (&frame.ConnectPayload{Protocol: frame.ProtocolTCP, ChannelID: cid, Addr: addr}).Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypeConnect, body)
}

// SendConnectResponse sends a CONNECT_RESPONSE for cid.
func (s *Session) SendConnectResponse(cid frame.ChannelID, success bool, errMsg string) error {
	body, err := (&frame.ConnectResponsePayload{Success: success, ChannelID: cid, Error: errMsg}).Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypeConnectResponse, body)
}

// SendData sends a DATA frame carrying raw bytes for cid.
func (s *Session) SendData(cid frame.ChannelID, data []byte) error {
	body, err := (&frame.DataPayload{Protocol: frame.ProtocolTCP, ChannelID: cid, Compression: frame.CompressionNone, Data: data}).Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypeData, body)
}

// SendDisconnect sends a DISCONNECT for cid.
func (s *Session) SendDisconnect(cid frame.ChannelID, errMsg string) error {
	body, err := (&frame.DisconnectPayload{ChannelID: cid, Error: errMsg}).Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypeDisconnect, body)
}

// SendConnectorResponse replies to a CONNECTOR request.
func (s *Session) SendConnectorResponse(cid frame.ChannelID, success bool, tokenOrErr string) error {
	p := &frame.ConnectorResponsePayload{ChannelID: cid, Success: success}
	if success {
		p.Token = tokenOrErr
	} else {
		p.Error = tokenOrErr
	}
	body, err := p.Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypeConnectorResponse, body)
}

// SendConnector requests the server add or remove a connector token bound
// to this session's reverse token. Only meaningful for a reverse-mode
// session whose token was created with AllowManageConnector.
func (s *Session) SendConnector(cid frame.ChannelID, tok string, op frame.Operation) error {
	body, err := (&frame.ConnectorPayload{ChannelID: cid, Token: tok, Operation: op}).Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypeConnector, body)
}

// SendPartners sends the advisory reverse-client count.
func (s *Session) SendPartners(count int) error {
	body, err := (&frame.PartnersPayload{Count: count}).Encode()
	if err != nil {
		return err
	}
	return s.SendFrame(frame.TypePartners, body)
}

// Close tears the session down, idempotently. It cascades into the
// writer/reader loops via the closed channel and closes the underlying
// WebSocket connection.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func mustEncode(p *frame.AuthResponsePayload) []byte {
	b, _ := p.Encode()
	return b
}

func decodeAuthMessage(msgType websocket.MessageType, data []byte) (*frame.AuthPayload, error) {
	if msgType == websocket.MessageText {
		return frame.DecodeAuthJSON(data)
	}
	f, err := frame.Parse(data)
	if err != nil {
		return nil, err
	}
	if f.Type != frame.TypeAuth {
		return nil, fmt.Errorf("expected AUTH, got %s", frame.TypeName(f.Type))
	}
	return frame.DecodeAuth(f.Payload)
}
