package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/frame"
)

// DefaultConnectTimeout bounds a dial when a caller does not configure one.
const DefaultConnectTimeout = 10 * time.Second

// ErrUnsupportedProtocol is returned for a CONNECT naming a protocol other
// than TCP; UDP ASSOCIATE is out of scope.
var ErrUnsupportedProtocol = errors.New("unsupported channel protocol")

// ResponseSender completes the CONNECT/CONNECT_RESPONSE round trip for the
// party that receives a CONNECT and must dial out: the server in forward
// mode, the client in reverse mode.
type ResponseSender interface {
	Sender
	SendConnectResponse(cid frame.ChannelID, success bool, errMsg string) error
}

// ChannelOwner is implemented by a session that wants to track which
// channel IDs it originated or was dispatched, so a registry entry can be
// torn down if that session closes before the channel's own pump does.
// Implemented by *internal/session.Session; checked via type assertion
// since a single-session caller (the client) can get by with a blanket
// registry CloseAll instead.
type ChannelOwner interface {
	TrackChannel(cid frame.ChannelID)
	UntrackChannel(cid frame.ChannelID)
}

// TrackChannel records cid against sender if sender implements ChannelOwner;
// a no-op otherwise.
func TrackChannel(sender interface{}, cid frame.ChannelID) {
	if owner, ok := sender.(ChannelOwner); ok {
		owner.TrackChannel(cid)
	}
}

// UntrackChannel forgets cid against sender if sender implements
// ChannelOwner; a no-op otherwise.
func UntrackChannel(sender interface{}, cid frame.ChannelID) {
	if owner, ok := sender.(ChannelOwner); ok {
		owner.UntrackChannel(cid)
	}
}

// DialFunc resolves and dials addr, returning a connected net.Conn.
type DialFunc func(ctx context.Context, addr *frame.Addr) (net.Conn, error)

// DialTCP resolves addr per spec §4.5: literal IPv4/IPv6 first, falling
// back to the target host's own DNS resolution otherwise (net.Dialer does
// exactly this when given a hostname). Port always travels as the frame's
// separate field, never appended into the address string ahead of time
// other than via net.JoinHostPort for the dial itself.
func DialTCP(ctx context.Context, addr *frame.Addr) (net.Conn, error) {
	var host string
	switch addr.AddrType {
	case frame.AddrTypeDomain:
		host = addr.Host
	case frame.AddrTypeIPv4, frame.AddrTypeIPv6:
		host = net.IP(addr.IP).String()
	default:
		return nil, fmt.Errorf("%w: addr type %d", ErrUnsupportedProtocol, addr.AddrType)
	}
	hostport := net.JoinHostPort(host, strconv.Itoa(int(addr.Port)))
	var d net.Dialer
	return d.DialContext(ctx, "tcp", hostport)
}

// ConnectHandler dials the target named by an inbound CONNECT frame,
// registers the resulting channel, replies with CONNECT_RESPONSE, and
// starts the local-to-session relay pump on success. It is shared by the
// server's forward-mode CONNECT handler and the client's reverse-mode
// CONNECT handler — only the Dial function and the registry differ.
type ConnectHandler struct {
	Registry       *channel.Registry
	Dial           DialFunc
	ConnectTimeout time.Duration
	BufferSize     int
	Logger         *slog.Logger
}

// Handle registers cid against sender immediately, with no writer attached
// yet, then dials addr in its own goroutine so a slow target never blocks
// the caller's frame dispatch loop. The channel's CONNECT_RESPONSE wait slot
// and Write's fast_open buffer mean DATA for cid arriving before the dial
// resolves is buffered rather than lost; it is flushed in order once the
// dial succeeds and dropped if it fails.
func (h *ConnectHandler) Handle(cid frame.ChannelID, addr *frame.Addr, sender ResponseSender, rateLimitBytesPerSec int64) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := h.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dial := h.Dial
	if dial == nil {
		dial = DialTCP
	}

	ch := channel.New(cid, nil, nil)
	h.Registry.Add(ch)
	TrackChannel(sender, cid)

	bufSize := h.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := dial(ctx, addr)
		if err != nil {
			logger.Debug("connect dial failed", "channel", cid, "error", err)
			ch.Fail(err)
			h.Registry.Remove(cid)
			UntrackChannel(sender, cid)
			_ = sender.SendConnectResponse(cid, false, err.Error())
			return
		}

		if err := ch.SetWriter(conn, conn); err != nil {
			logger.Debug("fast_open flush failed, tearing down", "channel", cid, "error", err)
			conn.Close()
			ch.Fail(err)
			h.Registry.Remove(cid)
			UntrackChannel(sender, cid)
			_ = sender.SendConnectResponse(cid, false, err.Error())
			return
		}
		ch.MarkConnected()

		if err := sender.SendConnectResponse(cid, true, ""); err != nil {
			logger.Debug("connect response send failed, tearing down", "channel", cid, "error", err)
			h.Registry.Remove(cid)
			UntrackChannel(sender, cid)
			return
		}

		go PumpLocalToSession(conn, cid, sender, h.Registry, Options{
			BufferSize:           bufSize,
			RateLimitBytesPerSec: rateLimitBytesPerSec,
			Logger:               logger,
		})
	}()
}
