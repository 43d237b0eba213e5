package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/relay"
)

// SOCKS5 protocol constants, RFC 1928.
const (
	socksVersion = 0x05
	cmdConnect   = 0x01

	replySuccess             = 0x00
	replyGeneralFailure      = 0x01
	replyCommandNotSupported = 0x07
)

// ErrUnsupportedVersion is returned when a client does not speak SOCKS5.
var ErrUnsupportedVersion = errors.New("unsupported SOCKS version")

// ErrUnsupportedCommand is returned for any command other than CONNECT.
var ErrUnsupportedCommand = errors.New("only the CONNECT command is supported")

// DefaultConnectTimeout bounds the wait on CONNECT_RESPONSE.
const DefaultConnectTimeout = 10 * time.Second

// Sender originates a CONNECT frame toward the chosen peer and carries the
// resulting channel's data once it is established. Satisfied by
// *internal/session.Session.
type Sender interface {
	SendConnect(cid frame.ChannelID, addr *frame.Addr) error
	relay.Sender
}

// Ingress drives the SOCKS5 CONNECT handshake for one accepted TCP
// connection and originates a tunnel channel for it.
type Ingress struct {
	Authenticators []Authenticator
	Channels       *channel.Registry
	ConnectTimeout time.Duration
	BufferSize     int
	// RateLimitBytesPerSec optionally caps the local-to-session relay pump
	// started once a channel connects, per reverse token options. 0
	// disables the cap.
	RateLimitBytesPerSec int64
	Logger               *slog.Logger
}

// WithAuthenticators returns a shallow copy of ing with Authenticators
// and RateLimitBytesPerSec overridden, used by the reverse listener
// supervisor to apply per-reverse-token credentials and bandwidth caps
// without constructing a whole new ingress.
func (ing *Ingress) WithAuthenticators(auths []Authenticator, rateLimitBytesPerSec int64) *Ingress {
	cp := *ing
	if auths != nil {
		cp.Authenticators = auths
	}
	if rateLimitBytesPerSec != 0 {
		cp.RateLimitBytesPerSec = rateLimitBytesPerSec
	}
	return &cp
}

// Handle runs the SOCKS5 protocol on conn to completion: method
// negotiation, optional RFC 1929 auth, request parsing, channel
// origination via sender, and (on success) starts the local-to-session
// relay pump. It blocks until the channel is torn down or the handshake
// fails. Callers should run Handle in its own goroutine per connection.
func (ing *Ingress) Handle(conn net.Conn, sender Sender) error {
	defer conn.Close()
	logger := ing.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := ing.negotiateMethod(conn); err != nil {
		return fmt.Errorf("method negotiation: %w", err)
	}

	addr, err := ing.readRequest(conn)
	if err != nil {
		ing.sendReply(conn, replyGeneralFailure)
		return fmt.Errorf("reading request: %w", err)
	}

	// The channel is registered with no writer: DATA can arrive for it the
	// moment the peer sees CONNECT, and must not reach conn ahead of the
	// SOCKS5 success reply. It buffers in the channel until SetWriter below.
	cid := frame.NewChannelID()
	ch := channel.New(cid, nil, nil)
	ing.Channels.Add(ch)
	relay.TrackChannel(sender, cid)

	timeout := ing.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	if err := sender.SendConnect(cid, addr); err != nil {
		ing.Channels.Remove(cid)
		relay.UntrackChannel(sender, cid)
		ing.sendReply(conn, replyGeneralFailure)
		return fmt.Errorf("originating CONNECT: %w", err)
	}

	select {
	case res := <-ch.Wait():
		if res.Err != nil {
			ing.Channels.Remove(cid)
			relay.UntrackChannel(sender, cid)
			ing.sendReply(conn, replyGeneralFailure)
			return fmt.Errorf("connect failed: %w", res.Err)
		}
	case <-time.After(timeout):
		ing.Channels.Remove(cid)
		relay.UntrackChannel(sender, cid)
		ing.sendReply(conn, replyGeneralFailure)
		return fmt.Errorf("connect timed out after %s", timeout)
	}

	if err := ing.sendReply(conn, replySuccess); err != nil {
		ing.Channels.Remove(cid)
		relay.UntrackChannel(sender, cid)
		return fmt.Errorf("writing reply: %w", err)
	}

	if err := ch.SetWriter(conn, conn); err != nil {
		ing.Channels.Remove(cid)
		relay.UntrackChannel(sender, cid)
		return fmt.Errorf("flushing early data: %w", err)
	}

	bufSize := ing.BufferSize
	if bufSize <= 0 {
		bufSize = relay.DefaultBufferSize
	}
	relay.PumpLocalToSession(conn, cid, sender, ing.Channels, relay.Options{BufferSize: bufSize, RateLimitBytesPerSec: ing.RateLimitBytesPerSec, Logger: logger})
	return nil
}

// HandleUnavailable completes the SOCKS5 handshake for a connection that
// has no upstream to serve it — e.g. a reverse token with zero connected
// clients — replying REP=0x01 to the request instead of dropping the TCP
// connection mid-protocol.
func (ing *Ingress) HandleUnavailable(conn net.Conn) error {
	defer conn.Close()
	if _, err := ing.negotiateMethod(conn); err != nil {
		return fmt.Errorf("method negotiation: %w", err)
	}
	if _, err := ing.readRequest(conn); err != nil {
		ing.sendReply(conn, replyGeneralFailure)
		return fmt.Errorf("reading request: %w", err)
	}
	return ing.sendReply(conn, replyGeneralFailure)
}

func (ing *Ingress) negotiateMethod(conn net.Conn) (byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, err
	}
	if header[0] != socksVersion {
		return 0, ErrUnsupportedVersion
	}
	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return 0, err
	}

	offered := make(map[byte]bool, nMethods)
	for _, m := range methods {
		offered[m] = true
	}

	for _, a := range ing.Authenticators {
		if offered[a.GetMethod()] {
			if _, err := conn.Write([]byte{socksVersion, a.GetMethod()}); err != nil {
				return 0, err
			}
			if _, err := a.Authenticate(conn, conn); err != nil {
				return 0, err
			}
			return a.GetMethod(), nil
		}
	}

	conn.Write([]byte{socksVersion, AuthMethodNoAcceptable})
	return 0, errors.New("no acceptable authentication method")
}

func (ing *Ingress) readRequest(conn net.Conn) (*frame.Addr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if header[0] != socksVersion {
		return nil, ErrUnsupportedVersion
	}
	if header[1] != cmdConnect {
		return nil, ErrUnsupportedCommand
	}
	if header[2] != 0x00 {
		return nil, fmt.Errorf("non-zero reserved byte %#x", header[2])
	}

	atyp := header[3]
	addr := &frame.Addr{AddrType: atyp}
	switch atyp {
	case frame.AddrTypeIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, err
		}
		addr.IP = ip
	case frame.AddrTypeIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, err
		}
		addr.IP = ip
	case frame.AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		host := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, host); err != nil {
			return nil, err
		}
		addr.Host = string(host)
	default:
		return nil, fmt.Errorf("unsupported address type %d", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	addr.Port = binary.BigEndian.Uint16(portBuf)
	return addr, nil
}

func (ing *Ingress) sendReply(conn net.Conn, rep byte) error {
	reply := []byte{socksVersion, rep, 0x00, frame.AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}
