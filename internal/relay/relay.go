// Package relay runs the local-to-WebSocket byte pump for one channel: the
// WebSocket-to-local direction is handled directly by the session's inbound
// dispatcher writing to the channel's registered writer, per spec.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/ratelimit"
	"github.com/postalsys/wsocks5/internal/recovery"
)

// DefaultBufferSize is the read buffer size for the local-to-WebSocket pump.
const DefaultBufferSize = 8192

// Sender is the subset of session behavior the relay pump needs to emit
// DATA/DISCONNECT frames. Satisfied by *internal/session.Session.
type Sender interface {
	SendData(cid frame.ChannelID, data []byte) error
	SendDisconnect(cid frame.ChannelID, errMsg string) error
}

// Options configures a pump.
type Options struct {
	BufferSize int
	// RateLimitBytesPerSec optionally caps the rate at which bytes are read
	// from the local connection and forwarded as DATA frames. 0 disables
	// limiting, per a reverse token's Options.
	RateLimitBytesPerSec int64
	Logger               *slog.Logger
}

// PumpLocalToSession reads from r until EOF or error, forwarding each
// non-empty read as a DATA frame for cid. On EOF or error it sends
// DISCONNECT and removes the channel from registry. It blocks until r is
// exhausted or closed; run it in its own goroutine.
func PumpLocalToSession(r io.Reader, cid frame.ChannelID, sender Sender, registry *channel.Registry, opts Options) {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// A panic mid-pump must still free the channel's registry slot and this
	// session's ownership of it, or it leaks exactly like the unmonitored
	// idle-channel case this same bookkeeping exists to prevent.
	defer recovery.RecoverWithCallback(logger, "relay.pump", func(recovered interface{}) {
		registry.Remove(cid)
		UntrackChannel(sender, cid)
	})

	r = ratelimit.NewReader(context.Background(), r, opts.RateLimitBytesPerSec)

	buf := make([]byte, bufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if serr := sender.SendData(cid, append([]byte(nil), chunk...)); serr != nil {
				logger.Debug("relay send failed, tearing down channel", "channel", cid, "error", serr)
				registry.Remove(cid)
				UntrackChannel(sender, cid)
				return
			}
		}
		if err != nil {
			msg := ""
			if !errors.Is(err, io.EOF) {
				msg = err.Error()
			}
			_ = sender.SendDisconnect(cid, msg)
			registry.Remove(cid)
			UntrackChannel(sender, cid)
			return
		}
	}
}
