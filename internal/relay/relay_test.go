package relay

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/frame"
)

type fakeSender struct {
	mu            sync.Mutex
	data          [][]byte
	disconnected  bool
	disconnectErr string
}

func (f *fakeSender) SendData(cid frame.ChannelID, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, data)
	return nil
}

func (f *fakeSender) SendDisconnect(cid frame.ChannelID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	f.disconnectErr = errMsg
	return nil
}

func TestPumpLocalToSessionForwardsDataAndEOF(t *testing.T) {
	r := bytes.NewBufferString("hello")
	sender := &fakeSender{}
	registry := channel.NewRegistry()
	cid := frame.NewChannelID()
	registry.Add(channel.New(cid, nil, nil))

	PumpLocalToSession(r, cid, sender, registry, Options{})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.data) != 1 || string(sender.data[0]) != "hello" {
		t.Fatalf("data = %v", sender.data)
	}
	if !sender.disconnected || sender.disconnectErr != "" {
		t.Fatalf("expected graceful disconnect, got err=%q", sender.disconnectErr)
	}
	if _, ok := registry.Get(cid); ok {
		t.Fatal("expected channel to be removed after EOF")
	}
}

func TestPumpLocalToSessionReportsReadError(t *testing.T) {
	sender := &fakeSender{}
	registry := channel.NewRegistry()
	cid := frame.NewChannelID()
	registry.Add(channel.New(cid, nil, nil))

	PumpLocalToSession(&errReader{err: io.ErrClosedPipe}, cid, sender, registry, Options{})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if !sender.disconnected || sender.disconnectErr == "" {
		t.Fatalf("expected disconnect with error message, got %+v", sender)
	}
}

func TestPumpLocalToSessionRespectsRateLimit(t *testing.T) {
	// The limiter's bucket starts full at its 32 KiB burst, so the payload
	// must exceed the burst for the pump to actually wait: 64 KiB at
	// 16 KiB/s spends the burst and then waits ~2s for the remainder.
	data := make([]byte, 64*1024)
	r := bytes.NewReader(data)
	sender := &fakeSender{}
	registry := channel.NewRegistry()
	cid := frame.NewChannelID()
	registry.Add(channel.New(cid, nil, nil))

	start := time.Now()
	PumpLocalToSession(r, cid, sender, registry, Options{RateLimitBytesPerSec: 16 * 1024})
	elapsed := time.Since(start)

	if elapsed < time.Second {
		t.Errorf("expected rate limiting to slow the pump, took only %v", elapsed)
	}
}

type errReader struct{ err error }

func (e *errReader) Read(p []byte) (int, error) { return 0, e.err }

// fast_open buffering itself lives on channel.Channel (Write/SetWriter),
// since that is the single choke point every dialer and every DATA dispatch
// path already goes through; see internal/channel/channel_test.go.
