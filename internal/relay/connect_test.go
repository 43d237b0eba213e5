package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/frame"
)

type fakeResponseSender struct {
	dataSent  [][]byte
	responses []struct {
		success bool
		errMsg  string
	}
}

func (f *fakeResponseSender) SendData(cid frame.ChannelID, data []byte) error {
	f.dataSent = append(f.dataSent, append([]byte(nil), data...))
	return nil
}

func (f *fakeResponseSender) SendDisconnect(cid frame.ChannelID, errMsg string) error { return nil }

func (f *fakeResponseSender) SendConnectResponse(cid frame.ChannelID, success bool, errMsg string) error {
	f.responses = append(f.responses, struct {
		success bool
		errMsg  string
	}{success, errMsg})
	return nil
}

func TestConnectHandlerSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("hello"))
		conn.Close()
	}()

	addr := ln.Addr().(*net.TCPAddr)
	registry := channel.NewRegistry()
	h := &ConnectHandler{Registry: registry, ConnectTimeout: time.Second}
	cid := frame.NewChannelID()
	sender := &fakeResponseSender{}

	h.Handle(cid, &frame.Addr{AddrType: frame.AddrTypeIPv4, IP: addr.IP.To4(), Port: uint16(addr.Port)}, sender, 0)

	// Dialing now runs in its own goroutine, so the response and relayed
	// data both arrive asynchronously; poll for both the way the original
	// synchronous test polled only for the relayed data.
	deadline := time.After(time.Second)
	for len(sender.responses) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connect response")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(sender.responses) != 1 || !sender.responses[0].success {
		t.Fatalf("expected one successful response, got %+v", sender.responses)
	}

	deadline = time.After(time.Second)
	for len(sender.dataSent) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for relayed data")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if string(sender.dataSent[0]) != "hello" {
		t.Fatalf("expected 'hello', got %q", sender.dataSent[0])
	}
}

func TestConnectHandlerDialFailure(t *testing.T) {
	registry := channel.NewRegistry()
	wantErr := errors.New("boom")
	h := &ConnectHandler{
		Registry: registry,
		Dial: func(ctx context.Context, addr *frame.Addr) (net.Conn, error) {
			return nil, wantErr
		},
	}
	cid := frame.NewChannelID()
	sender := &fakeResponseSender{}

	h.Handle(cid, &frame.Addr{AddrType: frame.AddrTypeDomain, Host: "example.invalid", Port: 80}, sender, 0)

	deadline := time.After(time.Second)
	for len(sender.responses) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connect response")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(sender.responses) != 1 || sender.responses[0].success {
		t.Fatalf("expected one failure response, got %+v", sender.responses)
	}
	if sender.responses[0].errMsg != wantErr.Error() {
		t.Fatalf("expected error %q, got %q", wantErr.Error(), sender.responses[0].errMsg)
	}
	if _, ok := registry.Get(cid); ok {
		t.Fatal("channel should not be registered after dial failure")
	}
}

func TestConnectHandlerBuffersDataBeforeDialCompletes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	releaseDial := make(chan struct{})
	addr := ln.Addr().(*net.TCPAddr)
	registry := channel.NewRegistry()
	h := &ConnectHandler{
		Registry:       registry,
		ConnectTimeout: time.Second,
		Dial: func(ctx context.Context, addr *frame.Addr) (net.Conn, error) {
			<-releaseDial
			return DialTCP(ctx, addr)
		},
	}
	cid := frame.NewChannelID()
	sender := &fakeResponseSender{}

	h.Handle(cid, &frame.Addr{AddrType: frame.AddrTypeIPv4, IP: addr.IP.To4(), Port: uint16(addr.Port)}, sender, 0)

	// The channel is registered with no writer yet while the dial is
	// gated; DATA arriving now must be buffered, not dropped or errored.
	deadline := time.After(time.Second)
	var ch *channel.Channel
	for {
		var ok bool
		ch, ok = registry.Get(cid)
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pre-dial channel registration")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, err := ch.Write([]byte("fastopen")); err != nil {
		t.Fatalf("fast_open Write: %v", err)
	}

	close(releaseDial)

	conn := <-accepted
	defer conn.Close()

	buf := make([]byte, len("fastopen"))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading flushed fast_open data: %v", err)
	}
	if string(buf) != "fastopen" {
		t.Fatalf("got %q, want fastopen", buf)
	}
}
