package client

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/wsocks5/internal/config"
	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/server"
	"github.com/postalsys/wsocks5/internal/token"
)

func testServerConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.Ports = config.PortRangeConfig{Min: 19800, Max: 19899}
	return cfg
}

func TestBackoffGrowsAndRespectsMaxDelay(t *testing.T) {
	bo := newBackoff(config.ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2,
	})

	var last time.Duration
	for i := 0; i < 5; i++ {
		d, ok := bo.Next()
		if !ok {
			t.Fatalf("attempt %d: expected Next to allow another retry", i)
		}
		if d > 40*time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds MaxDelay", i, d)
		}
		if i > 0 && d < last {
			t.Fatalf("attempt %d: delay %v shrank from %v", i, d, last)
		}
		last = d
	}
	if last != 40*time.Millisecond {
		t.Fatalf("final delay = %v, want it to have grown to MaxDelay 40ms", last)
	}
}

func TestBackoffRespectsMaxRetries(t *testing.T) {
	bo := newBackoff(config.ReconnectConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		MaxRetries:   2,
	})

	if _, ok := bo.Next(); !ok {
		t.Fatal("expected first attempt to be allowed")
	}
	if _, ok := bo.Next(); !ok {
		t.Fatal("expected second attempt to be allowed")
	}
	if _, ok := bo.Next(); ok {
		t.Fatal("expected third attempt to be denied by MaxRetries")
	}
}

func TestBackoffResetRestartsFromInitialDelay(t *testing.T) {
	bo := newBackoff(config.ReconnectConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0,
	})

	first, _ := bo.Next()
	bo.Next()
	bo.Reset()
	afterReset, _ := bo.Next()
	if afterReset != first {
		t.Fatalf("expected Reset to restart delay at %v, got %v", first, afterReset)
	}
}

// TestForwardModeRelaysThroughLocalSOCKS5 drives a full stack: a real server
// wired to an httptest server, a real echo listener, and a forward-mode
// Client whose local SOCKS5 listener is driven with a raw byte-level SOCKS5
// client handshake.
func TestForwardModeRelaysThroughLocalSOCKS5(t *testing.T) {
	srv, err := server.New(testServerConfig(), nil, nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if _, err := srv.Tokens.AddForwardToken("fwd-token"); err != nil {
		t.Fatalf("AddForwardToken: %v", err)
	}

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	defer httpSrv.Close()

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	cfg := config.ClientConfig{
		ServerURL: wsURL,
		Token:     "fwd-token",
		Mode:      "forward",
		SOCKS5:    config.ClientSOCKS5Config{Address: "127.0.0.1:19870"},
		Reconnect: config.ReconnectConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
	}
	c := New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:19870")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial local SOCKS5 listener: %v", err)
	}
	defer conn.Close()

	// Method negotiation: no-auth.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write method negotiation: %v", err)
	}
	methodResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodResp); err != nil {
		t.Fatalf("read method response: %v", err)
	}
	if methodResp[0] != 0x05 || methodResp[1] != 0x00 {
		t.Fatalf("method response = %v", methodResp)
	}

	addr := echo.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, addr.IP.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(addr.Port))
	req = append(req, portBuf...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write CONNECT request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("read CONNECT reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("CONNECT reply code = %d, want success", reply[1])
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	echoed := make([]byte, 4)
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoed) != "ping" {
		t.Fatalf("echoed = %q, want ping", echoed)
	}
}

// TestManageConnectorRoundTrip exercises a reverse-mode Client's connector
// management against a real server, rather than the raw session frames
// covered in the session package's own tests.
func TestManageConnectorRoundTrip(t *testing.T) {
	srv, err := server.New(testServerConfig(), nil, nil)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if _, _, err := srv.Tokens.AddReverseToken("rev-token", token.ReverseOptions{
		Port:                 19871,
		AllowManageConnector: true,
	}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	cfg := config.ClientConfig{
		ServerURL: wsURL,
		Token:     "rev-token",
		Mode:      "reverse",
		Reconnect: config.ReconnectConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
	}
	c := New(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var tok string
	for i := 0; i < 50; i++ {
		tok, err = c.ManageConnector(context.Background(), "", frame.OperationAdd)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ManageConnector: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a generated connector token")
	}

	effective, _, ok := srv.Tokens.Authenticate(tok)
	if !ok || effective != "rev-token" {
		t.Fatalf("expected %q to authenticate to rev-token, got effective=%q ok=%v", tok, effective, ok)
	}
}
