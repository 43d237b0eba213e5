package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/wsocks5/internal/channel"
	"github.com/postalsys/wsocks5/internal/config"
	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/session"
	"github.com/postalsys/wsocks5/internal/token"
)

func testConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.Ports = config.PortRangeConfig{Min: 19900, Max: 19999}
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

// recordingWriter is an io.Writer/io.Closer pair a test Channel is built
// around, so data written by onData can be inspected afterward.
type recordingWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// TestForwardModeConnectAndRelay drives a real tunnel session end to end: a
// forward-mode client authenticates, asks the server to CONNECT to a local
// echo listener, and exchanges DATA over the resulting channel.
func TestForwardModeConnectAndRelay(t *testing.T) {
	srv := newTestServer(t)
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
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + srv.cfg.Path
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	type connectResult struct {
		success bool
		errMsg  string
	}
	connectResults := make(chan connectResult, 1)
	dataCh := make(chan []byte, 1)

	clientSess := session.New(conn, session.Handlers{
		OnConnectResponse: func(s *session.Session, cid frame.ChannelID, success bool, errMsg string) {
			connectResults <- connectResult{success, errMsg}
		},
		OnData: func(s *session.Session, cid frame.ChannelID, data []byte) {
			dataCh <- data
		},
	}, nil)

	go clientSess.RunClient(context.Background(), "fwd-token", false)

	time.Sleep(20 * time.Millisecond)

	addr := echo.Addr().(*net.TCPAddr)
	cid := frame.NewChannelID()
	if err := clientSess.SendConnect(cid, &frame.Addr{AddrType: frame.AddrTypeIPv4, IP: addr.IP.To4(), Port: uint16(addr.Port)}); err != nil {
		t.Fatalf("SendConnect: %v", err)
	}

	select {
	case res := <-connectResults:
		if !res.success {
			t.Fatalf("expected successful connect, got error %q", res.errMsg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CONNECT_RESPONSE")
	}

	if err := clientSess.SendData(cid, []byte("ping")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	select {
	case data := <-dataCh:
		if string(data) != "ping" {
			t.Fatalf("expected echoed %q, got %q", "ping", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed DATA")
	}

	clientSess.Close()
}

func TestOnConnectResponseResolvesChannel(t *testing.T) {
	srv := newTestServer(t)

	cid := frame.NewChannelID()
	ch := channel.New(cid, &recordingWriter{}, &recordingWriter{})
	srv.channels.Add(ch)

	srv.onConnectResponse(nil, cid, true, "")

	select {
	case res := <-ch.Wait():
		if res.Err != nil {
			t.Fatalf("expected success, got %v", res.Err)
		}
	default:
		t.Fatal("expected channel to be resolved")
	}
}

func TestOnConnectResponseFailureResolvesChannelWithError(t *testing.T) {
	srv := newTestServer(t)

	cid := frame.NewChannelID()
	ch := channel.New(cid, &recordingWriter{}, &recordingWriter{})
	srv.channels.Add(ch)

	srv.onConnectResponse(nil, cid, false, "dial refused")

	select {
	case res := <-ch.Wait():
		if res.Err == nil || res.Err.Error() != "dial refused" {
			t.Fatalf("expected error 'dial refused', got %v", res.Err)
		}
	default:
		t.Fatal("expected channel to be resolved")
	}
}

func TestOnDataWritesToChannel(t *testing.T) {
	srv := newTestServer(t)

	cid := frame.NewChannelID()
	w := &recordingWriter{}
	ch := channel.New(cid, w, w)
	srv.channels.Add(ch)

	srv.onData(nil, cid, []byte("hello"))

	if got := w.String(); got != "hello" {
		t.Fatalf("expected 'hello' written to local endpoint, got %q", got)
	}
}

func TestOnDisconnectRemovesChannel(t *testing.T) {
	srv := newTestServer(t)

	cid := frame.NewChannelID()
	w := &recordingWriter{}
	ch := channel.New(cid, w, w)
	srv.channels.Add(ch)

	srv.onDisconnect(nil, cid, "")

	if _, ok := srv.channels.Get(cid); ok {
		t.Fatal("expected channel to be removed")
	}
}

// newWSPair spins up a real WebSocket pair without going through Server, for
// tests that need a working Session to send frames over.
func newWSPair(t *testing.T) (serverConn, clientConn *websocket.Conn, cleanup func()) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- c
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	cc, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	sc := <-accepted
	return sc, cc, func() {
		cc.Close(websocket.StatusNormalClosure, "")
		sc.Close(websocket.StatusNormalClosure, "")
		srv.Close()
	}
}

func TestOnConnectorRejectsSessionsWithoutPermission(t *testing.T) {
	srv := newTestServer(t)
	if _, _, err := srv.Tokens.AddReverseToken("r1", token.ReverseOptions{Port: 19950}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}

	serverConn, _, cleanup := newWSPair(t)
	defer cleanup()

	sess := session.New(serverConn, session.Handlers{}, nil)
	sess.Token = "r1"
	sess.Reverse = true

	cid := frame.NewChannelID()
	srv.onConnector(sess, cid, "new-connector", frame.OperationAdd)

	if _, _, ok := srv.Tokens.Authenticate("new-connector"); ok {
		t.Fatal("expected connector token to be rejected, but it authenticates")
	}
}

func TestOnConnectorAddsConnectorWhenAuthorized(t *testing.T) {
	srv := newTestServer(t)
	if _, _, err := srv.Tokens.AddReverseToken("r2", token.ReverseOptions{Port: 19951, AllowManageConnector: true}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}

	serverConn, _, cleanup := newWSPair(t)
	defer cleanup()

	sess := session.New(serverConn, session.Handlers{}, nil)
	sess.Token = "r2"
	sess.Reverse = true

	cid := frame.NewChannelID()
	srv.onConnector(sess, cid, "conn-1", frame.OperationAdd)

	effective, _, ok := srv.Tokens.Authenticate("conn-1")
	if !ok || effective != "r2" {
		t.Fatalf("expected conn-1 to authenticate to r2, got effective=%q ok=%v", effective, ok)
	}
}
