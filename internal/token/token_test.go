package token

import (
	"testing"

	"github.com/postalsys/wsocks5/internal/frame"
	"github.com/postalsys/wsocks5/internal/portpool"
)

type fakeSender struct{ id string }

func (f *fakeSender) SendConnect(cid frame.ChannelID, addr *frame.Addr) error { return nil }
func (f *fakeSender) SendData(cid frame.ChannelID, data []byte) error         { return nil }
func (f *fakeSender) SendDisconnect(cid frame.ChannelID, errMsg string) error { return nil }

func TestAddForwardTokenGeneratesAndRejectsDuplicates(t *testing.T) {
	r := New(portpool.New(9000, 9010))
	tok, err := r.AddForwardToken("")
	if err != nil || tok == "" {
		t.Fatalf("AddForwardToken: tok=%q err=%v", tok, err)
	}
	if _, err := r.AddForwardToken(tok); err != ErrTokenExists {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
}

func TestAddReverseTokenAcquiresPort(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	tok, port, err := r.AddReverseToken("R1", ReverseOptions{})
	if err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if tok != "R1" || port == 0 {
		t.Fatalf("tok=%q port=%d", tok, port)
	}
}

func TestAddReverseTokenAllowManageConnectorSkipsPort(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	_, port, err := r.AddReverseToken("R1", ReverseOptions{AllowManageConnector: true})
	if err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if port != 0 {
		t.Fatalf("port = %d, want 0", port)
	}
}

func TestAddReverseTokenPortExhausted(t *testing.T) {
	r := New(portpool.New(9000, 9000))
	if _, _, err := r.AddReverseToken("R1", ReverseOptions{}); err != nil {
		t.Fatalf("first AddReverseToken: %v", err)
	}
	if _, _, err := r.AddReverseToken("R2", ReverseOptions{}); err != ErrPortExhausted {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}
}

func TestAddConnectorTokenRequiresReverseToken(t *testing.T) {
	r := New(portpool.New(9000, 9010))
	if _, err := r.AddConnectorToken("", "missing"); err != ErrReverseTokenNotFound {
		t.Fatalf("expected ErrReverseTokenNotFound, got %v", err)
	}
	r.AddReverseToken("R1", ReverseOptions{AllowManageConnector: true})
	conn, err := r.AddConnectorToken("", "R1")
	if err != nil || conn == "" {
		t.Fatalf("AddConnectorToken: conn=%q err=%v", conn, err)
	}
}

func TestRemoveTokenReleasesPortAndConnectors(t *testing.T) {
	pool := portpool.New(9000, 9001)
	r := New(pool)
	r.AddReverseToken("R1", ReverseOptions{})
	r.AddConnectorToken("C1", "R1")

	if !r.RemoveToken("R1") {
		t.Fatal("expected RemoveToken to report removal")
	}
	if pool.UsedCount() != 0 {
		t.Fatalf("UsedCount = %d, want 0 (port released)", pool.UsedCount())
	}
	if _, _, ok := r.Authenticate("C1"); ok {
		t.Fatal("expected dangling connector to be removed with its reverse token")
	}
}

func TestRemoveTokenUnknownReturnsFalse(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	if r.RemoveToken("nope") {
		t.Fatal("expected false for unknown token")
	}
}

// TestIsForwardTokenActiveReflectsRemoval exercises the removal linearizability
// requirement: a forward session that authenticated under a token must see
// IsForwardTokenActive flip to false the moment RemoveToken runs, so it can
// refuse new CONNECTs with TokenRevoked while its already-open channels keep
// serving independently.
func TestIsForwardTokenActiveReflectsRemoval(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	tok, err := r.AddForwardToken("")
	if err != nil {
		t.Fatalf("AddForwardToken: %v", err)
	}
	if !r.IsForwardTokenActive(tok) {
		t.Fatal("expected freshly added forward token to be active")
	}
	if !r.RemoveToken(tok) {
		t.Fatal("expected RemoveToken to report removal")
	}
	if r.IsForwardTokenActive(tok) {
		t.Fatal("expected removed forward token to be inactive")
	}
}

// TestIsForwardTokenActiveCoversConnectorResolvedReverseToken covers the
// connector-token case: Authenticate resolves a connector token to its bound
// reverse token, so the liveness check must also recognize that reverse
// token as active until the reverse token itself (not just the connector) is
// removed.
func TestIsForwardTokenActiveCoversConnectorResolvedReverseToken(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	if _, _, err := r.AddReverseToken("R1", ReverseOptions{}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if _, err := r.AddConnectorToken("C1", "R1"); err != nil {
		t.Fatalf("AddConnectorToken: %v", err)
	}

	effective, _, ok := r.Authenticate("C1")
	if !ok {
		t.Fatal("expected connector token to authenticate")
	}
	if !r.IsForwardTokenActive(effective) {
		t.Fatal("expected connector-resolved reverse token to be active")
	}

	r.RemoveToken("R1")
	if r.IsForwardTokenActive(effective) {
		t.Fatal("expected reverse token to be inactive after removal")
	}
}

func TestRoundRobinWrapsAcrossClients(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	r.AddReverseToken("R1", ReverseOptions{})
	a, b := &fakeSender{"a"}, &fakeSender{"b"}
	r.RegisterClient("R1", a)
	r.RegisterClient("R1", b)

	var got []Sender
	for i := 0; i < 4; i++ {
		s, err := r.NextClient("R1")
		if err != nil {
			t.Fatalf("NextClient: %v", err)
		}
		got = append(got, s)
	}
	want := []Sender{a, b, a, b}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NextClient[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNextClientNoClients(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	r.AddReverseToken("R1", ReverseOptions{})
	if _, err := r.NextClient("R1"); err != ErrNoReverseClients {
		t.Fatalf("expected ErrNoReverseClients, got %v", err)
	}
}

func TestDeregisterClientAdjustsCursor(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	r.AddReverseToken("R1", ReverseOptions{})
	a, b := &fakeSender{"a"}, &fakeSender{"b"}
	r.RegisterClient("R1", a)
	r.RegisterClient("R1", b)
	r.NextClient("R1") // advances cursor to 1 (points at b)
	r.DeregisterClient("R1", a)
	s, err := r.NextClient("R1")
	if err != nil || s != b {
		t.Fatalf("NextClient after deregister = %v, err %v, want b", s, err)
	}
}

func TestStatusAndTokenSnapshot(t *testing.T) {
	r := New(portpool.New(9000, 9005))
	r.AddForwardToken("F1")
	r.AddReverseToken("R1", ReverseOptions{})
	r.RegisterClient("R1", &fakeSender{"a"})

	status := r.StatusSnapshot()
	if status.ForwardTokenCount != 1 || status.ReverseTokenCount != 1 || status.ClientCount != 1 {
		t.Fatalf("status = %+v", status)
	}
	snaps := r.TokenSnapshot()
	if len(snaps) != 1 || snaps[0].Token != "R1" || snaps[0].ClientCount != 1 {
		t.Fatalf("snapshot = %+v", snaps)
	}
}

func TestSocksWaitClientDefersListenerStart(t *testing.T) {
	r := New(portpool.New(9000, 9001))
	started := false
	r.SetListenerHooks(func(tok string, port uint16) { started = true }, nil)
	r.AddReverseToken("R1", ReverseOptions{SocksWaitClient: true})
	if started {
		t.Fatal("expected listener start to be deferred until first client")
	}
	r.RegisterClient("R1", &fakeSender{"a"})
	if !started {
		t.Fatal("expected listener to start on first registered client")
	}
}
