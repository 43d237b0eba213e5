package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/postalsys/wsocks5/internal/portpool"
	"github.com/postalsys/wsocks5/internal/token"
)

func newTestServer() *Server {
	pool := portpool.New(19700, 19799)
	return New(token.New(pool), nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestAddForwardTokenGeneratesWhenOmitted(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/tokens/forward", addForwardRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp addForwardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected a generated token")
	}
}

func TestAddForwardTokenRejectsDuplicate(t *testing.T) {
	s := newTestServer()
	doJSON(t, s, http.MethodPost, "/tokens/forward", addForwardRequest{Token: "dup"})
	rec := doJSON(t, s, http.MethodPost, "/tokens/forward", addForwardRequest{Token: "dup"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAddReverseTokenAllocatesPort(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/tokens/reverse", addReverseRequest{Token: "rev1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp addReverseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Port == 0 {
		t.Fatal("expected a non-zero allocated port")
	}
}

func TestAddReverseTokenWithManageConnectorSkipsPort(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/tokens/reverse", addReverseRequest{
		Token:                "rev2",
		AllowManageConnector: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp addReverseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Port != 0 {
		t.Fatalf("expected no port allocated, got %d", resp.Port)
	}
}

func TestAddConnectorTokenRequiresExistingReverseToken(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodPost, "/tokens/connector", addConnectorRequest{ReverseToken: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAddConnectorTokenSucceedsAgainstExistingReverseToken(t *testing.T) {
	s := newTestServer()
	doJSON(t, s, http.MethodPost, "/tokens/reverse", addReverseRequest{Token: "rev3", AllowManageConnector: true})
	rec := doJSON(t, s, http.MethodPost, "/tokens/connector", addConnectorRequest{ReverseToken: "rev3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp addConnectorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Connector == "" {
		t.Fatal("expected a generated connector token")
	}
}

func TestRemoveTokenReportsWhetherAnythingWasRemoved(t *testing.T) {
	s := newTestServer()
	doJSON(t, s, http.MethodPost, "/tokens/forward", addForwardRequest{Token: "fwd1"})

	rec := doJSON(t, s, http.MethodPost, "/tokens/remove", removeTokenRequest{Token: "fwd1"})
	var resp removeTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Removed {
		t.Fatal("expected token to be removed")
	}

	rec = doJSON(t, s, http.MethodPost, "/tokens/remove", removeTokenRequest{Token: "fwd1"})
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Removed {
		t.Fatal("expected second removal to report false")
	}
}

func TestStatusAndTokenSnapshotEndpoints(t *testing.T) {
	s := newTestServer()
	doJSON(t, s, http.MethodPost, "/tokens/forward", addForwardRequest{Token: "fwd1"})
	doJSON(t, s, http.MethodPost, "/tokens/reverse", addReverseRequest{Token: "rev1"})

	statusRec := doJSON(t, s, http.MethodGet, "/status", nil)
	var status statusResponse
	if err := json.Unmarshal(statusRec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.ForwardTokenCount != 1 || status.ReverseTokenCount != 1 {
		t.Fatalf("status = %+v", status)
	}

	tokensRec := doJSON(t, s, http.MethodGet, "/tokens", nil)
	var entries []tokenEntry
	if err := json.Unmarshal(tokensRec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal tokens: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 reverse token entry, got %d", len(entries))
	}
}

func TestMethodNotAllowedOnWrongVerb(t *testing.T) {
	s := newTestServer()
	rec := doJSON(t, s, http.MethodGet, "/tokens/forward", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
