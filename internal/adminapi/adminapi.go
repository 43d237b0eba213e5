// Package adminapi is a thin net/http JSON surface over the token
// registry's administrative operations, for the CLI and any other
// external collaborator that wants to add, remove, or inspect tokens
// without a direct Go dependency on internal/token.
package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/postalsys/wsocks5/internal/token"
)

// Server exposes the token registry's administrative operations over HTTP.
// Mount its handler on a loopback-only listener; it performs no auth of its
// own.
type Server struct {
	tokens *token.Registry
	logger *slog.Logger
	mux    *http.ServeMux
}

// New builds an adminapi Server backed by tokens.
func New(tokens *token.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{tokens: tokens, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tokens", s.handleTokens)
	mux.HandleFunc("/tokens/forward", s.handleAddForward)
	mux.HandleFunc("/tokens/reverse", s.handleAddReverse)
	mux.HandleFunc("/tokens/connector", s.handleAddConnector)
	mux.HandleFunc("/tokens/remove", s.handleRemoveToken)
	s.mux = mux

	return s
}

// ServeHTTP implements http.Handler, mounting at the caller's chosen prefix.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// statusResponse mirrors token.StatusSnapshot for the wire.
type statusResponse struct {
	ClientCount         int `json:"client_count"`
	ForwardTokenCount   int `json:"forward_token_count"`
	ReverseTokenCount   int `json:"reverse_token_count"`
	ConnectorTokenCount int `json:"connector_token_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.tokens.StatusSnapshot()
	writeJSON(w, statusResponse{
		ClientCount:         snap.ClientCount,
		ForwardTokenCount:   snap.ForwardTokenCount,
		ReverseTokenCount:   snap.ReverseTokenCount,
		ConnectorTokenCount: snap.ConnectorTokenCount,
	})
}

type tokenEntry struct {
	Token       string `json:"token"`
	Port        uint16 `json:"port,omitempty"`
	ClientCount int    `json:"client_count"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := s.tokens.TokenSnapshot()
	out := make([]tokenEntry, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, tokenEntry{Token: sn.Token, Port: sn.Port, ClientCount: sn.ClientCount})
	}
	writeJSON(w, out)
}

type addForwardRequest struct {
	Token string `json:"token,omitempty"`
}

type addForwardResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleAddForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req addForwardRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tok, err := s.tokens.AddForwardToken(req.Token)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, addForwardResponse{Token: tok})
}

type addReverseRequest struct {
	Token                string `json:"token,omitempty"`
	Port                 uint16 `json:"port,omitempty"`
	AllowManageConnector bool   `json:"allow_manage_connector,omitempty"`
	SocksWaitClient      bool   `json:"socks_wait_client,omitempty"`
	Username             string `json:"username,omitempty"`
	Password             string `json:"password,omitempty"`
	RateLimitBytesPerSec int64  `json:"rate_limit_bytes_per_sec,omitempty"`
}

type addReverseResponse struct {
	Token string `json:"token"`
	Port  uint16 `json:"port,omitempty"`
}

func (s *Server) handleAddReverse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req addReverseRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tok, port, err := s.tokens.AddReverseToken(req.Token, token.ReverseOptions{
		Port:                 req.Port,
		AllowManageConnector: req.AllowManageConnector,
		SocksWaitClient:      req.SocksWaitClient,
		Username:             req.Username,
		Password:             req.Password,
		RateLimitBytesPerSec: req.RateLimitBytesPerSec,
	})
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, addReverseResponse{Token: tok, Port: port})
}

type addConnectorRequest struct {
	Connector    string `json:"connector,omitempty"`
	ReverseToken string `json:"reverse_token"`
}

type addConnectorResponse struct {
	Connector string `json:"connector"`
}

func (s *Server) handleAddConnector(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req addConnectorRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	connector, err := s.tokens.AddConnectorToken(req.Connector, req.ReverseToken)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, addConnectorResponse{Connector: connector})
}

type removeTokenRequest struct {
	Token string `json:"token"`
}

type removeTokenResponse struct {
	Removed bool `json:"removed"`
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req removeTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	removed := s.tokens.RemoveToken(req.Token)
	if !removed {
		removed = s.tokens.RemoveConnectorToken(req.Token)
	}
	writeJSON(w, removeTokenResponse{Removed: removed})
}

// decodeJSON decodes the request body into v. A body-less POST (e.g. an
// addForwardRequest that omits token to request a generated one) is not an
// error.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeTokenError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, token.ErrTokenExists):
		status = http.StatusConflict
	case errors.Is(err, token.ErrPortExhausted):
		status = http.StatusServiceUnavailable
	case errors.Is(err, token.ErrReverseTokenNotFound):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
