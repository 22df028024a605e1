package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/flowpbx/astmrf/internal/auth"
	"github.com/go-chi/chi/v5"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken exchanges operator credentials for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.authEnabled() {
		writeError(w, http.StatusNotFound, "authentication is not enabled")
		return
	}

	client := clientKey(r)
	if blocked, remaining := s.logins.Blocked(client); blocked {
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(remaining.Seconds())))))
		writeError(w, http.StatusTooManyRequests, "too many failed logins")
		return
	}

	var req tokenRequest
	if errMsg := readJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := firstError(
		validateRequiredStringLen("username", req.Username, 64),
		validateRequiredStringLen("password", req.Password, 256),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if !s.creds.Verify(req.Username, req.Password) {
		blocked := s.logins.Failure(client)
		s.logger.Warn("api login failed", "username", req.Username, "remote_addr", r.RemoteAddr, "blocked", blocked)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.logins.Success(client)

	token, expiresAt, err := s.tokens.Issue(req.Username)
	if err != nil {
		s.logger.Error("api login: failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("api token issued", "username", req.Username, "expires_at", expiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, TokenType: "Bearer", ExpiresAt: expiresAt})
}

// handleListLockouts lists client addresses blocked after failed logins.
func (s *Server) handleListLockouts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logins.Entries())
}

// handleUnblock lifts a login block.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.logins.Unblock(key) {
		writeError(w, http.StatusNotFound, "no active block for "+key)
		return
	}
	s.logger.Info("api login block lifted", "key", key, "operator", auth.OperatorFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// clientKey identifies the client for login lockouts. RealIP has already
// replaced RemoteAddr when a proxy header was present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
