package server

import (
	"errors"
	"net/http"

	"github.com/AmanVatsSharma/vayu-gateway/internal/apperr"
	"github.com/AmanVatsSharma/vayu-gateway/internal/upstream"
)

// handleAuthLogin handles GET /api/auth/{provider}/login, redirecting the
// browser to the upstream's consent URL (spec §4.5.1).
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("provider") != upstreamProvider {
		writeError(w, r, apperr.New(apperr.KindValidation, "unknown_provider", "only the vortex provider is configured"))
		return
	}
	loginURL, err := s.session.LoginURL()
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindState, "login_unavailable", err))
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// handleAuthCallback handles GET /api/auth/{provider}/callback?token=...,
// the upstream's OAuth redirect target (spec §4.5.1's five-step flow).
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("provider") != upstreamProvider {
		writeError(w, r, apperr.New(apperr.KindValidation, "unknown_provider", "only the vortex provider is configured"))
		return
	}
	auth := r.URL.Query().Get("token")
	if auth == "" {
		auth = r.URL.Query().Get("auth")
	}
	if err := s.session.Callback(r.Context(), auth); err != nil {
		if errors.Is(err, upstream.ErrExpiredToken) {
			writeError(w, r, apperr.Wrap(apperr.KindAuth, "expired_token", err))
			return
		}
		writeError(w, r, apperr.Wrap(apperr.KindUpstream, "callback_failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "upstream session established"})
}
