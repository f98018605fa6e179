package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/hillsync/internal/linearapi"
)

const (
	stateCookieName   = "hillsync_oauth_state"
	stateCookieMaxAge = 10 * time.Minute
	linearAuthorize   = "https://linear.app/oauth/authorize"
)

// handleLogin starts the Linear OAuth flow. The random state round-trips
// through a short-lived cookie to bind the callback to this browser.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.LinearClientID == "" || s.cfg.OAuthRedirectURI == "" {
		writeError(w, http.StatusInternalServerError, "OAuth is not configured")
		return
	}
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	query := url.Values{}
	query.Set("client_id", s.cfg.LinearClientID)
	query.Set("redirect_uri", s.cfg.OAuthRedirectURI)
	query.Set("response_type", "code")
	query.Set("scope", "read")
	query.Set("state", state)
	http.Redirect(w, r, linearAuthorize+"?"+query.Encode(), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || state == "" || stateCookie.Value != state {
		writeError(w, http.StatusBadRequest, "OAuth state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})

	if s.linear == nil {
		writeError(w, http.StatusInternalServerError, "OAuth is not configured")
		return
	}
	token, err := s.linear.ExchangeCode(r.Context(), linearapi.OAuthConfig{
		ClientID:     s.cfg.LinearClientID,
		ClientSecret: s.cfg.LinearClientSecret,
		RedirectURI:  s.cfg.OAuthRedirectURI,
	}, code)
	if err != nil {
		writeError(w, http.StatusBadGateway, "OAuth code exchange failed")
		return
	}

	viewer, org, err := s.linear.ViewerContext(r.Context(), token.AccessToken)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to resolve Linear identity")
		return
	}
	if viewer.ID == "" || org.ID == "" {
		writeError(w, http.StatusBadGateway, "Linear identity is incomplete")
		return
	}

	session := Session{
		UserID:      viewer.ID,
		WorkspaceID: org.ID,
		Name:        viewer.Name,
		AvatarURL:   viewer.AvatarURL,
	}
	signed, err := s.issueSessionToken(session, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue session")
		return
	}
	s.setSessionCookie(w, signed, s.cfg.SessionTTL)
	http.Redirect(w, r, s.cfg.AppURL, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, authErr := s.authenticate(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.message)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
