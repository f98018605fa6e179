package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/hillsync/internal/hillsync"
)

const sessionCookieName = "hillsync_session"

type Session struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (s Session) actor() hillsync.ActivityActor {
	return hillsync.ActivityActor{ID: s.UserID, Name: s.Name, AvatarURL: s.AvatarURL}
}

type authError struct {
	status  int
	message string
}

func (e *authError) Error() string {
	return e.message
}

type sessionClaims struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

func (s *Server) issueSessionToken(session Session, now time.Time) (string, error) {
	claims := sessionClaims{
		WorkspaceID: session.WorkspaceID,
		Name:        session.Name,
		AvatarURL:   session.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			Audience:  jwt.ClaimStrings{"hillsync"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// authenticate resolves the session from the cookie or a bearer token. Every
// data route requires it; the workspace in the claims scopes all store access.
func (s *Server) authenticate(r *http.Request) (Session, *authError) {
	raw := ""
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		raw = cookie.Value
	}
	if raw == "" {
		header := r.Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			raw = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	if raw == "" {
		return Session{}, &authError{status: http.StatusUnauthorized, message: "Unauthorized"}
	}
	return s.parseSessionToken(raw)
}

func (s *Server) parseSessionToken(raw string) (Session, *authError) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithAudience("hillsync"), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Session{}, &authError{status: http.StatusUnauthorized, message: "Unauthorized"}
	}
	if claims.Subject == "" || claims.WorkspaceID == "" {
		return Session{}, &authError{status: http.StatusUnauthorized, message: "Unauthorized"}
	}
	return Session{
		UserID:      claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Name:        claims.Name,
		AvatarURL:   claims.AvatarURL,
	}, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
