package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/hillsync/internal/hillsync"
	"github.com/agentworkforce/hillsync/internal/linearapi"
	"github.com/agentworkforce/hillsync/internal/schema"
)

type ServerConfig struct {
	JWTSecret          string
	SessionTTL         time.Duration
	LinearClientID     string
	LinearClientSecret string
	OAuthRedirectURI   string
	AppURL             string
	AllowedOrigins     []string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Server struct {
	store       *hillsync.Store
	hub         *WatchHub
	linear      *linearapi.Client
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *hillsync.Store, hub *WatchHub, linear *linearapi.Client) *Server {
	return NewServerWithConfig(store, hub, linear, ServerConfig{})
}

func NewServerWithConfig(store *hillsync.Store, hub *WatchHub, linear *linearapi.Client, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.AppURL == "" {
		cfg.AppURL = "/"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	if hub == nil {
		hub = NewWatchHub()
	}
	return &Server{
		store:       store,
		hub:         hub,
		linear:      linear,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

// Handler wraps the server with CORS so browser clients on the app origin can
// call the API with credentials.
func (s *Server) Handler() http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}
	if len(corsOptions.AllowedOrigins) == 0 {
		corsOptions.AllowedOrigins = []string{"http://localhost:3000"}
	}
	return cors.New(corsOptions).Handler(s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case r.URL.Path == "/v1/auth/login" && r.Method == http.MethodGet:
		s.handleLogin(w, r)
		return
	case r.URL.Path == "/v1/auth/callback" && r.Method == http.MethodGet:
		s.handleCallback(w, r)
		return
	case r.URL.Path == "/v1/auth/logout" && r.Method == http.MethodPost:
		s.handleLogout(w, r)
		return
	case r.URL.Path == "/v1/auth/session" && r.Method == http.MethodGet:
		s.handleSession(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "workspaces" && parts[3] == "watch" && r.Method == http.MethodGet {
		s.handleWatch(w, r, parts[2])
		return
	}

	session, authErr := s.authenticate(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.message)
		return
	}

	var route, routeArg string
	var mutating bool
	switch {
	case r.URL.Path == "/v1/data/sync" && r.Method == http.MethodGet:
		route = "sync"
	case r.URL.Path == "/v1/positions" && r.Method == http.MethodPost:
		route, mutating = "position_write", true
	case r.URL.Path == "/v1/positions/cleanup" && r.Method == http.MethodPost:
		route, mutating = "cleanup", true
	case r.URL.Path == "/v1/parking-lot" && r.Method == http.MethodPost:
		route, mutating = "parking_lot", true
	case r.URL.Path == "/v1/projects" && r.Method == http.MethodGet:
		route = "projects_list"
	case r.URL.Path == "/v1/projects" && r.Method == http.MethodPost:
		route, mutating = "project_create", true
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "projects" && r.Method == http.MethodPatch:
		route, routeArg, mutating = "project_update", parts[2], true
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "projects" && r.Method == http.MethodDelete:
		route, routeArg, mutating = "project_delete", parts[2], true
	case r.URL.Path == "/v1/migrate/localStorage" && r.Method == http.MethodPost:
		route, mutating = "migrate", true
	default:
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	if mutating && s.rateLimiter != nil {
		key := session.WorkspaceID + "|" + session.UserID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	switch route {
	case "sync":
		s.handleSync(w, session)
	case "position_write":
		s.handlePositionWrite(w, r, session)
	case "cleanup":
		s.handleCleanup(w, r, session)
	case "parking_lot":
		s.handleParkingLot(w, r, session)
	case "projects_list":
		s.handleProjectsList(w, session)
	case "project_create":
		s.handleProjectCreate(w, r, session)
	case "project_update":
		s.handleProjectUpdate(w, r, session, routeArg)
	case "project_delete":
		s.handleProjectDelete(w, session, routeArg)
	case "migrate":
		s.handleMigrate(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, session Session) {
	snapshot, err := s.store.SyncSnapshot(session.WorkspaceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePositionWrite(w http.ResponseWriter, r *http.Request, session Session) {
	body, ok := s.readValidatedBody(w, r, schema.PositionWrite)
	if !ok {
		return
	}
	var payload struct {
		IssueID     string  `json:"issueId"`
		ProjectID   string  `json:"projectId"`
		XPosition   float64 `json:"xPosition"`
		Notes       string  `json:"notes"`
		LastUpdated string  `json:"lastUpdated"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	position, err := s.store.UpsertPosition(hillsync.PositionWriteRequest{
		WorkspaceID: session.WorkspaceID,
		IssueID:     payload.IssueID,
		ProjectID:   payload.ProjectID,
		XPosition:   payload.XPosition,
		Notes:       payload.Notes,
		LastUpdated: payload.LastUpdated,
		Actor:       session.actor(),
	})
	if err != nil {
		var conflict *hillsync.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "Conflict",
				"latest": conflict.Latest,
			})
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, session Session) {
	body, ok := s.readValidatedBody(w, r, schema.Cleanup)
	if !ok {
		return
	}
	var payload struct {
		ProjectID      string   `json:"projectId"`
		ActiveIssueIDs []string `json:"activeIssueIds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deleted, err := s.store.CleanupPositions(session.WorkspaceID, payload.ProjectID, payload.ActiveIssueIDs)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleParkingLot(w http.ResponseWriter, r *http.Request, session Session) {
	body, ok := s.readValidatedBody(w, r, schema.ParkingLotSave)
	if !ok {
		return
	}
	var payload struct {
		ProjectID string   `json:"projectId"`
		Side      string   `json:"side"`
		IssueIDs  []string `json:"issueIds"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	order, err := s.store.UpsertParkingLotOrder(hillsync.OrderWriteRequest{
		WorkspaceID: session.WorkspaceID,
		ProjectID:   payload.ProjectID,
		Side:        hillsync.Side(payload.Side),
		IssueIDs:    payload.IssueIDs,
		Actor:       session.actor(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleProjectsList(w http.ResponseWriter, session Session) {
	projects, err := s.store.ListProjects(session.WorkspaceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request, session Session) {
	body, ok := s.readValidatedBody(w, r, schema.ProjectCreate)
	if !ok {
		return
	}
	var project hillsync.Project
	if err := json.Unmarshal(body, &project); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	created, err := s.store.CreateProject(session.WorkspaceID, project, session.actor())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	body, ok := s.readValidatedBody(w, r, schema.ProjectPatch)
	if !ok {
		return
	}
	var patch hillsync.ProjectPatch
	if err := json.Unmarshal(body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := s.store.UpdateProject(session.WorkspaceID, projectID, patch)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, session Session, projectID string) {
	if err := s.store.DeleteProject(session.WorkspaceID, projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request, session Session) {
	body, ok := s.readValidatedBody(w, r, schema.Migrate)
	if !ok {
		return
	}
	var data hillsync.LocalImport
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.store.ImportLocalData(session.WorkspaceID, data, session.actor())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// readValidatedBody reads a size-capped body and validates it against the
// route's payload schema before any decoding into domain types.
func (s *Server) readValidatedBody(w http.ResponseWriter, r *http.Request, payloadSchema *jsonschema.Schema) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if err := schema.Validate(payloadSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return body, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hillsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, hillsync.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
