package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/hillsync/internal/hillsync"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *hillsync.Store) {
	t.Helper()
	hub := NewWatchHub()
	store := hillsync.NewStoreWithOptions(hillsync.StoreOptions{OnChange: hub.Notify})
	t.Cleanup(store.Close)
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	return NewServerWithConfig(store, hub, nil, cfg), store
}

func sessionToken(t *testing.T, s *Server, workspaceID, userID string) string {
	t.Helper()
	token, err := s.issueSessionToken(Session{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Name:        "Dana",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("issue session token failed: %v", err)
	}
	return token
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func createProject(t *testing.T, s *Server, token, projectID string) {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/v1/projects", token, map[string]any{
		"id":           projectID,
		"name":         "Project " + projectID,
		"linearTeamId": "team_1",
		"labelFilter":  "hill-chart",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project failed: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDataRoutesRequireSession(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	rec := doJSON(t, s, http.MethodGet, "/v1/data/sync", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body failed: %v", err)
	}
	if body["error"] != "Unauthorized" {
		t.Fatalf("expected error envelope, got %v", body)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/data/sync", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{SessionTTL: time.Minute})
	expired, err := s.issueSessionToken(Session{
		UserID:      "user_1",
		WorkspaceID: "ws_1",
	}, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	rec := doJSON(t, s, http.MethodGet, "/v1/data/sync", expired, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
}

func TestPositionWriteConflictAndSync(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")
	createProject(t, s, token, "proj_1")

	now := time.Now().UTC()
	rec := doJSON(t, s, http.MethodPost, "/v1/positions", token, map[string]any{
		"issueId":     "ISS-1",
		"projectId":   "proj_1",
		"xPosition":   30,
		"lastUpdated": now.Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("position write failed: status=%d body=%s", rec.Code, rec.Body.String())
	}

	// A write carrying a timestamp older than the stored record loses and
	// gets the stored record back.
	rec = doJSON(t, s, http.MethodPost, "/v1/positions", token, map[string]any{
		"issueId":     "ISS-1",
		"projectId":   "proj_1",
		"xPosition":   70,
		"lastUpdated": now.Add(-time.Hour).Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale write, got %d: %s", rec.Code, rec.Body.String())
	}
	var conflict struct {
		Error  string                 `json:"error"`
		Latest hillsync.IssuePosition `json:"latest"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict body failed: %v", err)
	}
	if conflict.Error != "Conflict" || conflict.Latest.XPosition != 30 {
		t.Fatalf("unexpected conflict body: %+v", conflict)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/data/sync", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync failed: %d", rec.Code)
	}
	var snapshot hillsync.SyncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode sync body failed: %v", err)
	}
	if len(snapshot.Projects) != 1 || snapshot.IssuePositions["ISS-1"].XPosition != 30 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.LastSync == "" {
		t.Fatalf("expected lastSync in snapshot")
	}
}

func TestPositionWriteSchemaValidation(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")
	createProject(t, s, token, "proj_1")

	rec := doJSON(t, s, http.MethodPost, "/v1/positions", token, map[string]any{
		"issueId":   "ISS-1",
		"projectId": "proj_1",
		"xPosition": 150,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCleanupEndpoint(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")
	createProject(t, s, token, "proj_1")

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, issueID := range []string{"ISS-1", "ISS-2"} {
		rec := doJSON(t, s, http.MethodPost, "/v1/positions", token, map[string]any{
			"issueId":     issueID,
			"projectId":   "proj_1",
			"xPosition":   10,
			"lastUpdated": now,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("seed write failed: %d", rec.Code)
		}
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/positions/cleanup", token, map[string]any{
		"projectId":      "proj_1",
		"activeIssueIds": []string{"ISS-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup failed: %d: %s", rec.Code, rec.Body.String())
	}
	var result map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode cleanup body failed: %v", err)
	}
	if result["deleted"] != 1 {
		t.Fatalf("expected deleted=1, got %v", result)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/positions/cleanup", token, map[string]any{
		"projectId":      "proj_1",
		"activeIssueIds": []string{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty active set, got %d", rec.Code)
	}
}

func TestParkingLotEndpoint(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")
	createProject(t, s, token, "proj_1")

	rec := doJSON(t, s, http.MethodPost, "/v1/parking-lot", token, map[string]any{
		"projectId": "proj_1",
		"side":      "left",
		"issueIds":  []string{"ISS-2", "ISS-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("parking lot save failed: %d: %s", rec.Code, rec.Body.String())
	}
	var order hillsync.ParkingLotOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &order); err != nil {
		t.Fatalf("decode order body failed: %v", err)
	}
	if len(order.IssueIDs) != 2 || order.IssueIDs[0] != "ISS-2" {
		t.Fatalf("unexpected order: %+v", order)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/parking-lot", token, map[string]any{
		"projectId": "proj_1",
		"side":      "middle",
		"issueIds":  []string{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid side, got %d", rec.Code)
	}
}

func TestProjectUpdateAndDelete(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")
	createProject(t, s, token, "proj_1")

	rec := doJSON(t, s, http.MethodPatch, "/v1/projects/proj_1", token, map[string]any{
		"name": "Renamed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch failed: %d: %s", rec.Code, rec.Body.String())
	}
	var project hillsync.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &project); err != nil {
		t.Fatalf("decode project failed: %v", err)
	}
	if project.Name != "Renamed" {
		t.Fatalf("expected renamed project, got %+v", project)
	}

	rec = doJSON(t, s, http.MethodDelete, "/v1/projects/proj_1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodDelete, "/v1/projects/proj_1", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", rec.Code)
	}
}

func TestMigrateEndpoint(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")

	rec := doJSON(t, s, http.MethodPost, "/v1/migrate/localStorage", token, map[string]any{
		"projects": []map[string]any{{
			"id":           "proj_local",
			"name":         "From localStorage",
			"linearTeamId": "team_1",
			"labelFilter":  "hill-chart",
		}},
		"issuePositions": []map[string]any{
			{"issueId": "ISS-1", "projectId": "proj_local", "xPosition": 45},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("migrate failed: %d: %s", rec.Code, rec.Body.String())
	}
	var result hillsync.MigrateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode migrate result failed: %v", err)
	}
	if result.Projects != 1 || result.IssuePositions != 1 {
		t.Fatalf("unexpected migrate result: %+v", result)
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	tokenA := sessionToken(t, s, "ws_a", "user_a")
	tokenB := sessionToken(t, s, "ws_b", "user_b")
	createProject(t, s, tokenA, "proj_1")

	// ws_b's session cannot write into ws_a's project.
	rec := doJSON(t, s, http.MethodPost, "/v1/positions", tokenB, map[string]any{
		"issueId":     "ISS-1",
		"projectId":   "proj_1",
		"xPosition":   10,
		"lastUpdated": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-workspace write, got %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/v1/data/sync", tokenB, nil)
	var snapshot hillsync.SyncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode sync failed: %v", err)
	}
	if len(snapshot.Projects) != 0 {
		t.Fatalf("expected empty snapshot for ws_b, got %+v", snapshot.Projects)
	}
}

func TestRateLimitOnMutations(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := sessionToken(t, s, "ws_1", "user_1")

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = doJSON(t, s, http.MethodPost, "/v1/projects", token, map[string]any{
			"id":           fmt.Sprintf("proj_%d", i),
			"name":         "Project",
			"linearTeamId": "team_1",
			"labelFilter":  "hill-chart",
		})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third mutation, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}

	// Reads stay unthrottled.
	rec := doJSON(t, s, http.MethodGet, "/v1/data/sync", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected read to bypass rate limit, got %d", rec.Code)
	}
}

func TestLoginRedirectsToLinear(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{
		LinearClientID:   "client_1",
		OAuthRedirectURI: "https://app.example.com/v1/auth/callback",
	})
	rec := doJSON(t, s, http.MethodGet, "/v1/auth/login", "", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "https://linear.app/oauth/authorize?") || !strings.Contains(location, "client_id=client_1") {
		t.Fatalf("unexpected redirect location: %s", location)
	}
	foundState := false
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == stateCookieName && cookie.Value != "" {
			foundState = true
		}
	}
	if !foundState {
		t.Fatalf("expected OAuth state cookie to be set")
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{LinearClientID: "client_1", OAuthRedirectURI: "https://x/cb"})
	req := httptest.NewRequest(http.MethodGet, "/v1/auth/callback?state=forged&code=code_1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "expected"})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for state mismatch, got %d", rec.Code)
	}
}

func TestSessionAndLogout(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})
	token := sessionToken(t, s, "ws_1", "user_1")

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/session", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session lookup failed: %d", rec.Code)
	}
	var session Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session failed: %v", err)
	}
	if session.UserID != "user_1" || session.WorkspaceID != "ws_1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	rec = doJSON(t, s, http.MethodPost, "/v1/auth/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout failed: %d", rec.Code)
	}
	cleared := false
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == sessionCookieName && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected session cookie to be cleared")
	}
}

func TestWatchHubFanout(t *testing.T) {
	hub := NewWatchHub()
	chA := hub.subscribe("ws_a")
	chB := hub.subscribe("ws_b")
	defer hub.unsubscribe("ws_a", chA)
	defer hub.unsubscribe("ws_b", chB)

	hub.Notify("ws_a")
	select {
	case event := <-chA:
		if event.Type != "sync" || event.WorkspaceID != "ws_a" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected ws_a subscriber to receive event")
	}
	select {
	case event := <-chB:
		t.Fatalf("ws_b must not receive ws_a events: %+v", event)
	default:
	}

	if got := hub.subscriberCount("ws_a"); got != 1 {
		t.Fatalf("expected 1 subscriber for ws_a, got %d", got)
	}
}

func TestWatchHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewWatchHub()
	ch := hub.subscribe("ws_slow")
	defer hub.unsubscribe("ws_slow", ch)

	// More notifications than the channel buffers; Notify must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			hub.Notify("ws_slow")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Notify to drop events instead of blocking")
	}
}
