package hillclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/hillsync/internal/hillsync"
)

var (
	ErrConflict     = errors.New("position conflict")
	ErrUnauthorized = errors.New("session rejected; re-authentication required")
)

// ConflictError is returned when the server holds a newer record for the
// issue being written. Latest is the record the caller must adopt.
type ConflictError struct {
	Latest hillsync.IssuePosition
}

func (e *ConflictError) Error() string {
	if e.Latest.IssueID == "" {
		return "position conflict"
	}
	return fmt.Sprintf("position conflict for issue %s", e.Latest.IssueID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// PositionWrite is one issue placement submitted to the server. LastUpdated
// is the client's logical timestamp for staleness arbitration.
type PositionWrite struct {
	IssueID     string  `json:"issueId"`
	ProjectID   string  `json:"projectId"`
	XPosition   float64 `json:"xPosition"`
	Notes       string  `json:"notes,omitempty"`
	LastUpdated string  `json:"lastUpdated"`
}

type RemoteClient interface {
	Sync(ctx context.Context) (hillsync.SyncResponse, error)
	WritePosition(ctx context.Context, write PositionWrite) (hillsync.IssuePosition, error)
	SaveParkingLot(ctx context.Context, projectID string, side hillsync.Side, issueIDs []string) (hillsync.ParkingLotOrder, error)
	CleanupPositions(ctx context.Context, projectID string, activeIssueIDs []string) (int, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Sync(ctx context.Context) (hillsync.SyncResponse, error) {
	var out hillsync.SyncResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/data/sync", nil, &out)
	return out, err
}

func (c *HTTPClient) WritePosition(ctx context.Context, write PositionWrite) (hillsync.IssuePosition, error) {
	var out hillsync.IssuePosition
	err := c.doJSON(ctx, http.MethodPost, "/v1/positions", write, &out)
	return out, err
}

func (c *HTTPClient) SaveParkingLot(ctx context.Context, projectID string, side hillsync.Side, issueIDs []string) (hillsync.ParkingLotOrder, error) {
	if issueIDs == nil {
		issueIDs = []string{}
	}
	body := map[string]any{
		"projectId": projectID,
		"side":      string(side),
		"issueIds":  issueIDs,
	}
	var out hillsync.ParkingLotOrder
	err := c.doJSON(ctx, http.MethodPost, "/v1/parking-lot", body, &out)
	return out, err
}

func (c *HTTPClient) CleanupPositions(ctx context.Context, projectID string, activeIssueIDs []string) (int, error) {
	body := map[string]any{
		"projectId":      projectID,
		"activeIssueIds": activeIssueIDs,
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/positions/cleanup", body, &out)
	return out.Deleted, err
}

func (c *HTTPClient) DeleteProject(ctx context.Context, projectID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/projects/"+url.PathEscape(projectID), nil, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error  string                 `json:"error"`
			Latest *hillsync.IssuePosition `json:"latest"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		switch {
		case resp.StatusCode == http.StatusConflict:
			conflict := &ConflictError{}
			if errPayload.Latest != nil {
				conflict.Latest = *errPayload.Latest
			}
			return conflict
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("http %d: %w", resp.StatusCode, ErrUnauthorized)
		}
		message := strings.TrimSpace(errPayload.Error)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
