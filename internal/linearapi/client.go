// Package linearapi is a read-only client for the Linear GraphQL API plus the
// OAuth token exchange. HTTP failures that Linear reports as retryable (429
// and 5xx) are retried with exponential backoff, honoring Retry-After.
package linearapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UpstreamError is a non-2xx response from Linear that exhausted retries.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("linear request failed: status=%d message=%s", e.Status, e.Message)
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URLKey string `json:"urlKey"`
}

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

type ProjectRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Issue struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	Title      string   `json:"title"`
	State      string   `json:"state"`
	URL        string   `json:"url"`
	Labels     []string `json:"labels"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type ClientOptions struct {
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	tokenURL   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.linear.app"
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tokenURL = baseURL + "/oauth/token"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		tokenURL:   tokenURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// ExchangeCode trades an OAuth authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, cfg OAuthConfig, code string) (TokenResponse, error) {
	if strings.TrimSpace(code) == "" {
		return TokenResponse{}, fmt.Errorf("authorization code is empty")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("redirect_uri", cfg.RedirectURI)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return TokenResponse{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TokenResponse{}, &UpstreamError{Status: resp.StatusCode, Message: upstreamMessage(body)}
	}
	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return TokenResponse{}, err
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return TokenResponse{}, fmt.Errorf("token response is missing access_token")
	}
	return token, nil
}

// Viewer returns the identity behind the access token.
func (c *Client) Viewer(ctx context.Context, token string) (User, error) {
	const query = `query { viewer { id name email avatarUrl } }`
	var out struct {
		Viewer User `json:"viewer"`
	}
	if err := c.doGraphQL(ctx, token, query, nil, &out); err != nil {
		return User{}, err
	}
	return out.Viewer, nil
}

// ViewerContext returns the identity and the organization it belongs to in
// one round trip. The organization is what scopes a workspace server-side.
func (c *Client) ViewerContext(ctx context.Context, token string) (User, Organization, error) {
	const query = `query { viewer { id name email avatarUrl } organization { id name urlKey } }`
	var out struct {
		Viewer       User         `json:"viewer"`
		Organization Organization `json:"organization"`
	}
	if err := c.doGraphQL(ctx, token, query, nil, &out); err != nil {
		return User{}, Organization{}, err
	}
	return out.Viewer, out.Organization, nil
}

func (c *Client) Teams(ctx context.Context, token string) ([]Team, error) {
	const query = `query { teams { nodes { id name key } } }`
	var out struct {
		Teams struct {
			Nodes []Team `json:"nodes"`
		} `json:"teams"`
	}
	if err := c.doGraphQL(ctx, token, query, nil, &out); err != nil {
		return nil, err
	}
	return out.Teams.Nodes, nil
}

func (c *Client) TeamProjects(ctx context.Context, token, teamID string) ([]ProjectRef, error) {
	const query = `query($teamId: String!) {
		team(id: $teamId) { projects { nodes { id name } } }
	}`
	var out struct {
		Team struct {
			Projects struct {
				Nodes []ProjectRef `json:"nodes"`
			} `json:"projects"`
		} `json:"team"`
	}
	err := c.doGraphQL(ctx, token, query, map[string]any{"teamId": teamID}, &out)
	if err != nil {
		return nil, err
	}
	return out.Team.Projects.Nodes, nil
}

// TeamIssues lists a team's issues carrying the given label.
func (c *Client) TeamIssues(ctx context.Context, token, teamID, label string) ([]Issue, error) {
	const query = `query($teamId: ID!, $label: String!) {
		issues(filter: {team: {id: {eq: $teamId}}, labels: {name: {eq: $label}}}, first: 250) {
			nodes {
				id identifier title url
				state { name }
				labels { nodes { name } }
			}
		}
	}`
	var out struct {
		Issues struct {
			Nodes []struct {
				ID         string `json:"id"`
				Identifier string `json:"identifier"`
				Title      string `json:"title"`
				URL        string `json:"url"`
				State      struct {
					Name string `json:"name"`
				} `json:"state"`
				Labels struct {
					Nodes []struct {
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"labels"`
			} `json:"nodes"`
		} `json:"issues"`
	}
	err := c.doGraphQL(ctx, token, query, map[string]any{"teamId": teamID, "label": label}, &out)
	if err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(out.Issues.Nodes))
	for _, node := range out.Issues.Nodes {
		issue := Issue{
			ID:         node.ID,
			Identifier: node.Identifier,
			Title:      node.Title,
			URL:        node.URL,
			State:      node.State.Name,
		}
		for _, label := range node.Labels.Nodes {
			issue.Labels = append(issue.Labels, label.Name)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func (c *Client) doGraphQL(ctx context.Context, token, query string, variables map[string]any, out any) error {
	if c == nil {
		return fmt.Errorf("linear client is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("linear access token is empty")
	}
	bodyBytes, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/graphql"

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &UpstreamError{Status: resp.StatusCode, Message: upstreamMessage(respBody)}
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return err
		}
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("linear graphql error: %s", envelope.Errors[0].Message)
		}
		if out == nil || len(envelope.Data) == 0 {
			return nil
		}
		return json.Unmarshal(envelope.Data, out)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func upstreamMessage(body []byte) string {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if m, ok := parsed["error"].(string); ok && strings.TrimSpace(m) != "" {
			return m
		}
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			return m
		}
	}
	return message
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
