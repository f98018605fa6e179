package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/hillsync/internal/hillclient"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("HILLSYNC_BASE_URL", "http://127.0.0.1:8080"), "hillsync base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("HILLSYNC_TOKEN")), "session bearer token")
	workspaceID := flag.String("workspace", strings.TrimSpace(os.Getenv("HILLSYNC_WORKSPACE")), "workspace ID for the watch stream")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("HILLSYNC_AGENT_STATE_FILE")), "cache state file path")
	interval := flag.Duration("interval", durationEnv("HILLSYNC_AGENT_INTERVAL", 20*time.Second), "poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("HILLSYNC_AGENT_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("HILLSYNC_AGENT_TIMEOUT", 15*time.Second), "per-request timeout")
	watch := flag.Bool("watch", boolEnv("HILLSYNC_AGENT_WATCH", true), "subscribe to the workspace watch stream for immediate refreshes")
	once := flag.Bool("once", false, "run one refresh and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or HILLSYNC_TOKEN)")
	}
	if *interval <= 0 {
		*interval = 20 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}

	client := hillclient.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	cache, err := hillclient.NewCache(client, hillclient.CacheOptions{
		StateFile: strings.TrimSpace(*stateFile),
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize cache: %v", err)
	}
	if err := cache.LoadState(); err != nil {
		log.Printf("failed to load cache state, starting empty: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := cache.Refresh(ctx); err != nil {
			log.Fatalf("refresh failed: %v", err)
		}
		snapshot := cache.Snapshot()
		log.Printf("refreshed: %d projects, %d positions, %d orderings",
			len(snapshot.Projects), len(snapshot.IssuePositions), len(snapshot.ParkingLotOrders))
		return
	}

	var nudge chan struct{}
	if *watch && strings.TrimSpace(*workspaceID) != "" {
		nudge = make(chan struct{}, 1)
		go watchLoop(rootCtx, *baseURL, *token, strings.TrimSpace(*workspaceID), nudge)
	}

	poller, err := hillclient.NewPoller(cache, hillclient.PollerOptions{
		Interval:    *interval,
		JitterRatio: *intervalJitter,
		Nudge:       nudge,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize poller: %v", err)
	}

	err = poller.Run(rootCtx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("agent stopping: %v", rootCtx.Err())
	case errors.Is(err, hillclient.ErrUnauthorized):
		log.Fatalf("session rejected; obtain a new token and restart: %v", err)
	case err != nil:
		log.Fatalf("poller failed: %v", err)
	}
}

// watchLoop keeps a websocket subscription to the workspace change stream
// and nudges the poller on every event. Connection failures degrade the
// agent to interval-only polling until the stream comes back.
func watchLoop(ctx context.Context, baseURL, token, workspaceID string, nudge chan<- struct{}) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		err := watchOnce(ctx, baseURL, token, workspaceID, nudge)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("watch stream disconnected, retrying in %s: %v", backoff, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func watchOnce(ctx context.Context, baseURL, token, workspaceID string, nudge chan<- struct{}) error {
	watchURL, err := watchEndpoint(baseURL, workspaceID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, watchURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var event struct {
			Type        string `json:"type"`
			WorkspaceID string `json:"workspaceId"`
			At          string `json:"at"`
		}
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		select {
		case nudge <- struct{}{}:
		default:
		}
	}
}

func watchEndpoint(baseURL, workspaceID string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/workspaces/" + url.PathEscape(workspaceID) + "/watch"
	return parsed.String(), nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}
