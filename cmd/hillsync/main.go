package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/hillsync/internal/hillsync"
	"github.com/agentworkforce/hillsync/internal/httpapi"
	"github.com/agentworkforce/hillsync/internal/linearapi"
)

func main() {
	addr := os.Getenv("HILLSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	hub := httpapi.NewWatchHub()
	store := hillsync.NewStoreWithOptions(hillsync.StoreOptions{
		StateBackend: stateBackend,
		OnChange:     hub.Notify,
	})
	defer store.Close()

	linear := linearapi.NewClient(linearapi.ClientOptions{
		BaseURL:  os.Getenv("HILLSYNC_LINEAR_API_URL"),
		TokenURL: os.Getenv("HILLSYNC_LINEAR_TOKEN_URL"),
	})
	server := httpapi.NewServerWithConfig(store, hub, linear, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("HILLSYNC_JWT_SECRET"),
		SessionTTL:         durationEnv("HILLSYNC_SESSION_TTL", 7*24*time.Hour),
		LinearClientID:     os.Getenv("HILLSYNC_LINEAR_CLIENT_ID"),
		LinearClientSecret: os.Getenv("HILLSYNC_LINEAR_CLIENT_SECRET"),
		OAuthRedirectURI:   os.Getenv("HILLSYNC_OAUTH_REDIRECT_URI"),
		AppURL:             os.Getenv("HILLSYNC_APP_URL"),
		AllowedOrigins:     splitOrigins(os.Getenv("HILLSYNC_ALLOWED_ORIGINS")),
		RateLimitMax:       intEnv("HILLSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("HILLSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("HILLSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("hillsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server.Handler()); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (hillsync.StateBackend, error) {
	profileDSN, err := storageProfileDSNFromEnv()
	if err != nil {
		return nil, err
	}
	backendDSN := strings.TrimSpace(os.Getenv("HILLSYNC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("HILLSYNC_STATE_FILE"))
	switch {
	case backendDSN != "":
		return hillsync.BuildStateBackendFromDSN(backendDSN)
	case stateFile != "":
		return hillsync.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return hillsync.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("HILLSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("HILLSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".hillsync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("HILLSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("HILLSYNC_POSTGRES_DSN is required when HILLSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported HILLSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
