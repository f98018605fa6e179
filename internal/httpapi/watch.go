package httpapi

import (
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent is pushed to watchers whenever their workspace's state mutates.
// It carries no data; watchers respond by fetching a fresh sync snapshot.
type ChangeEvent struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	At          string `json:"at"`
}

// WatchHub fans store change notifications out to websocket subscribers,
// keyed by workspace. Slow subscribers drop events instead of blocking the
// store's mutation path.
type WatchHub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan ChangeEvent]struct{}
}

func NewWatchHub() *WatchHub {
	return &WatchHub{subscribers: map[string]map[chan ChangeEvent]struct{}{}}
}

// Notify is safe to use as a store OnChange hook.
func (h *WatchHub) Notify(workspaceID string) {
	event := ChangeEvent{
		Type:        "sync",
		WorkspaceID: workspaceID,
		At:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[workspaceID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *WatchHub) subscribe(workspaceID string) chan ChangeEvent {
	ch := make(chan ChangeEvent, 8)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[workspaceID] == nil {
		h.subscribers[workspaceID] = map[chan ChangeEvent]struct{}{}
	}
	h.subscribers[workspaceID][ch] = struct{}{}
	return ch
}

func (h *WatchHub) unsubscribe(workspaceID string, ch chan ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[workspaceID], ch)
	if len(h.subscribers[workspaceID]) == 0 {
		delete(h.subscribers, workspaceID)
	}
}

func (h *WatchHub) subscriberCount(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[workspaceID])
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, workspaceID string) {
	session, authErr := s.authenticate(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.message)
		return
	}
	if session.WorkspaceID != workspaceID {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "watch terminated")

	events := s.hub.subscribe(workspaceID)
	defer s.hub.unsubscribe(workspaceID, events)

	// CloseRead discards inbound frames and cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
