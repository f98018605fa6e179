package hillclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentworkforce/hillsync/internal/hillsync"
)

func newTestPoller(t *testing.T, remote *fakeRemote, opts PollerOptions) (*Cache, *Poller) {
	t.Helper()
	cache, err := NewCache(remote, CacheOptions{})
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	poller, err := NewPoller(cache, opts)
	if err != nil {
		t.Fatalf("new poller failed: %v", err)
	}
	return cache, poller
}

func TestPollerRefreshesImmediatelyThenOnInterval(t *testing.T) {
	remote := &fakeRemote{
		snapshot: hillsync.SyncResponse{
			IssuePositions: map[string]hillsync.IssuePosition{
				"LIN-1": {IssueID: "LIN-1", ProjectID: "proj_1", XPosition: 12},
			},
		},
	}
	cache, poller := newTestPoller(t, remote, PollerOptions{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := poller.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	remote.mu.Lock()
	calls := remote.syncCalls
	remote.mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected immediate refresh plus interval refreshes, got %d calls", calls)
	}
	if position, ok := cache.Position("LIN-1"); !ok || position.XPosition != 12 {
		t.Fatalf("expected refreshed position, got %+v", position)
	}
}

func TestPollerRefreshesOnNudge(t *testing.T) {
	remote := &fakeRemote{snapshot: hillsync.SyncResponse{}}
	nudge := make(chan struct{}, 1)
	_, poller := newTestPoller(t, remote, PollerOptions{Interval: time.Hour, Nudge: nudge})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		remote.mu.Lock()
		calls := remote.syncCalls
		remote.mu.Unlock()
		if calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("initial refresh never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}

	nudge <- struct{}{}
	for {
		remote.mu.Lock()
		calls := remote.syncCalls
		remote.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("nudge never triggered a refresh")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestPollerStopsOnAuthError(t *testing.T) {
	remote := &fakeRemote{syncErr: fmt.Errorf("http 401: %w", ErrUnauthorized)}
	_, poller := newTestPoller(t, remote, PollerOptions{Interval: 10 * time.Millisecond})

	err := poller.Run(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected poller to stop with auth error, got %v", err)
	}
	remote.mu.Lock()
	calls := remote.syncCalls
	remote.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected no retry after auth failure, got %d calls", calls)
	}
}

func TestPollerContinuesAfterTransientError(t *testing.T) {
	remote := &fakeRemote{syncErr: &HTTPError{StatusCode: 503, Message: "unavailable"}}
	_, poller := newTestPoller(t, remote, PollerOptions{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		remote.mu.Lock()
		calls := remote.syncCalls
		remote.mu.Unlock()
		if calls >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("poller did not keep polling through transient errors")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestWakeGapExceeded(t *testing.T) {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	if wakeGapExceeded(base, base.Add(30*time.Second), time.Minute) {
		t.Fatalf("expected no wake for sub-gap elapsed time")
	}
	if !wakeGapExceeded(base, base.Add(5*time.Minute), time.Minute) {
		t.Fatalf("expected wake detection for long gap")
	}
	if wakeGapExceeded(time.Time{}, base, time.Minute) {
		t.Fatalf("expected zero last-cycle time to never signal a wake")
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
