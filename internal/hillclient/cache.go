package hillclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/hillsync/internal/hillsync"
)

type Logger interface {
	Printf(format string, args ...any)
}

type pendingState int

const (
	pendingOptimistic pendingState = iota
	pendingCommitting
)

// pendingPosition is a per-issue overlay on top of the committed snapshot.
// draft is what the UI displays while a drag or write is in flight; prior is
// the committed record to restore if the write fails.
type pendingPosition struct {
	state    pendingState
	draft    hillsync.IssuePosition
	prior    hillsync.IssuePosition
	hadPrior bool
}

type CacheOptions struct {
	// StateFile persists the committed snapshot across restarts. Empty
	// disables persistence.
	StateFile string
	Logger    Logger
	Now       func() time.Time
}

// Cache holds the last committed server snapshot plus per-issue optimistic
// overlays. Reads see overlays first; background refreshes never clobber a
// key with a write in flight.
type Cache struct {
	mu         sync.Mutex
	client     RemoteClient
	committed  hillsync.SyncResponse
	pending    map[string]*pendingPosition
	refreshGen uint64
	stateFile  string
	logger     Logger
	now        func() time.Time
}

func NewCache(client RemoteClient, opts CacheOptions) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		client: client,
		committed: hillsync.SyncResponse{
			Projects:         []hillsync.Project{},
			IssuePositions:   map[string]hillsync.IssuePosition{},
			ParkingLotOrders: map[string]hillsync.ParkingLotOrder{},
		},
		pending:   map[string]*pendingPosition{},
		stateFile: opts.StateFile,
		logger:    opts.Logger,
		now:       now,
	}, nil
}

type cacheState struct {
	Snapshot hillsync.SyncResponse `json:"snapshot"`
	SavedAt  string                `json:"savedAt"`
}

// LoadState restores the committed snapshot from the state file. A missing
// file is not an error; the cache starts empty and fills on first refresh.
func (c *Cache) LoadState() error {
	if c.stateFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state cacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = normalizeSnapshot(state.Snapshot)
	return nil
}

func (c *Cache) saveStateLocked() {
	if c.stateFile == "" {
		return
	}
	state := cacheState{
		Snapshot: c.committed,
		SavedAt:  c.now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(state)
	if err != nil {
		c.logf("failed to encode cache state: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.stateFile), 0o755); err != nil {
		c.logf("failed to prepare cache state dir: %v", err)
		return
	}
	if err := writeFileAtomic(c.stateFile, data, 0o644); err != nil {
		c.logf("failed to write cache state: %v", err)
	}
}

// BeginDrag starts an optimistic move for one issue. The draft is visible
// immediately; nothing is sent to the server until EndDrag.
func (c *Cache) BeginDrag(issueID, projectID string, x float64) error {
	if issueID == "" || projectID == "" {
		return fmt.Errorf("issue id and project id are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[issueID]; exists {
		return fmt.Errorf("drag already in progress for issue %s", issueID)
	}
	entry := &pendingPosition{state: pendingOptimistic}
	if prior, ok := c.committed.IssuePositions[issueID]; ok {
		entry.prior = prior
		entry.hadPrior = true
		entry.draft = prior
	} else {
		entry.draft = hillsync.IssuePosition{IssueID: issueID, ProjectID: projectID}
	}
	entry.draft.ProjectID = projectID
	entry.draft.XPosition = hillsync.ClampPosition(x)
	c.pending[issueID] = entry
	return nil
}

// MoveDrag updates the transient draft during a drag.
func (c *Cache) MoveDrag(issueID string, x float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[issueID]
	if !ok || entry.state != pendingOptimistic {
		return fmt.Errorf("no drag in progress for issue %s", issueID)
	}
	entry.draft.XPosition = hillsync.ClampPosition(x)
	return nil
}

// CancelDrag drops the overlay without contacting the server. The committed
// record becomes visible again.
func (c *Cache) CancelDrag(issueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[issueID]
	if !ok || entry.state != pendingOptimistic {
		return
	}
	delete(c.pending, issueID)
}

// EndDrag promotes the draft to a committing write. On success the committed
// snapshot adopts the server record. On conflict the overlay is rolled back
// and the committed snapshot adopts the server's latest record, so the caller
// never keeps displaying a rejected draft. Any other failure restores the
// pre-drag record.
func (c *Cache) EndDrag(ctx context.Context, issueID string) (hillsync.IssuePosition, error) {
	c.mu.Lock()
	entry, ok := c.pending[issueID]
	if !ok || entry.state != pendingOptimistic {
		c.mu.Unlock()
		return hillsync.IssuePosition{}, fmt.Errorf("no drag in progress for issue %s", issueID)
	}
	entry.state = pendingCommitting
	// A mutation supersedes any refresh already in flight; its result would
	// otherwise overwrite the outcome of this write.
	c.refreshGen++
	write := PositionWrite{
		IssueID:     entry.draft.IssueID,
		ProjectID:   entry.draft.ProjectID,
		XPosition:   entry.draft.XPosition,
		Notes:       entry.draft.Notes,
		LastUpdated: c.now().UTC().Format(time.RFC3339Nano),
	}
	c.mu.Unlock()

	stored, err := c.client.WritePosition(ctx, write)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, issueID)
	if err == nil {
		c.committed.IssuePositions[issueID] = stored
		c.saveStateLocked()
		return stored, nil
	}

	// Rollback first so a failed write never leaves the draft visible.
	if entry.hadPrior {
		c.committed.IssuePositions[issueID] = entry.prior
	} else {
		delete(c.committed.IssuePositions, issueID)
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		c.committed.IssuePositions[issueID] = conflict.Latest
		c.saveStateLocked()
		return conflict.Latest, err
	}
	return hillsync.IssuePosition{}, err
}

// ReorderParkingLot applies the new ordering optimistically, then confirms it
// with the server. Failure restores the previous ordering.
func (c *Cache) ReorderParkingLot(ctx context.Context, projectID string, side hillsync.Side, issueIDs []string) (hillsync.ParkingLotOrder, error) {
	key := hillsync.OrderKey(projectID, side)
	c.mu.Lock()
	prior, hadPrior := c.committed.ParkingLotOrders[key]
	c.committed.ParkingLotOrders[key] = hillsync.ParkingLotOrder{
		ProjectID: projectID,
		Side:      side,
		IssueIDs:  append([]string(nil), issueIDs...),
	}
	c.refreshGen++
	c.mu.Unlock()

	order, err := c.client.SaveParkingLot(ctx, projectID, side, issueIDs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if hadPrior {
			c.committed.ParkingLotOrders[key] = prior
		} else {
			delete(c.committed.ParkingLotOrders, key)
		}
		return hillsync.ParkingLotOrder{}, err
	}
	c.committed.ParkingLotOrders[key] = order
	c.saveStateLocked()
	return order, nil
}

// CleanupProject asks the server to drop positions for issues no longer
// active, then prunes the local snapshot to match.
func (c *Cache) CleanupProject(ctx context.Context, projectID string, activeIssueIDs []string) (int, error) {
	deleted, err := c.client.CleanupPositions(ctx, projectID, activeIssueIDs)
	if err != nil {
		return 0, err
	}
	active := make(map[string]struct{}, len(activeIssueIDs))
	for _, id := range activeIssueIDs {
		active[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for issueID, position := range c.committed.IssuePositions {
		if position.ProjectID != projectID {
			continue
		}
		if _, ok := active[issueID]; ok {
			continue
		}
		if _, inFlight := c.pending[issueID]; inFlight {
			continue
		}
		delete(c.committed.IssuePositions, issueID)
	}
	c.saveStateLocked()
	return deleted, nil
}

// Position returns what the UI should display for one issue: the pending
// draft when a drag or write is in flight, otherwise the committed record.
func (c *Cache) Position(issueID string) (hillsync.IssuePosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.pending[issueID]; ok {
		return entry.draft, true
	}
	position, ok := c.committed.IssuePositions[issueID]
	return position, ok
}

// Snapshot returns a copy of the committed state with pending drafts applied.
func (c *Cache) Snapshot() hillsync.SyncResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := hillsync.SyncResponse{
		Projects:         append([]hillsync.Project(nil), c.committed.Projects...),
		IssuePositions:   make(map[string]hillsync.IssuePosition, len(c.committed.IssuePositions)),
		ParkingLotOrders: make(map[string]hillsync.ParkingLotOrder, len(c.committed.ParkingLotOrders)),
		LastSync:         c.committed.LastSync,
	}
	for issueID, position := range c.committed.IssuePositions {
		out.IssuePositions[issueID] = position
	}
	for issueID, entry := range c.pending {
		out.IssuePositions[issueID] = entry.draft
	}
	for key, order := range c.committed.ParkingLotOrders {
		out.ParkingLotOrders[key] = order
	}
	return out
}

// Refresh pulls a full workspace snapshot and applies it unless a mutation
// started after the pull began.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	gen := c.refreshGen
	c.mu.Unlock()

	snapshot, err := c.client.Sync(ctx)
	if err != nil {
		return err
	}
	c.applySnapshot(gen, snapshot)
	return nil
}

// applySnapshot replaces the committed state with the server's snapshot. The
// server wins for every key except those holding a pending overlay, whose
// committed record is carried forward until the in-flight write settles. A
// snapshot from a superseded refresh generation is dropped.
func (c *Cache) applySnapshot(gen uint64, snapshot hillsync.SyncResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.refreshGen {
		c.logf("dropping superseded snapshot")
		return
	}
	snapshot = normalizeSnapshot(snapshot)
	for issueID := range c.pending {
		if prior, ok := c.committed.IssuePositions[issueID]; ok {
			snapshot.IssuePositions[issueID] = prior
		} else {
			delete(snapshot.IssuePositions, issueID)
		}
	}
	c.committed = snapshot
	c.saveStateLocked()
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func normalizeSnapshot(snapshot hillsync.SyncResponse) hillsync.SyncResponse {
	if snapshot.Projects == nil {
		snapshot.Projects = []hillsync.Project{}
	}
	if snapshot.IssuePositions == nil {
		snapshot.IssuePositions = map[string]hillsync.IssuePosition{}
	}
	if snapshot.ParkingLotOrders == nil {
		snapshot.ParkingLotOrders = map[string]hillsync.ParkingLotOrder{}
	}
	return snapshot
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
