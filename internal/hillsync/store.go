package hillsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type StoreOptions struct {
	// StateBackend persists the workspace snapshot after each mutation. Nil
	// keeps state in memory only.
	StateBackend StateBackend
	// Now overrides the store clock; server-assigned lastUpdated timestamps
	// come from here. Defaults to time.Now.
	Now func() time.Time
	// OnChange is invoked after every successful mutation with the affected
	// workspace ID. Called outside the store lock.
	OnChange func(workspaceID string)
}

// Store holds all workspace hill-chart state. Every mutation is a
// read-modify-write under one lock, which gives the per-key atomicity the
// conflict check requires: two writers can never both pass the staleness
// check against the same stale record.
type Store struct {
	mu           sync.RWMutex
	workspaces   map[string]*workspaceState
	stateBackend StateBackend
	now          func() time.Time
	onChange     func(workspaceID string)
}

type workspaceState struct {
	Projects  map[string]Project         `json:"projects"`
	Positions map[string]IssuePosition   `json:"positions"`
	Orders    map[string]ParkingLotOrder `json:"orders"`
}

type persistedState struct {
	Workspaces map[string]*workspaceState `json:"workspaces"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		workspaces:   map[string]*workspaceState{},
		stateBackend: opts.StateBackend,
		now:          now,
		onChange:     opts.OnChange,
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		_ = closer.Close()
	}
}

func (s *Store) nowString() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// UpsertPosition applies last-write-wins arbitration and persists the
// accepted record with a server-assigned timestamp. A *ConflictError result
// carries the stored record the caller must adopt.
func (s *Store) UpsertPosition(req PositionWriteRequest) (IssuePosition, error) {
	if req.WorkspaceID == "" || req.IssueID == "" || req.ProjectID == "" {
		return IssuePosition{}, ErrValidation
	}
	if req.XPosition < 0 || req.XPosition > 100 {
		return IssuePosition{}, fmt.Errorf("%w: xPosition must be within [0,100]", ErrValidation)
	}
	incomingAt, err := time.Parse(time.RFC3339Nano, req.LastUpdated)
	if err != nil {
		incomingAt, err = time.Parse(time.RFC3339, req.LastUpdated)
	}
	if err != nil {
		return IssuePosition{}, fmt.Errorf("%w: lastUpdated must be an RFC 3339 timestamp", ErrValidation)
	}

	s.mu.Lock()
	ws, ok := s.workspaceForProjectLocked(req.WorkspaceID, req.ProjectID)
	if !ok {
		s.mu.Unlock()
		return IssuePosition{}, ErrNotFound
	}

	key := positionKey(req.IssueID, req.ProjectID)
	var stored *IssuePosition
	if existing, exists := ws.Positions[key]; exists {
		stored = &existing
	}
	if Resolve(incomingAt, stored) == ResolutionReject {
		latest := *stored
		s.mu.Unlock()
		return IssuePosition{}, &ConflictError{Latest: latest}
	}

	now := s.nowString()
	position := IssuePosition{
		IssueID:     req.IssueID,
		ProjectID:   req.ProjectID,
		XPosition:   req.XPosition,
		Notes:       req.Notes,
		LastUpdated: now,
	}
	ws.Positions[key] = position
	s.touchProjectLocked(ws, req.ProjectID, req.Actor, now)
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notifyChange(req.WorkspaceID)
	return position, nil
}

// UpsertParkingLotOrder replaces a side list wholesale. Reordering is treated
// as low-stakes, so there is no staleness check.
func (s *Store) UpsertParkingLotOrder(req OrderWriteRequest) (ParkingLotOrder, error) {
	if req.WorkspaceID == "" || req.ProjectID == "" {
		return ParkingLotOrder{}, ErrValidation
	}
	if !req.Side.Valid() {
		return ParkingLotOrder{}, fmt.Errorf("%w: side must be left or right", ErrValidation)
	}
	if req.IssueIDs == nil {
		req.IssueIDs = []string{}
	}

	s.mu.Lock()
	ws, ok := s.workspaceForProjectLocked(req.WorkspaceID, req.ProjectID)
	if !ok {
		s.mu.Unlock()
		return ParkingLotOrder{}, ErrNotFound
	}

	now := s.nowString()
	order := ParkingLotOrder{
		ProjectID:   req.ProjectID,
		Side:        req.Side,
		IssueIDs:    append([]string(nil), req.IssueIDs...),
		LastUpdated: now,
	}
	ws.Orders[OrderKey(req.ProjectID, req.Side)] = order
	s.touchProjectLocked(ws, req.ProjectID, req.Actor, now)
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notifyChange(req.WorkspaceID)
	return order, nil
}

// CleanupPositions removes positions of a project whose issue is no longer in
// the active set and reports how many rows it deleted. An empty active set is
// rejected: a client with no visible issues must not be able to wipe a
// project's positions.
func (s *Store) CleanupPositions(workspaceID, projectID string, activeIssueIDs []string) (int, error) {
	if workspaceID == "" || projectID == "" {
		return 0, ErrValidation
	}
	if len(activeIssueIDs) == 0 {
		return 0, fmt.Errorf("%w: activeIssueIds must not be empty", ErrValidation)
	}
	active := make(map[string]struct{}, len(activeIssueIDs))
	for _, id := range activeIssueIDs {
		active[id] = struct{}{}
	}

	s.mu.Lock()
	ws, ok := s.workspaceForProjectLocked(workspaceID, projectID)
	if !ok {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	deleted := 0
	for key, position := range ws.Positions {
		if position.ProjectID != projectID {
			continue
		}
		if _, stillActive := active[position.IssueID]; stillActive {
			continue
		}
		delete(ws.Positions, key)
		deleted++
	}
	if deleted > 0 {
		_ = s.saveLocked()
	}
	s.mu.Unlock()
	if deleted > 0 {
		s.notifyChange(workspaceID)
	}
	return deleted, nil
}

// SyncSnapshot returns the full state of one workspace. Read-only; clients
// diff and merge locally.
func (s *Store) SyncSnapshot(workspaceID string) (SyncResponse, error) {
	if workspaceID == "" {
		return SyncResponse{}, ErrValidation
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := SyncResponse{
		Projects:         []Project{},
		IssuePositions:   map[string]IssuePosition{},
		ParkingLotOrders: map[string]ParkingLotOrder{},
		LastSync:         s.nowString(),
	}
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return resp, nil
	}
	for _, project := range ws.Projects {
		resp.Projects = append(resp.Projects, project)
	}
	sort.Slice(resp.Projects, func(i, j int) bool {
		if resp.Projects[i].CreatedAt != resp.Projects[j].CreatedAt {
			return resp.Projects[i].CreatedAt > resp.Projects[j].CreatedAt
		}
		return resp.Projects[i].ID < resp.Projects[j].ID
	})
	for _, position := range ws.Positions {
		resp.IssuePositions[position.IssueID] = position
	}
	for key, order := range ws.Orders {
		resp.ParkingLotOrders[key] = order
	}
	return resp, nil
}

// ListProjects returns the workspace's projects, most recently active first.
func (s *Store) ListProjects(workspaceID string) ([]Project, error) {
	if workspaceID == "" {
		return nil, ErrValidation
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := []Project{}
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return projects, nil
	}
	for _, project := range ws.Projects {
		projects = append(projects, project)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].LastActivityAt != projects[j].LastActivityAt {
			return projects[i].LastActivityAt > projects[j].LastActivityAt
		}
		return projects[i].ID < projects[j].ID
	})
	return projects, nil
}

func (s *Store) GetProject(workspaceID, projectID string) (Project, error) {
	if workspaceID == "" || projectID == "" {
		return Project{}, ErrValidation
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Project{}, ErrNotFound
	}
	project, ok := ws.Projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (s *Store) CreateProject(workspaceID string, project Project, actor ActivityActor) (Project, error) {
	if workspaceID == "" {
		return Project{}, ErrValidation
	}
	if strings.TrimSpace(project.ID) == "" || strings.TrimSpace(project.Name) == "" {
		return Project{}, fmt.Errorf("%w: project id and name are required", ErrValidation)
	}
	if strings.TrimSpace(project.LinearTeamID) == "" || strings.TrimSpace(project.LabelFilter) == "" {
		return Project{}, fmt.Errorf("%w: linearTeamId and labelFilter are required", ErrValidation)
	}

	s.mu.Lock()
	ws := s.ensureWorkspaceLocked(workspaceID)
	if _, exists := ws.Projects[project.ID]; exists {
		s.mu.Unlock()
		return Project{}, fmt.Errorf("%w: project %s already exists", ErrValidation, project.ID)
	}
	now := s.nowString()
	if project.CreatedAt == "" {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	project.LastActivityAt = now
	if actor.ID != "" {
		project.LastActivityBy = &actor
	}
	ws.Projects[project.ID] = project
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notifyChange(workspaceID)
	return project, nil
}

func (s *Store) UpdateProject(workspaceID, projectID string, patch ProjectPatch) (Project, error) {
	if workspaceID == "" || projectID == "" {
		return Project{}, ErrValidation
	}
	s.mu.Lock()
	ws, ok := s.workspaceForProjectLocked(workspaceID, projectID)
	if !ok {
		s.mu.Unlock()
		return Project{}, ErrNotFound
	}
	project := ws.Projects[projectID]
	applyPatch(&project, patch)
	project.UpdatedAt = s.nowString()
	ws.Projects[projectID] = project
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notifyChange(workspaceID)
	return project, nil
}

// DeleteProject removes a project and cascades to every position and order
// rooted at it. The project exclusively owns those child rows.
func (s *Store) DeleteProject(workspaceID, projectID string) error {
	if workspaceID == "" || projectID == "" {
		return ErrValidation
	}
	s.mu.Lock()
	ws, ok := s.workspaceForProjectLocked(workspaceID, projectID)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(ws.Projects, projectID)
	for key, position := range ws.Positions {
		if position.ProjectID == projectID {
			delete(ws.Positions, key)
		}
	}
	for key, order := range ws.Orders {
		if order.ProjectID == projectID {
			delete(ws.Orders, key)
		}
	}
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notifyChange(workspaceID)
	return nil
}

// ImportLocalData bulk-imports a client's locally stored data. The import is
// applied to a copy of the workspace state and swapped in only when every
// entity applied cleanly, so a malformed batch never lands partially.
// Upsert-by-id makes a repeated submission a no-op apart from touched
// timestamps.
func (s *Store) ImportLocalData(workspaceID string, data LocalImport, actor ActivityActor) (MigrateResult, error) {
	if workspaceID == "" {
		return MigrateResult{}, ErrValidation
	}

	s.mu.Lock()
	ws := s.ensureWorkspaceLocked(workspaceID)
	staged, err := cloneWorkspaceState(ws)
	if err != nil {
		s.mu.Unlock()
		return MigrateResult{}, err
	}

	now := s.nowString()
	for _, project := range data.Projects {
		if strings.TrimSpace(project.ID) == "" {
			s.mu.Unlock()
			return MigrateResult{}, fmt.Errorf("%w: imported project is missing an id", ErrValidation)
		}
		if existing, exists := staged.Projects[project.ID]; exists {
			existing.Name = project.Name
			existing.Description = project.Description
			existing.LinearTeamName = project.LinearTeamName
			existing.LinearProjectID = project.LinearProjectID
			existing.LinearProjectName = project.LinearProjectName
			existing.LabelFilter = project.LabelFilter
			existing.Color = project.Color
			existing.UpdatedAt = now
			staged.Projects[project.ID] = existing
			continue
		}
		if project.CreatedAt == "" {
			project.CreatedAt = now
		}
		if project.UpdatedAt == "" {
			project.UpdatedAt = now
		}
		project.LastActivityAt = now
		if actor.ID != "" {
			project.LastActivityBy = &actor
		}
		staged.Projects[project.ID] = project
	}
	for _, position := range data.IssuePositions {
		if position.IssueID == "" || position.ProjectID == "" {
			s.mu.Unlock()
			return MigrateResult{}, fmt.Errorf("%w: imported position is missing its key", ErrValidation)
		}
		if position.XPosition < 0 || position.XPosition > 100 {
			s.mu.Unlock()
			return MigrateResult{}, fmt.Errorf("%w: imported position out of range", ErrValidation)
		}
		if position.LastUpdated == "" {
			position.LastUpdated = now
		}
		staged.Positions[positionKey(position.IssueID, position.ProjectID)] = position
	}
	for _, order := range data.ParkingLotOrders {
		if order.ProjectID == "" || !order.Side.Valid() {
			s.mu.Unlock()
			return MigrateResult{}, fmt.Errorf("%w: imported order is missing its key", ErrValidation)
		}
		if order.IssueIDs == nil {
			order.IssueIDs = []string{}
		}
		if order.LastUpdated == "" {
			order.LastUpdated = now
		}
		staged.Orders[OrderKey(order.ProjectID, order.Side)] = order
	}

	s.workspaces[workspaceID] = staged
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notifyChange(workspaceID)
	return MigrateResult{
		Projects:         len(data.Projects),
		IssuePositions:   len(data.IssuePositions),
		ParkingLotOrders: len(data.ParkingLotOrders),
	}, nil
}

func (s *Store) ensureWorkspaceLocked(workspaceID string) *workspaceState {
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		ws = &workspaceState{
			Projects:  map[string]Project{},
			Positions: map[string]IssuePosition{},
			Orders:    map[string]ParkingLotOrder{},
		}
		s.workspaces[workspaceID] = ws
	}
	return ws
}

// workspaceForProjectLocked scopes a project lookup to the caller's
// workspace. A project that exists in another workspace is reported exactly
// like a missing one, so cross-workspace probes fail closed.
func (s *Store) workspaceForProjectLocked(workspaceID, projectID string) (*workspaceState, bool) {
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	if _, ok := ws.Projects[projectID]; !ok {
		return nil, false
	}
	return ws, true
}

func (s *Store) touchProjectLocked(ws *workspaceState, projectID string, actor ActivityActor, now string) {
	project, ok := ws.Projects[projectID]
	if !ok {
		return
	}
	project.LastActivityAt = now
	if actor.ID != "" {
		project.LastActivityBy = &actor
	}
	ws.Projects[projectID] = project
}

func (s *Store) notifyChange(workspaceID string) {
	if s.onChange != nil {
		s.onChange(workspaceID)
	}
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snapshot.Workspaces != nil {
		s.workspaces = snapshot.Workspaces
	}
	for _, ws := range s.workspaces {
		if ws.Projects == nil {
			ws.Projects = map[string]Project{}
		}
		if ws.Positions == nil {
			ws.Positions = map[string]IssuePosition{}
		}
		if ws.Orders == nil {
			ws.Orders = map[string]ParkingLotOrder{}
		}
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{Workspaces: s.workspaces})
}

func cloneWorkspaceState(ws *workspaceState) (*workspaceState, error) {
	data, err := json.Marshal(ws)
	if err != nil {
		return nil, err
	}
	var clone workspaceState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	if clone.Projects == nil {
		clone.Projects = map[string]Project{}
	}
	if clone.Positions == nil {
		clone.Positions = map[string]IssuePosition{}
	}
	if clone.Orders == nil {
		clone.Orders = map[string]ParkingLotOrder{}
	}
	return &clone, nil
}

func applyPatch(project *Project, patch ProjectPatch) {
	if patch.Name != nil {
		project.Name = *patch.Name
	}
	if patch.Description != nil {
		project.Description = *patch.Description
	}
	if patch.LinearTeamID != nil {
		project.LinearTeamID = *patch.LinearTeamID
	}
	if patch.LinearTeamName != nil {
		project.LinearTeamName = *patch.LinearTeamName
	}
	if patch.LinearProjectID != nil {
		project.LinearProjectID = *patch.LinearProjectID
	}
	if patch.LinearProjectName != nil {
		project.LinearProjectName = *patch.LinearProjectName
	}
	if patch.LabelFilter != nil {
		project.LabelFilter = *patch.LabelFilter
	}
	if patch.Color != nil {
		project.Color = *patch.Color
	}
	if patch.CachedBacklogCount != nil {
		project.CachedBacklogCount = *patch.CachedBacklogCount
	}
	if patch.CachedCompletedCount != nil {
		project.CachedCompletedCount = *patch.CachedCompletedCount
	}
}
