package hillsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("position conflict")
	ErrValidation = errors.New("invalid input")
)

// ConflictError is returned when a position write loses the last-write-wins
// race. Latest carries the stored record the caller must adopt before
// retrying, so a stale draft is never re-submitted.
type ConflictError struct {
	Latest IssuePosition
}

func (e *ConflictError) Error() string {
	return "position conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// IssuePosition places one issue on the hill curve. xPosition 0 means
// "figuring out", 100 means "making it happen". Keyed by (issueId, projectId).
type IssuePosition struct {
	IssueID     string  `json:"issueId"`
	ProjectID   string  `json:"projectId"`
	XPosition   float64 `json:"xPosition"`
	Notes       string  `json:"notes,omitempty"`
	LastUpdated string  `json:"lastUpdated"`
}

// ParkingLotOrder is the manual ordering of one project side list. Replaced
// wholesale on every reorder; issueIds order is significant.
type ParkingLotOrder struct {
	ProjectID   string   `json:"projectId"`
	Side        Side     `json:"side"`
	IssueIDs    []string `json:"issueIds"`
	LastUpdated string   `json:"lastUpdated"`
}

type ActivityActor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Project struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	LinearTeamID         string         `json:"linearTeamId"`
	LinearTeamName       string         `json:"linearTeamName,omitempty"`
	LinearProjectID      string         `json:"linearProjectId,omitempty"`
	LinearProjectName    string         `json:"linearProjectName,omitempty"`
	LabelFilter          string         `json:"labelFilter"`
	Color                string         `json:"color,omitempty"`
	CachedBacklogCount   int            `json:"cachedBacklogCount"`
	CachedCompletedCount int            `json:"cachedCompletedCount"`
	CreatedAt            string         `json:"createdAt"`
	UpdatedAt            string         `json:"updatedAt"`
	LastActivityAt       string         `json:"lastActivityAt,omitempty"`
	LastActivityBy       *ActivityActor `json:"lastActivityBy,omitempty"`
}

// PositionWriteRequest is a client's claim about one issue's placement.
// LastUpdated is the client's logical timestamp, used only for staleness
// arbitration; the stored record always carries a server-assigned timestamp.
type PositionWriteRequest struct {
	WorkspaceID string
	IssueID     string
	ProjectID   string
	XPosition   float64
	Notes       string
	LastUpdated string
	Actor       ActivityActor
}

type OrderWriteRequest struct {
	WorkspaceID string
	ProjectID   string
	Side        Side
	IssueIDs    []string
	Actor       ActivityActor
}

// SyncResponse is the full snapshot of one workspace. issuePositions is keyed
// by issueId; parkingLotOrders by "projectId-side".
type SyncResponse struct {
	Projects         []Project                  `json:"projects"`
	IssuePositions   map[string]IssuePosition   `json:"issuePositions"`
	ParkingLotOrders map[string]ParkingLotOrder `json:"parkingLotOrders"`
	LastSync         string                     `json:"lastSync"`
}

// ProjectPatch carries optional field updates for an existing project. Nil
// pointers leave the stored value unchanged.
type ProjectPatch struct {
	Name                 *string `json:"name,omitempty"`
	Description          *string `json:"description,omitempty"`
	LinearTeamID         *string `json:"linearTeamId,omitempty"`
	LinearTeamName       *string `json:"linearTeamName,omitempty"`
	LinearProjectID      *string `json:"linearProjectId,omitempty"`
	LinearProjectName    *string `json:"linearProjectName,omitempty"`
	LabelFilter          *string `json:"labelFilter,omitempty"`
	Color                *string `json:"color,omitempty"`
	CachedBacklogCount   *int    `json:"cachedBacklogCount,omitempty"`
	CachedCompletedCount *int    `json:"cachedCompletedCount,omitempty"`
}

// LocalImport is a client's pre-authentication locally stored data, submitted
// once for bulk migration into the durable store.
type LocalImport struct {
	Projects         []Project         `json:"projects"`
	IssuePositions   []IssuePosition   `json:"issuePositions"`
	ParkingLotOrders []ParkingLotOrder `json:"parkingLotOrders"`
}

type MigrateResult struct {
	Projects         int `json:"projects"`
	IssuePositions   int `json:"issuePositions"`
	ParkingLotOrders int `json:"parkingLotOrders"`
}

// OrderKey builds the composite map key used for parking lot orders in sync
// responses and in the store.
func OrderKey(projectID string, side Side) string {
	return fmt.Sprintf("%s-%s", projectID, side)
}

func positionKey(issueID, projectID string) string {
	return issueID + "|" + projectID
}
