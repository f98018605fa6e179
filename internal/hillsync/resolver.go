package hillsync

import "time"

// Outcome of last-write-wins arbitration for a single position key.
type Resolution int

const (
	// ResolutionAccept persists the incoming write with a server-assigned
	// timestamp.
	ResolutionAccept Resolution = iota
	// ResolutionReject keeps the stored record; the caller must adopt it as
	// its new source of truth.
	ResolutionReject
)

// Resolve decides whether an incoming position write wins against the stored
// record for the same (issueId, projectId) key. A nil stored record always
// accepts. The stored record wins only when it is strictly newer than the
// incoming claim; ties go to the incoming write. Timestamps are comparable
// only within one key; callers must never compare across keys.
func Resolve(incoming time.Time, stored *IssuePosition) Resolution {
	if stored == nil {
		return ResolutionAccept
	}
	storedAt, err := time.Parse(time.RFC3339Nano, stored.LastUpdated)
	if err != nil {
		// Unparseable stored timestamp cannot prove staleness.
		return ResolutionAccept
	}
	if storedAt.After(incoming) {
		return ResolutionReject
	}
	return ResolutionAccept
}
