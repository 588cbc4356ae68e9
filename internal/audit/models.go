package audit

import "time"

// Event is an immutable, append-only record of one gate decision.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id may be empty: anonymous visitors are denied too.
// - audit capture is best-effort; a failed append never changes a verdict.
//
// Storage (Postgres): see Schema in repo_postgres.go.

type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Gate is the gate name, e.g. "auth" or "admin".
	Gate      string `json:"gate" db:"gate"`
	MountID   string `json:"mount_id" db:"mount_id"`
	SessionID string `json:"session_id,omitempty" db:"session_id"`
	Path      string `json:"path,omitempty" db:"path"`

	// IPAddress is the resolved client IP as seen by the router.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Reason is empty for grants.
	Reason     string `json:"reason,omitempty" db:"reason"`
	DurationMS int64  `json:"duration_ms" db:"duration_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeGateGranted EventType = "gate_granted"
	EventTypeGateDenied  EventType = "gate_denied"
)
