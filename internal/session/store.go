package session

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict is returned by Swap when the stored version moved on.
	ErrVersionConflict = errors.New("session: version conflict")
	// ErrInvalidSessionID is returned for an empty session id.
	ErrInvalidSessionID = errors.New("session: invalid session id")
)

// Change describes one store mutation. It never carries the token, since
// changes travel over shared Pub/Sub channels.
type Change struct {
	SessionID string `json:"session_id"`
	Present   bool   `json:"present"`
	// Version is the new credential version, 0 when cleared.
	Version uint64 `json:"version"`
}

func changeOf(sid string, c Credential) Change {
	return Change{SessionID: sid, Present: c.Present(), Version: c.Version}
}

func (c Change) Cleared() bool { return !c.Present }

// Store is the single shared home of session credentials.
//
// Versions come from one store-wide monotonic counter, so a credential that is
// cleared and set again never reuses an old version. Readers must treat the
// store as eventually consistent with concurrent writers; Swap is the only
// way to write conditionally.
type Store interface {
	// Get returns the stored credential, or the zero Credential when absent.
	Get(ctx context.Context, sid string) (Credential, error)
	// Set stores c unconditionally and returns it with its new version.
	Set(ctx context.Context, sid string, c Credential) (Credential, error)
	// Swap stores c only if the current version equals expected (0 = absent).
	// An empty c.Token clears. Returns ErrVersionConflict on mismatch.
	Swap(ctx context.Context, sid string, expected uint64, c Credential) (Credential, error)
	// Clear removes the credential. Clearing an absent session is not an error
	// and publishes nothing.
	Clear(ctx context.Context, sid string) error
	// Sessions lists session ids currently holding a credential.
	Sessions(ctx context.Context) ([]string, error)
	// Subscribe streams changes until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Change, error)
}
