package audit

import "time"

// Event is an immutable, append-only record of a security-relevant action
// taken at the gateway.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; auth flows never block on audit failures.
// - Tokens themselves are never stored, only their jti.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// SubjectUserID is the user the token belongs to, when known.
	SubjectUserID string `json:"subject_user_id,omitempty" db:"subject_user_id"`
	// TokenID is the jti of the affected access token.
	TokenID string `json:"token_id,omitempty" db:"token_id"`

	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`
	Message   string `json:"message,omitempty" db:"message"`
	Metadata  string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSignedIn      EventType = "session_signed_in"
	EventTypeTokenRevoked  EventType = "token_revoked"
	EventTypeRefreshed     EventType = "token_refreshed"
	EventTypeRefreshFailed EventType = "token_refresh_failed"
)
