package mq

import "time"

// Routing keys on the events exchange.
const (
	RoutingKeyDigestRun       = "digest.run"
	RoutingKeyDigestCompleted = "digest.completed"
	RoutingKeyReauthRequired  = "credential.reauth_required"
)

// DigestRunPayload requests a digest run for one user on one calendar day.
// RunID is unique per enqueued task: consumers dedupe on it, so broker
// redeliveries of one task are dropped while a deliberate re-enqueue of the
// same day is a fresh task and runs again.
type DigestRunPayload struct {
	RunID   string `json:"run_id"`
	UserID  string `json:"user_id"`
	Day     string `json:"day"` // YYYY-MM-DD, UTC
	TraceID string `json:"trace_id,omitempty"`
}

// DigestCompletedPayload announces a persisted daily digest.
type DigestCompletedPayload struct {
	UserID           string    `json:"user_id"`
	Day              string    `json:"day"`
	RawDigestID      int64     `json:"raw_digest_id"`
	ThematicDigestID int64     `json:"thematic_digest_id"`
	EmailsProcessed  int       `json:"emails_processed"`
	SectionsCount    int       `json:"sections_count"`
	ProcessingMethod string    `json:"processing_method"`
	CompletedAt      time.Time `json:"completed_at"`
}

// ReauthRequiredPayload signals that a user's refresh grant was revoked and
// the user must re-connect their account. Consumed out of band by the
// notification surface.
type ReauthRequiredPayload struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	DetectedAt time.Time `json:"detected_at"`
}
