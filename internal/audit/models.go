package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor capture is best-effort; do not block call flows on audit failures.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Actor is the authenticated service subject, or "system" for background work.
	Actor     string `json:"actor,omitempty" db:"actor"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction        EventType = "admin_action"
	EventTypeLedgerMismatch     EventType = "ledger_mismatch"
	EventTypeCallTimedOut       EventType = "call_timed_out"
	EventTypeCallIdleTerminated EventType = "call_idle_terminated"
	EventTypeSystemFailure      EventType = "system_failure"
)

const actorSystem = "system"
