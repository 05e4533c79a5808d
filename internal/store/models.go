package store

import (
	"encoding/json"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
)

// Rule maps to the `alert_rules` table.
//
// EventType, Source, and Severity are AND-composed filters; an empty string
// means the filter is not applied and is stored as SQL NULL. An empty
// TenantID means the rule is global and matches events from every tenant.
type Rule struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	EventType     string         `json:"event_type,omitempty"`
	Source        string         `json:"source,omitempty"`
	Severity      event.Severity `json:"severity,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"` // empty == global
	WindowSeconds int            `json:"window_seconds"`
	Threshold     int            `json:"threshold"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate reports the first reason r cannot be persisted.
//
// Name is required because delivery deduplication is keyed by
// (rule_name, tenant_id); a nameless rule would collide with every other
// nameless rule in the same tenant.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return event.NewValidationError("name", "is required")
	}
	if r.WindowSeconds <= 0 {
		return event.NewValidationError("window_seconds", "must be a positive integer")
	}
	if r.Threshold <= 0 {
		return event.NewValidationError("threshold", "must be a positive integer")
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return event.NewValidationError("severity", "must be one of info, warning, error, critical")
	}
	return nil
}

// Delivery maps to the `delivery_queue` table: one pending webhook attempt.
//
// AlertPayload carries the full alert event as raw JSON; it round-trips
// without modification and is POSTed verbatim to WebhookURL. ReplayOf is the
// id of the original delivery when this entry was synthesized by an operator
// replay, zero otherwise (stored as SQL NULL).
type Delivery struct {
	ID            int64           `json:"id"`
	AlertEventID  string          `json:"alert_event_id"`
	RuleName      string          `json:"rule_name"`
	AlertPayload  json.RawMessage `json:"alert_payload"`
	WebhookURL    string          `json:"webhook_url"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	ReplayOf      int64           `json:"replay_of,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DeliveryStatus is the recorded outcome of a single delivery attempt.
type DeliveryStatus string

const (
	// StatusFailed marks a transient failure that was rescheduled.
	StatusFailed DeliveryStatus = "failed"
	// StatusDelivered marks a 2xx response; the queue entry was removed.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusDeadLetter marks the final failure that exhausted max_attempts.
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// HistoryEntry maps to the `delivery_history` table: one row per delivery
// attempt, terminal or not.
//
// NextAttemptAt is the rescheduled time recorded on transient failures and
// nil on terminal rows. Error is empty for delivered attempts.
type HistoryEntry struct {
	ID            int64           `json:"id"`
	DeliveryID    int64           `json:"delivery_id"`
	AlertEventID  string          `json:"alert_event_id"`
	RuleName      string          `json:"rule_name"`
	AlertPayload  json.RawMessage `json:"alert_payload"`
	WebhookURL    string          `json:"webhook_url"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Status        DeliveryStatus  `json:"status"`
	Error         string          `json:"error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	ReplayOf      int64           `json:"replay_of,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditRecord maps to the `operator_audit` table.
//
// Hash is the SHA-256 hex digest of this record's content chained onto
// PrevHash; for the first record PrevHash is GenesisHash. Records are never
// mutated after insertion.
type AuditRecord struct {
	ID        int64          `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	TargetID  string         `json:"target_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventQuery carries the filter parameters for Events and CountEvents.
//
// String filters are exact matches; an empty string disables that filter.
// Since is an inclusive lower bound on the producer timestamp column, while
// ReceivedSince bounds the server-side received_at column (rule windows and
// retention operate on received_at). Limit defaults to DefaultQueryLimit
// when ≤ 0 and is capped at MaxQueryLimit.
type EventQuery struct {
	EventType     string
	Source        string
	Severity      event.Severity
	TenantID      string
	Since         time.Time
	ReceivedSince time.Time
	Limit         int
}

// EventStats is the aggregate shape returned by EventStats.
type EventStats struct {
	Total      int64            `json:"total"`
	Last24h    int64            `json:"last_24h"`
	BySeverity map[string]int64 `json:"by_severity"`
}

// DeliveryStats summarizes the queue and the attempt history.
type DeliveryStats struct {
	Pending        int64 `json:"pending"`
	DueNow         int64 `json:"due_now"`
	Delivered      int64 `json:"delivered"`
	FailedAttempts int64 `json:"failed_attempts"`
	DeadLettered   int64 `json:"dead_lettered"`
}

// AuditStats summarizes the operator audit log.
type AuditStats struct {
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"by_action"`
}
