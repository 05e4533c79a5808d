// Package event defines the core event model shared by every Command Center
// subsystem: the Event envelope, the severity scale, the write-once schema
// registry consulted at ingestion time, and the error taxonomy that request
// handlers map to HTTP status codes.
package event

import (
	"time"
)

// DefaultTenant is the tenant applied to events and rules that carry no
// explicit tenant of their own.
const DefaultTenant = "system"

// Reserved event types emitted by the Command Center itself. They are
// registered in every registry built by Builtin.
const (
	// TypeAlertRaised is persisted by the rule evaluator when a rule trips.
	TypeAlertRaised = "ops.alert.raised"
	// TypeDeliveryFailed is the dead-letter record written when a webhook
	// delivery exhausts its attempts.
	TypeDeliveryFailed = "ops.alert.delivery.failed"
	// TypeEventsPruned is emitted by the retention worker after it deletes
	// aged events from a tenant scope.
	TypeEventsPruned = "ops.events.pruned"
	// TypeAuditRecorded is broadcast (never persisted) when an operator
	// mutation is written to the audit log.
	TypeAuditRecorded = "ops.audit.recorded"
)

// Severity is the urgency level of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the four canonical levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity returns the canonical Severity for raw, or an error naming
// the accepted levels. An empty string parses to SeverityInfo.
func ParseSeverity(raw string) (Severity, error) {
	if raw == "" {
		return SeverityInfo, nil
	}
	s := Severity(raw)
	if !s.Valid() {
		return "", NewValidationError("severity", "must be one of info, warning, error, critical")
	}
	return s, nil
}

// Event is an immutable observation produced by a service.
//
// EventID is caller-supplied or server-generated; the store accepts
// duplicates, so producers wanting idempotent writes must supply their own
// unique ids. Timestamp carries the producer's wall clock while ReceivedAt
// is stamped by the server on ingestion; windowed rule evaluation and
// retention pruning operate on ReceivedAt. An empty ClientIP is stored as
// SQL NULL.
type Event struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	Source     string         `json:"source"`
	Severity   Severity       `json:"severity"`
	TenantID   string         `json:"tenant_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
	ClientIP   string         `json:"client_ip,omitempty"`
}
