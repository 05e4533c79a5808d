package event

import (
	"fmt"
	"sort"
)

// Schema is the static metadata for one event type: a human description and
// the payload fields a conforming event must carry.
type Schema struct {
	Type        string
	Description string
	Required    []string
}

// Registry is the set of event types the ingestion path accepts.
//
// A registry is built once at startup and never mutated afterwards, so
// lookups are safe from any goroutine without locking. New event types are
// added in code, not at runtime.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry builds a registry from the given schemas. It rejects schemas
// with an empty type and duplicate registrations of the same type.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		if s.Type == "" {
			return nil, fmt.Errorf("event: schema with empty type")
		}
		if _, dup := r.schemas[s.Type]; dup {
			return nil, fmt.Errorf("event: duplicate schema %q", s.Type)
		}
		r.schemas[s.Type] = s
	}
	return r, nil
}

// Builtin returns the schemas every deployment registers: the ops.* types
// the Command Center emits itself plus the common producer types.
func Builtin() []Schema {
	return []Schema{
		{
			Type:        TypeAlertRaised,
			Description: "synthetic event persisted when an alert rule trips",
			Required:    []string{"rule_name", "rule_id", "matched_count"},
		},
		{
			Type:        TypeDeliveryFailed,
			Description: "dead-letter record for a webhook delivery that exhausted its attempts",
			Required:    []string{"alert_event_id", "webhook_url", "attempts"},
		},
		{
			Type:        TypeEventsPruned,
			Description: "summary of a retention pass that deleted aged events",
			Required:    []string{"scope", "pruned_count"},
		},
		{
			Type:        TypeAuditRecorded,
			Description: "operator mutation recorded in the audit log",
			Required:    []string{"actor", "action"},
		},
		{
			Type:        "service.heartbeat",
			Description: "periodic liveness signal from a producing service",
		},
		{
			Type:        "service.error",
			Description: "error report from a producing service",
			Required:    []string{"message"},
		},
		{
			Type:        "deploy.completed",
			Description: "a service finished rolling out a new version",
			Required:    []string{"service", "version"},
		},
	}
}

// Lookup returns the schema registered for eventType.
func (r *Registry) Lookup(eventType string) (Schema, bool) {
	s, ok := r.schemas[eventType]
	return s, ok
}

// Types returns all registered event types in lexical order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks evt against the registry: the type must be registered,
// the severity canonical, the tenant non-empty, and every payload field the
// schema requires must be present. It returns a *ValidationError describing
// the first violation found.
func (r *Registry) Validate(evt *Event) error {
	if evt.EventType == "" {
		return NewValidationError("event_type", "is required")
	}
	schema, ok := r.schemas[evt.EventType]
	if !ok {
		return NewValidationError("event_type", fmt.Sprintf("unknown event type %q", evt.EventType))
	}
	if !evt.Severity.Valid() {
		return NewValidationError("severity", "must be one of info, warning, error, critical")
	}
	if evt.TenantID == "" {
		return NewValidationError("tenant_id", "is required")
	}
	for _, field := range schema.Required {
		if _, present := evt.Payload[field]; !present {
			return NewValidationError("payload."+field, "required payload field is missing")
		}
	}
	return nil
}
