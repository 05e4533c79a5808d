package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
)

const eventColumns = `event_id, event_type, source, severity, tenant_id, payload, timestamp, received_at, client_ip`

// SaveEvent persists evt in a single transaction. Events are append-only:
// there is no dedup on event_id, so producers wanting idempotent writes must
// supply their own unique ids.
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	var payload *string
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return event.NewStorageError("encode event payload", err)
		}
		str := string(b)
		payload = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
			(`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID,
		evt.EventType,
		evt.Source,
		string(evt.Severity),
		evt.TenantID,
		payload,
		formatTime(evt.Timestamp),
		formatTime(evt.ReceivedAt),
		nullableStr(evt.ClientIP),
	)
	if err != nil {
		return event.NewStorageError("save event", err)
	}
	return nil
}

// Events returns rows matching q, newest first. Newest-first is insertion
// order reversed, so events from one producer come back in the reverse of
// the order it sent them.
func (s *Store) Events(ctx context.Context, q EventQuery) ([]event.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	where, args := buildEventWhere(q)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM   events`+where+`
		ORDER  BY id DESC
		LIMIT  ?`, args...)
	if err != nil {
		return nil, event.NewStorageError("query events", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, event.NewStorageError("scan event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, event.NewStorageError("query events", err)
	}
	return events, nil
}

// CountEvents returns the number of rows matching q. The limit field is
// ignored.
func (s *Store) CountEvents(ctx context.Context, q EventQuery) (int64, error) {
	where, args := buildEventWhere(q)

	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n)
	if err != nil {
		return 0, event.NewStorageError("count events", err)
	}
	return n, nil
}

// EventStats returns the total event count, the count received in the last
// 24 hours, and a per-severity breakdown. An empty tenantID aggregates over
// all tenants.
func (s *Store) EventStats(ctx context.Context, tenantID string) (EventStats, error) {
	stats := EventStats{BySeverity: make(map[string]int64)}

	var (
		where string
		args  []any
	)
	if tenantID != "" {
		where = ` WHERE tenant_id = ?`
		args = []any{tenantID}
	}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&stats.Total)
	if err != nil {
		return EventStats{}, event.NewStorageError("count events", err)
	}

	dayQuery := `SELECT COUNT(*) FROM events WHERE received_at >= ?`
	dayArgs := []any{formatTime(time.Now().Add(-24 * time.Hour))}
	if tenantID != "" {
		dayQuery += ` AND tenant_id = ?`
		dayArgs = append(dayArgs, tenantID)
	}
	if err := s.db.QueryRowContext(ctx, dayQuery, dayArgs...).Scan(&stats.Last24h); err != nil {
		return EventStats{}, event.NewStorageError("count recent events", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM events`+where+` GROUP BY severity`, args...)
	if err != nil {
		return EventStats{}, event.NewStorageError("count events by severity", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity string
		var n int64
		if err := rows.Scan(&severity, &n); err != nil {
			return EventStats{}, event.NewStorageError("scan severity count", err)
		}
		stats.BySeverity[severity] = n
	}
	if err := rows.Err(); err != nil {
		return EventStats{}, event.NewStorageError("count events by severity", err)
	}
	return stats, nil
}

// PruneEvents deletes events with received_at strictly before cutoff and
// returns the number of rows removed. An empty tenantID prunes every tenant
// scope.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time, tenantID string) (int64, error) {
	query := `DELETE FROM events WHERE received_at < ?`
	args := []any{formatTime(cutoff)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, event.NewStorageError("prune events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, event.NewStorageError("prune events", err)
	}
	return n, nil
}

// PruneEventsExcluding deletes events with received_at strictly before
// cutoff across every tenant except those listed. It exists for the
// retention worker's catch-all pass: tenants with their own retention
// policy are pruned separately at their own cutoffs.
func (s *Store) PruneEventsExcluding(ctx context.Context, cutoff time.Time, excludeTenants []string) (int64, error) {
	query := `DELETE FROM events WHERE received_at < ?`
	args := []any{formatTime(cutoff)}
	if len(excludeTenants) > 0 {
		query += ` AND tenant_id NOT IN (?` + strings.Repeat(", ?", len(excludeTenants)-1) + `)`
		for _, t := range excludeTenants {
			args = append(args, t)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, event.NewStorageError("prune events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, event.NewStorageError("prune events", err)
	}
	return n, nil
}

// buildEventWhere renders the AND-composed filter clause for q. The
// returned string is empty or begins with " WHERE ".
func buildEventWhere(q EventQuery) (string, []any) {
	var conds []string
	var args []any

	if q.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, q.Source)
	}
	if q.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(q.Severity))
	}
	if q.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if !q.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.ReceivedSince.IsZero() {
		conds = append(conds, "received_at >= ?")
		args = append(args, formatTime(q.ReceivedSince))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanEvent reads one event row. The column order must match eventColumns.
func scanEvent(sc scanner) (event.Event, error) {
	var e event.Event
	var severity, ts, recv string
	var payload, clientIP *string

	err := sc.Scan(
		&e.EventID, &e.EventType, &e.Source, &severity, &e.TenantID,
		&payload,
		&ts, &recv,
		&clientIP,
	)
	if err != nil {
		return event.Event{}, err
	}

	e.Severity = event.Severity(severity)
	if payload != nil {
		if err := json.Unmarshal([]byte(*payload), &e.Payload); err != nil {
			return event.Event{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if e.Timestamp, err = parseTime(ts); err != nil {
		return event.Event{}, fmt.Errorf("parse timestamp: %w", err)
	}
	if e.ReceivedAt, err = parseTime(recv); err != nil {
		return event.Event{}, fmt.Errorf("parse received_at: %w", err)
	}
	if clientIP != nil {
		e.ClientIP = *clientIP
	}
	return e, nil
}
