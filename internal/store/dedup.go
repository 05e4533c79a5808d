package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
)

// LastEnqueue returns the most recent time an alert for (ruleName, tenantID)
// was enqueued for delivery. The second return is false when the pair has
// never enqueued.
func (s *Store) LastEnqueue(ctx context.Context, ruleName, tenantID string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_enqueue_at
		FROM   dedup_history
		WHERE  rule_name = ? AND tenant_id = ?`,
		ruleName, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, event.NewStorageError("read dedup history", err)
	}

	at, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, event.NewStorageError("read dedup history", err)
	}
	return at, true, nil
}

// RecordEnqueue stamps (ruleName, tenantID) with at, replacing any previous
// stamp. Renaming a rule starts a fresh dedup key.
func (s *Store) RecordEnqueue(ctx context.Context, ruleName, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_history (rule_name, tenant_id, last_enqueue_at)
		VALUES (?, ?, ?)
		ON CONFLICT (rule_name, tenant_id) DO UPDATE SET last_enqueue_at = excluded.last_enqueue_at`,
		ruleName, tenantID, formatTime(at))
	if err != nil {
		return event.NewStorageError("record dedup enqueue", err)
	}
	return nil
}
