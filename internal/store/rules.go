package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
)

const ruleColumns = `id, name, event_type, source, severity, tenant_id, window_seconds, threshold, enabled, created_at, updated_at`

// CreateRule validates and persists r, returning the stored rule with its
// assigned id and timestamps.
func (s *Store) CreateRule(ctx context.Context, r Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules
			(name, event_type, source, severity, tenant_id, window_seconds, threshold, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name,
		nullableStr(r.EventType),
		nullableStr(r.Source),
		nullableStr(string(r.Severity)),
		nullableStr(r.TenantID),
		r.WindowSeconds,
		r.Threshold,
		r.Enabled,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, event.NewStorageError("create rule", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, event.NewStorageError("create rule", err)
	}
	r.ID = id
	return &r, nil
}

// RuleByID fetches a single rule, returning event.ErrNotFound when no rule
// has that id.
func (s *Store) RuleByID(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM   alert_rules
		WHERE  id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, event.ErrNotFound)
	}
	if err != nil {
		return nil, event.NewStorageError("get rule", err)
	}
	return r, nil
}

// Rules returns rules visible to tenantID: rules bound to that tenant plus
// global rules. An empty tenantID returns every rule.
func (s *Store) Rules(ctx context.Context, tenantID string) ([]Rule, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if tenantID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+ruleColumns+`
			FROM   alert_rules
			WHERE  tenant_id = ? OR tenant_id IS NULL
			ORDER  BY id`, tenantID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+ruleColumns+`
			FROM   alert_rules
			ORDER  BY id`)
	}
	if err != nil {
		return nil, event.NewStorageError("list rules", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// EnabledRules returns every enabled rule across all tenants, in id order.
// This is the evaluator's work list.
func (s *Store) EnabledRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM   alert_rules
		WHERE  enabled = 1
		ORDER  BY id`)
	if err != nil {
		return nil, event.NewStorageError("list enabled rules", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// SetRuleEnabled flips the enabled flag, bumping updated_at and preserving
// created_at. It returns the updated rule.
func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) (*Rule, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET    enabled = ?, updated_at = ?
		WHERE  id = ?`,
		enabled, formatTime(time.Now()), id)
	if err != nil {
		return nil, event.NewStorageError("update rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, event.NewStorageError("update rule", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("rule %d: %w", id, event.ErrNotFound)
	}
	return s.RuleByID(ctx, id)
}

// DeleteRule removes the rule. Deletion is hard: the row is gone, and any
// dedup history keyed by the rule's name is left to age out.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return event.NewStorageError("delete rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return event.NewStorageError("delete rule", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, event.ErrNotFound)
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, event.NewStorageError("scan rule", err)
		}
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, event.NewStorageError("list rules", err)
	}
	return rules, nil
}

// scanRule reads one alert_rules row. The column order must match
// ruleColumns.
func scanRule(sc scanner) (*Rule, error) {
	var r Rule
	var eventType, source, severity, tenantID *string
	var created, updated string

	err := sc.Scan(
		&r.ID, &r.Name,
		&eventType, &source, &severity, &tenantID,
		&r.WindowSeconds, &r.Threshold, &r.Enabled,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if eventType != nil {
		r.EventType = *eventType
	}
	if source != nil {
		r.Source = *source
	}
	if severity != nil {
		r.Severity = event.Severity(*severity)
	}
	if tenantID != nil {
		r.TenantID = *tenantID
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}
