package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
)

// DefaultMaxAttempts is the attempt budget applied to queue entries that do
// not specify their own.
const DefaultMaxAttempts = 5

const deliveryColumns = `id, alert_event_id, rule_name, alert_payload, webhook_url, attempt_count, max_attempts, next_attempt_at, last_error, replay_of, created_at, updated_at`

const historyColumns = `id, delivery_id, alert_event_id, rule_name, alert_payload, webhook_url, attempt, max_attempts, status, error, next_attempt_at, replay_of, created_at`

// EnqueueDelivery inserts a new queue entry and returns it with its assigned
// id. A zero NextAttemptAt means the entry is due immediately; a MaxAttempts
// ≤ 0 is replaced with DefaultMaxAttempts.
func (s *Store) EnqueueDelivery(ctx context.Context, d Delivery) (*Delivery, error) {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	if len(d.AlertPayload) == 0 {
		d.AlertPayload = json.RawMessage("null")
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_queue
			(alert_event_id, rule_name, alert_payload, webhook_url, attempt_count, max_attempts, next_attempt_at, last_error, replay_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.AlertEventID,
		d.RuleName,
		string(d.AlertPayload),
		d.WebhookURL,
		d.AttemptCount,
		d.MaxAttempts,
		formatTime(d.NextAttemptAt),
		nullableStr(d.LastError),
		nullableID(d.ReplayOf),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, event.NewStorageError("enqueue delivery", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, event.NewStorageError("enqueue delivery", err)
	}
	d.ID = id
	return &d, nil
}

// DueDeliveries returns up to limit entries with next_attempt_at ≤ now,
// oldest due first. A limit ≤ 0 returns nothing.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM   delivery_queue
		WHERE  next_attempt_at <= ?
		ORDER  BY next_attempt_at, id
		LIMIT  ?`, formatTime(now), limit)
	if err != nil {
		return nil, event.NewStorageError("fetch due deliveries", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// Deliveries returns the current queue contents ordered by next attempt
// time, soonest first.
func (s *Store) Deliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM   delivery_queue
		ORDER  BY next_attempt_at, id
		LIMIT  ?`, limit)
	if err != nil {
		return nil, event.NewStorageError("list deliveries", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// MarkDeliveryFailed records a transient failure: the attempt counter is
// incremented, the error and reschedule time are written to the queue row,
// and a failed attempt row is appended to the history.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id int64, attemptErr string, nextAttemptAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.NewStorageError("mark delivery failed", err)
	}
	defer tx.Rollback()

	d, err := deliveryByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}

	attempt := d.AttemptCount + 1
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE delivery_queue
		SET    attempt_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE  id = ?`,
		attempt, attemptErr, formatTime(nextAttemptAt), formatTime(now), id)
	if err != nil {
		return event.NewStorageError("mark delivery failed", err)
	}

	if err := insertHistoryTx(ctx, tx, d, attempt, StatusFailed, attemptErr, &nextAttemptAt, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return event.NewStorageError("mark delivery failed", err)
	}
	return nil
}

// MarkDeliveryDelivered records a successful attempt: the queue row is
// removed and a delivered row is appended to the history.
func (s *Store) MarkDeliveryDelivered(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.NewStorageError("mark delivery delivered", err)
	}
	defer tx.Rollback()

	d, err := deliveryByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := insertHistoryTx(ctx, tx, d, d.AttemptCount+1, StatusDelivered, "", nil, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_queue WHERE id = ?`, id); err != nil {
		return event.NewStorageError("mark delivery delivered", err)
	}
	if err := tx.Commit(); err != nil {
		return event.NewStorageError("mark delivery delivered", err)
	}
	return nil
}

// MarkDeliveryDeadLetter records the final failure: the queue row is removed
// and a dead_letter row is appended to the history. The caller is
// responsible for persisting the corresponding dead-letter event.
func (s *Store) MarkDeliveryDeadLetter(ctx context.Context, id int64, attemptErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.NewStorageError("dead-letter delivery", err)
	}
	defer tx.Rollback()

	d, err := deliveryByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := insertHistoryTx(ctx, tx, d, d.AttemptCount+1, StatusDeadLetter, attemptErr, nil, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_queue WHERE id = ?`, id); err != nil {
		return event.NewStorageError("dead-letter delivery", err)
	}
	if err := tx.Commit(); err != nil {
		return event.NewStorageError("dead-letter delivery", err)
	}
	return nil
}

// ReplayDelivery synthesizes a fresh queue entry from the terminal history
// row of delivery originalID. The new entry starts at attempt_count 0, is
// due immediately, and records its origin in replay_of. The original history
// rows are not altered. Returns event.ErrNotFound when originalID has no
// terminal (delivered or dead-lettered) outcome.
func (s *Store) ReplayDelivery(ctx context.Context, originalID int64) (*Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, event.NewStorageError("replay delivery", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+historyColumns+`
		FROM   delivery_history
		WHERE  delivery_id = ? AND status IN (?, ?)
		ORDER  BY id DESC
		LIMIT  1`,
		originalID, string(StatusDelivered), string(StatusDeadLetter))
	src, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %d: %w", originalID, event.ErrNotFound)
	}
	if err != nil {
		return nil, event.NewStorageError("replay delivery", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_queue
			(alert_event_id, rule_name, alert_payload, webhook_url, attempt_count, max_attempts, next_attempt_at, last_error, replay_of, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, NULL, ?, ?, ?)`,
		src.AlertEventID,
		src.RuleName,
		string(src.AlertPayload),
		src.WebhookURL,
		src.MaxAttempts,
		formatTime(now),
		originalID,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, event.NewStorageError("replay delivery", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, event.NewStorageError("replay delivery", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, event.NewStorageError("replay delivery", err)
	}

	return &Delivery{
		ID:            id,
		AlertEventID:  src.AlertEventID,
		RuleName:      src.RuleName,
		AlertPayload:  src.AlertPayload,
		WebhookURL:    src.WebhookURL,
		AttemptCount:  0,
		MaxAttempts:   src.MaxAttempts,
		NextAttemptAt: now,
		ReplayOf:      originalID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// DeliveryHistory returns attempt rows newest first.
func (s *Store) DeliveryHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM   delivery_history
		ORDER  BY id DESC
		LIMIT  ?`, limit)
	if err != nil {
		return nil, event.NewStorageError("list delivery history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, event.NewStorageError("scan delivery history", err)
		}
		entries = append(entries, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, event.NewStorageError("list delivery history", err)
	}
	return entries, nil
}

// DeliveryStats summarizes the queue (pending, due now) and the history
// (delivered, failed attempts, dead-lettered).
func (s *Store) DeliveryStats(ctx context.Context) (DeliveryStats, error) {
	count := func(query string, args ...any) (int64, error) {
		var n int64
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
		return n, err
	}

	var stats DeliveryStats
	var err error
	if stats.Pending, err = count(`SELECT COUNT(*) FROM delivery_queue`); err != nil {
		return DeliveryStats{}, event.NewStorageError("count pending deliveries", err)
	}
	if stats.DueNow, err = count(`SELECT COUNT(*) FROM delivery_queue WHERE next_attempt_at <= ?`, formatTime(time.Now())); err != nil {
		return DeliveryStats{}, event.NewStorageError("count due deliveries", err)
	}
	if stats.Delivered, err = count(`SELECT COUNT(*) FROM delivery_history WHERE status = ?`, string(StatusDelivered)); err != nil {
		return DeliveryStats{}, event.NewStorageError("count delivered", err)
	}
	if stats.FailedAttempts, err = count(`SELECT COUNT(*) FROM delivery_history WHERE status = ?`, string(StatusFailed)); err != nil {
		return DeliveryStats{}, event.NewStorageError("count failed attempts", err)
	}
	if stats.DeadLettered, err = count(`SELECT COUNT(*) FROM delivery_history WHERE status = ?`, string(StatusDeadLetter)); err != nil {
		return DeliveryStats{}, event.NewStorageError("count dead-lettered", err)
	}
	return stats, nil
}

// --- internal helpers ---

func collectDeliveries(rows *sql.Rows) ([]Delivery, error) {
	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, event.NewStorageError("scan delivery", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, event.NewStorageError("list deliveries", err)
	}
	return deliveries, nil
}

func deliveryByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*Delivery, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM   delivery_queue
		WHERE  id = ?`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %d: %w", id, event.ErrNotFound)
	}
	if err != nil {
		return nil, event.NewStorageError("get delivery", err)
	}
	return d, nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, d *Delivery, attempt int, status DeliveryStatus, errMsg string, next *time.Time, at time.Time) error {
	var nextStr *string
	if next != nil {
		str := formatTime(*next)
		nextStr = &str
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_history
			(delivery_id, alert_event_id, rule_name, alert_payload, webhook_url, attempt, max_attempts, status, error, next_attempt_at, replay_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.AlertEventID,
		d.RuleName,
		string(d.AlertPayload),
		d.WebhookURL,
		attempt,
		d.MaxAttempts,
		string(status),
		nullableStr(errMsg),
		nextStr,
		nullableID(d.ReplayOf),
		formatTime(at),
	)
	if err != nil {
		return event.NewStorageError("record delivery attempt", err)
	}
	return nil
}

// scanDelivery reads one delivery_queue row. The column order must match
// deliveryColumns.
func scanDelivery(sc scanner) (*Delivery, error) {
	var d Delivery
	var payload, nextAt, created, updated string
	var lastError *string
	var replayOf *int64

	err := sc.Scan(
		&d.ID, &d.AlertEventID, &d.RuleName,
		&payload,
		&d.WebhookURL,
		&d.AttemptCount, &d.MaxAttempts,
		&nextAt,
		&lastError, &replayOf,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}

	d.AlertPayload = json.RawMessage(payload)
	if lastError != nil {
		d.LastError = *lastError
	}
	if replayOf != nil {
		d.ReplayOf = *replayOf
	}
	if d.NextAttemptAt, err = parseTime(nextAt); err != nil {
		return nil, fmt.Errorf("parse next_attempt_at: %w", err)
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &d, nil
}

// scanHistory reads one delivery_history row. The column order must match
// historyColumns.
func scanHistory(sc scanner) (*HistoryEntry, error) {
	var h HistoryEntry
	var payload, status, created string
	var errMsg, nextAt *string
	var replayOf *int64

	err := sc.Scan(
		&h.ID, &h.DeliveryID, &h.AlertEventID, &h.RuleName,
		&payload,
		&h.WebhookURL,
		&h.Attempt, &h.MaxAttempts,
		&status,
		&errMsg, &nextAt,
		&replayOf,
		&created,
	)
	if err != nil {
		return nil, err
	}

	h.AlertPayload = json.RawMessage(payload)
	h.Status = DeliveryStatus(status)
	if errMsg != nil {
		h.Error = *errMsg
	}
	if nextAt != nil {
		t, err := parseTime(*nextAt)
		if err != nil {
			return nil, fmt.Errorf("parse next_attempt_at: %w", err)
		}
		h.NextAttemptAt = &t
	}
	if replayOf != nil {
		h.ReplayOf = *replayOf
	}
	if h.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &h, nil
}
