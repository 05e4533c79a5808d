package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first audit record in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Audit actions recorded by the admin API.
const (
	ActionRuleCreate = "rule.create"
	ActionRuleDelete = "rule.delete"
	ActionRuleToggle = "rule.toggle"
	ActionEvaluate   = "alerts.evaluate"
	ActionReplay     = "operator.replay"
)

const auditColumns = `id, actor, action, target_id, metadata, source_ip, prev_hash, hash, created_at`

// recordContent is the subset of audit columns that is hashed to produce a
// record's hash. It deliberately excludes the hash itself. Metadata is the
// exact JSON text stored in the metadata column, so verification recomputes
// over identical bytes.
type recordContent struct {
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	TargetID  string          `json:"target_id"`
	Metadata  json.RawMessage `json:"metadata"`
	SourceIP  string          `json:"source_ip"`
	CreatedAt string          `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
}

// AppendAudit writes rec to the operator audit log, chaining its hash onto
// the previous record (or GenesisHash for the first). The read-compute-insert
// sequence runs inside one transaction on the store's single connection, so
// concurrent appends cannot interleave. The stored record is returned with
// its id, hashes, and timestamp populated.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) (*AuditRecord, error) {
	metadata := json.RawMessage("null")
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, event.NewStorageError("encode audit metadata", err)
		}
		metadata = b
	}
	rec.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, event.NewStorageError("append audit record", err)
	}
	defer tx.Rollback()

	prevHash := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT hash FROM operator_audit ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, event.NewStorageError("read audit chain head", err)
	}

	createdAt := formatTime(rec.CreatedAt)
	hash := hashRecordContent(recordContent{
		Actor:     rec.Actor,
		Action:    rec.Action,
		TargetID:  rec.TargetID,
		Metadata:  metadata,
		SourceIP:  rec.SourceIP,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
	})

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operator_audit
			(actor, action, target_id, metadata, source_ip, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Actor, rec.Action, rec.TargetID,
		string(metadata),
		nullableStr(rec.SourceIP),
		prevHash, hash, createdAt,
	)
	if err != nil {
		return nil, event.NewStorageError("append audit record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, event.NewStorageError("append audit record", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, event.NewStorageError("append audit record", err)
	}

	rec.ID = id
	rec.PrevHash = prevHash
	rec.Hash = hash
	return &rec, nil
}

// AuditRecords returns audit rows newest first.
func (s *Store) AuditRecords(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM   operator_audit
		ORDER  BY id DESC
		LIMIT  ?`, limit)
	if err != nil {
		return nil, event.NewStorageError("list audit records", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, event.NewStorageError("scan audit record", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, event.NewStorageError("list audit records", err)
	}
	return records, nil
}

// AuditStats returns the total record count and a per-action breakdown.
func (s *Store) AuditStats(ctx context.Context) (AuditStats, error) {
	stats := AuditStats{ByAction: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operator_audit`).Scan(&stats.Total)
	if err != nil {
		return AuditStats{}, event.NewStorageError("count audit records", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM operator_audit GROUP BY action`)
	if err != nil {
		return AuditStats{}, event.NewStorageError("count audit records by action", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return AuditStats{}, event.NewStorageError("scan audit action count", err)
		}
		stats.ByAction[action] = n
	}
	if err := rows.Err(); err != nil {
		return AuditStats{}, event.NewStorageError("count audit records by action", err)
	}
	return stats, nil
}

// VerifyAuditChain walks the full audit log in insertion order, recomputing
// every hash and checking prev_hash linkage. It returns the number of
// records verified, or an error naming the first record where the chain
// breaks. An empty log verifies trivially.
func (s *Store) VerifyAuditChain(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target_id, metadata, source_ip, prev_hash, hash, created_at
		FROM   operator_audit
		ORDER  BY id ASC`)
	if err != nil {
		return 0, event.NewStorageError("verify audit chain", err)
	}
	defer rows.Close()

	var verified int64
	prevHash := GenesisHash
	for rows.Next() {
		var id int64
		var actor, action, targetID, prev, hash, createdAt string
		var metadata, sourceIP *string
		if err := rows.Scan(&id, &actor, &action, &targetID, &metadata, &sourceIP, &prev, &hash, &createdAt); err != nil {
			return 0, event.NewStorageError("scan audit record", err)
		}

		if prev != prevHash {
			return 0, fmt.Errorf("store: audit chain break at record %d: expected prev_hash %q, got %q", id, prevHash, prev)
		}

		meta := json.RawMessage("null")
		if metadata != nil {
			meta = json.RawMessage(*metadata)
		}
		ip := ""
		if sourceIP != nil {
			ip = *sourceIP
		}
		computed := hashRecordContent(recordContent{
			Actor:     actor,
			Action:    action,
			TargetID:  targetID,
			Metadata:  meta,
			SourceIP:  ip,
			CreatedAt: createdAt,
			PrevHash:  prev,
		})
		if computed != hash {
			return 0, fmt.Errorf("store: audit hash mismatch at record %d: stored %q, computed %q", id, hash, computed)
		}

		prevHash = hash
		verified++
	}
	if err := rows.Err(); err != nil {
		return 0, event.NewStorageError("verify audit chain", err)
	}
	return verified, nil
}

// scanAuditRecord reads one operator_audit row. The column order must match
// auditColumns.
func scanAuditRecord(sc scanner) (*AuditRecord, error) {
	var rec AuditRecord
	var metadata, sourceIP *string
	var created string

	err := sc.Scan(
		&rec.ID, &rec.Actor, &rec.Action, &rec.TargetID,
		&metadata, &sourceIP,
		&rec.PrevHash, &rec.Hash,
		&created,
	)
	if err != nil {
		return nil, err
	}

	if metadata != nil && *metadata != "null" {
		if err := json.Unmarshal([]byte(*metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	if sourceIP != nil {
		rec.SourceIP = *sourceIP
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &rec, nil
}

// hashRecordContent computes the SHA-256 hex digest of the JSON-marshalled
// record content. It panics on marshal failure, which cannot happen: every
// recordContent field is JSON-serialisable.
func hashRecordContent(c recordContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("store: marshal audit content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
