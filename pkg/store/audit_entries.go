package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

const auditColumns = `id, subject_type, subject_id, seq, from_state, to_state, actor_id, occurred_at,
	metadata, prev_hash, entry_hash`

func scanAuditEntry(row scanner) (*contracts.AuditEntry, error) {
	var (
		e        contracts.AuditEntry
		metadata string
	)
	err := row.Scan(&e.ID, &e.SubjectType, &e.SubjectID, &e.Sequence, &e.FromState, &e.ToState, &e.ActorID,
		&e.Timestamp, &metadata, &e.PreviousHash, &e.EntryHash)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata in audit entry %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

// InsertAuditEntry appends an entry. Two writers racing for the same
// sequence number collide on the unique index and one gets ErrDuplicate.
func (q *Queries) InsertAuditEntry(ctx context.Context, e *contracts.AuditEntry) error {
	metadata := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = string(b)
	}
	query := `
		INSERT INTO audit_entries (id, subject_type, subject_id, seq, from_state, to_state, actor_id,
			occurred_at, metadata, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := q.q.ExecContext(ctx, query,
		e.ID, e.SubjectType, e.SubjectID, e.Sequence, e.FromState, e.ToState, e.ActorID,
		e.Timestamp.UTC(), metadata, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// LastAuditEntry returns the newest entry for a subject.
func (q *Queries) LastAuditEntry(ctx context.Context, subjectType contracts.SubjectType, subjectID string) (*contracts.AuditEntry, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE subject_type = $1 AND subject_id = $2 ORDER BY seq DESC LIMIT 1`,
		subjectType, subjectID)
	e, err := scanAuditEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last audit entry: %w", err)
	}
	return e, nil
}

// ListAuditEntries returns up to limit entries for a subject with sequence
// greater than afterSeq, in sequence order.
func (q *Queries) ListAuditEntries(ctx context.Context, subjectType contracts.SubjectType, subjectID string, afterSeq int64, limit int) ([]*contracts.AuditEntry, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries
		WHERE subject_type = $1 AND subject_id = $2 AND seq > $3 ORDER BY seq ASC LIMIT $4`,
		subjectType, subjectID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.AuditEntry, 0, limit)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
