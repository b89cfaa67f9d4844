package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

const requestColumns = `id, asset_id, requester_id, owner_id, tier, justification, state,
	created_at, responded_at, responder_id, rejection_reason, version`

func scanRequest(row scanner) (*contracts.AccessRequest, error) {
	var (
		r           contracts.AccessRequest
		respondedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AssetID, &r.RequesterID, &r.OwnerID, &r.Tier, &r.Justification, &r.State,
		&r.CreatedAt, &respondedAt, &r.ResponderID, &r.RejectionReason, &r.Version)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.RespondedAt = timePtr(respondedAt)
	return &r, nil
}

// InsertRequest persists a new request. A second pending request for the
// same (requester, asset) pair fails with ErrDuplicate.
func (q *Queries) InsertRequest(ctx context.Context, r *contracts.AccessRequest) error {
	query := `
		INSERT INTO access_requests (id, asset_id, requester_id, owner_id, tier, justification, state,
			created_at, responded_at, responder_id, rejection_reason, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := q.q.ExecContext(ctx, query,
		r.ID, r.AssetID, r.RequesterID, r.OwnerID, r.Tier, r.Justification, r.State,
		r.CreatedAt.UTC(), nullTime(r.RespondedAt), r.ResponderID, r.RejectionReason, r.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// GetRequest returns one request by id.
func (q *Queries) GetRequest(ctx context.Context, id string) (*contracts.AccessRequest, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM access_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

// FindPendingRequest returns the pending request for the pair, if any.
func (q *Queries) FindPendingRequest(ctx context.Context, requesterID, assetID string) (*contracts.AccessRequest, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM access_requests WHERE requester_id = $1 AND asset_id = $2 AND state = $3`,
		requesterID, assetID, contracts.RequestPending)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find pending request: %w", err)
	}
	return r, nil
}

// UpdateRequest writes the mutable fields of r if the stored version still
// equals expectedVersion, and bumps the version. A mismatch returns
// ErrVersionConflict and writes nothing.
func (q *Queries) UpdateRequest(ctx context.Context, r *contracts.AccessRequest, expectedVersion int64) error {
	query := `
		UPDATE access_requests
		SET state = $1, responded_at = $2, responder_id = $3, rejection_reason = $4, version = $5
		WHERE id = $6 AND version = $7
	`
	res, err := q.q.ExecContext(ctx, query,
		r.State, nullTime(r.RespondedAt), r.ResponderID, r.RejectionReason, expectedVersion+1,
		r.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	r.Version = expectedVersion + 1
	return nil
}

// RequestFilter narrows ListRequests. Empty fields match everything.
type RequestFilter struct {
	OwnerID     string
	RequesterID string
	AssetID     string
	State       contracts.RequestState
	Limit       int
}

// ListRequests returns requests matching the filter, oldest first.
func (q *Queries) ListRequests(ctx context.Context, f RequestFilter) ([]*contracts.AccessRequest, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.OwnerID != "" {
		add("owner_id", f.OwnerID)
	}
	if f.RequesterID != "" {
		add("requester_id", f.RequesterID)
	}
	if f.AssetID != "" {
		add("asset_id", f.AssetID)
	}
	if f.State != "" {
		add("state", f.State)
	}

	query := `SELECT ` + requestColumns + ` FROM access_requests`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q.queryRequests(ctx, query, args...)
}

// ListPendingRequestsBefore returns pending requests created before cutoff.
func (q *Queries) ListPendingRequestsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.AccessRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM access_requests
		WHERE state = $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`
	return q.queryRequests(ctx, query, contracts.RequestPending, cutoff.UTC(), limit)
}

func (q *Queries) queryRequests(ctx context.Context, query string, args ...any) ([]*contracts.AccessRequest, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.AccessRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
