package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

const agreementColumns = `id, request_id, asset_id, signer_id, counter_signer_id, tier, template_id, state,
	created_at, access_duration_seconds, signed_at, attestation, expires_at, revoked_at, revoked_by,
	revocation_reason, ended_at, document_ref, document_hash, version`

func scanAgreement(row scanner) (*contracts.Agreement, error) {
	var (
		a                                       contracts.Agreement
		durationSecs                            int64
		signedAt, expiresAt, revokedAt, endedAt sql.NullTime
		attestation                             sql.NullString
	)
	err := row.Scan(&a.ID, &a.RequestID, &a.AssetID, &a.SignerID, &a.CounterSignerID, &a.Tier, &a.TemplateID, &a.State,
		&a.CreatedAt, &durationSecs, &signedAt, &attestation, &expiresAt, &revokedAt, &a.RevokedBy,
		&a.RevocationReason, &endedAt, &a.DocumentRef, &a.DocumentHash, &a.Version)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.AccessDuration = time.Duration(durationSecs) * time.Second
	a.SignedAt = timePtr(signedAt)
	a.ExpiresAt = timePtr(expiresAt)
	a.RevokedAt = timePtr(revokedAt)
	a.EndedAt = timePtr(endedAt)
	if attestation.Valid && attestation.String != "" {
		var att contracts.Attestation
		if err := json.Unmarshal([]byte(attestation.String), &att); err != nil {
			return nil, fmt.Errorf("corrupt attestation in agreement %s: %w", a.ID, err)
		}
		att.SignedAt = att.SignedAt.UTC()
		a.Attestation = &att
	}
	return &a, nil
}

func attestationJSON(att *contracts.Attestation) (any, error) {
	if att == nil {
		return nil, nil
	}
	b, err := json.Marshal(att)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attestation: %w", err)
	}
	return string(b), nil
}

// InsertAgreement persists a new agreement. A second agreement for the same
// request, or a second active agreement for the same pair, fails with
// ErrDuplicate.
func (q *Queries) InsertAgreement(ctx context.Context, a *contracts.Agreement) error {
	att, err := attestationJSON(a.Attestation)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agreements (id, request_id, asset_id, signer_id, counter_signer_id, tier, template_id, state,
			created_at, access_duration_seconds, signed_at, attestation, expires_at, revoked_at, revoked_by,
			revocation_reason, ended_at, document_ref, document_hash, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = q.q.ExecContext(ctx, query,
		a.ID, a.RequestID, a.AssetID, a.SignerID, a.CounterSignerID, a.Tier, a.TemplateID, a.State,
		a.CreatedAt.UTC(), int64(a.AccessDuration/time.Second), nullTime(a.SignedAt), att, nullTime(a.ExpiresAt),
		nullTime(a.RevokedAt), a.RevokedBy, a.RevocationReason, nullTime(a.EndedAt), a.DocumentRef, a.DocumentHash,
		a.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert agreement: %w", err)
	}
	return nil
}

// GetAgreement returns one agreement by id.
func (q *Queries) GetAgreement(ctx context.Context, id string) (*contracts.Agreement, error) {
	return q.getAgreementWhere(ctx, "id = $1", id)
}

// GetAgreementByRequest returns the agreement drafted for a request.
func (q *Queries) GetAgreementByRequest(ctx context.Context, requestID string) (*contracts.Agreement, error) {
	return q.getAgreementWhere(ctx, "request_id = $1", requestID)
}

// FindActiveAgreement returns the active agreement for the pair, if any.
func (q *Queries) FindActiveAgreement(ctx context.Context, signerID, assetID string) (*contracts.Agreement, error) {
	return q.getAgreementWhere(ctx, "signer_id = $1 AND asset_id = $2 AND state = $3",
		signerID, assetID, contracts.AgreementActive)
}

func (q *Queries) getAgreementWhere(ctx context.Context, cond string, args ...any) (*contracts.Agreement, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE `+cond, args...)
	a, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agreement: %w", err)
	}
	return a, nil
}

// UpdateAgreement writes the mutable fields of a if the stored version still
// equals expectedVersion, and bumps the version.
func (q *Queries) UpdateAgreement(ctx context.Context, a *contracts.Agreement, expectedVersion int64) error {
	att, err := attestationJSON(a.Attestation)
	if err != nil {
		return err
	}
	query := `
		UPDATE agreements
		SET state = $1, signed_at = $2, attestation = $3, expires_at = $4, revoked_at = $5, revoked_by = $6,
			revocation_reason = $7, ended_at = $8, document_ref = $9, document_hash = $10, version = $11
		WHERE id = $12 AND version = $13
	`
	res, err := q.q.ExecContext(ctx, query,
		a.State, nullTime(a.SignedAt), att, nullTime(a.ExpiresAt), nullTime(a.RevokedAt), a.RevokedBy,
		a.RevocationReason, nullTime(a.EndedAt), a.DocumentRef, a.DocumentHash, expectedVersion+1,
		a.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to update agreement: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	a.Version = expectedVersion + 1
	return nil
}

// AgreementFilter narrows ListAgreements. Empty fields match everything.
type AgreementFilter struct {
	SignerID        string
	CounterSignerID string
	AssetID         string
	State           contracts.AgreementState
	Limit           int
}

// ListAgreements returns agreements matching the filter, oldest first.
func (q *Queries) ListAgreements(ctx context.Context, f AgreementFilter) ([]*contracts.Agreement, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.SignerID != "" {
		add("signer_id", f.SignerID)
	}
	if f.CounterSignerID != "" {
		add("counter_signer_id", f.CounterSignerID)
	}
	if f.AssetID != "" {
		add("asset_id", f.AssetID)
	}
	if f.State != "" {
		add("state", f.State)
	}
	query := `SELECT ` + agreementColumns + ` FROM agreements`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q.queryAgreements(ctx, query, args...)
}

// ListDraftedAgreementsBefore returns unsigned drafts created before cutoff.
func (q *Queries) ListDraftedAgreementsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements
		WHERE state = $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`
	return q.queryAgreements(ctx, query, contracts.AgreementDrafted, cutoff.UTC(), limit)
}

// ListActiveAgreementsExpiredAt returns active agreements whose term ended at or before now.
func (q *Queries) ListActiveAgreementsExpiredAt(ctx context.Context, now time.Time, limit int) ([]*contracts.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements
		WHERE state = $1 AND expires_at IS NOT NULL AND expires_at <= $2 ORDER BY expires_at ASC LIMIT $3`
	return q.queryAgreements(ctx, query, contracts.AgreementActive, now.UTC(), limit)
}

func (q *Queries) queryAgreements(ctx context.Context, query string, args ...any) ([]*contracts.Agreement, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agreements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Agreement, 0)
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agreement: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
