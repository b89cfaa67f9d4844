package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

const grantColumns = `g.id, g.grantee_id, g.asset_id, g.tier, g.agreement_id, g.granted_at, g.expires_at,
	g.revoked_at, g.revocation_reason`

func scanGrant(row scanner) (*contracts.AccessGrant, error) {
	var (
		g                    contracts.AccessGrant
		expiresAt, revokedAt sql.NullTime
	)
	err := row.Scan(&g.ID, &g.GranteeID, &g.AssetID, &g.Tier, &g.AgreementID, &g.GrantedAt, &expiresAt,
		&revokedAt, &g.RevocationReason)
	if err != nil {
		return nil, err
	}
	g.GrantedAt = g.GrantedAt.UTC()
	g.ExpiresAt = timePtr(expiresAt)
	g.RevokedAt = timePtr(revokedAt)
	return &g, nil
}

// InsertGrant persists a new grant. A second unrevoked grant for the same
// (grantee, asset) pair fails with ErrDuplicate.
func (q *Queries) InsertGrant(ctx context.Context, g *contracts.AccessGrant) error {
	query := `
		INSERT INTO access_grants (id, grantee_id, asset_id, tier, agreement_id, granted_at, expires_at,
			revoked_at, revocation_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.q.ExecContext(ctx, query,
		g.ID, g.GranteeID, g.AssetID, g.Tier, g.AgreementID, g.GrantedAt.UTC(), nullTime(g.ExpiresAt),
		nullTime(g.RevokedAt), g.RevocationReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

// GetGrant returns one grant by id.
func (q *Queries) GetGrant(ctx context.Context, id string) (*contracts.AccessGrant, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM access_grants g WHERE g.id = $1`, id)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// FindValidGrant returns the grant that confers access for the pair at now:
// unrevoked, unexpired, and backed by an active agreement.
func (q *Queries) FindValidGrant(ctx context.Context, granteeID, assetID string, now time.Time) (*contracts.AccessGrant, error) {
	query := `SELECT ` + grantColumns + `
		FROM access_grants g
		JOIN agreements a ON a.id = g.agreement_id
		WHERE g.grantee_id = $1 AND g.asset_id = $2 AND g.revoked_at IS NULL
			AND (g.expires_at IS NULL OR g.expires_at > $3)
			AND a.state = $4`
	row := q.q.QueryRowContext(ctx, query, granteeID, assetID, now.UTC(), contracts.AgreementActive)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find valid grant: %w", err)
	}
	return g, nil
}

// ListUnrevokedGrantsForPair returns the unrevoked grants for a grantee and asset.
func (q *Queries) ListUnrevokedGrantsForPair(ctx context.Context, granteeID, assetID string) ([]*contracts.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants g
		WHERE g.grantee_id = $1 AND g.asset_id = $2 AND g.revoked_at IS NULL ORDER BY g.granted_at ASC`
	return q.queryGrants(ctx, query, granteeID, assetID)
}

// ListUnrevokedGrantsByAgreement returns the unrevoked grants derived from an agreement.
func (q *Queries) ListUnrevokedGrantsByAgreement(ctx context.Context, agreementID string) ([]*contracts.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants g
		WHERE g.agreement_id = $1 AND g.revoked_at IS NULL ORDER BY g.granted_at ASC`
	return q.queryGrants(ctx, query, agreementID)
}

// ListGrantsByAgreement returns every grant derived from an agreement.
func (q *Queries) ListGrantsByAgreement(ctx context.Context, agreementID string) ([]*contracts.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants g
		WHERE g.agreement_id = $1 ORDER BY g.granted_at ASC`
	return q.queryGrants(ctx, query, agreementID)
}

// ListGrantsByGrantee returns the unrevoked grants held by a principal.
func (q *Queries) ListGrantsByGrantee(ctx context.Context, granteeID string) ([]*contracts.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants g
		WHERE g.grantee_id = $1 AND g.revoked_at IS NULL ORDER BY g.granted_at ASC`
	return q.queryGrants(ctx, query, granteeID)
}

// ListExpiredUnrevokedGrants returns grants whose own expiry has passed but
// which are still unrevoked.
func (q *Queries) ListExpiredUnrevokedGrants(ctx context.Context, now time.Time, limit int) ([]*contracts.AccessGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM access_grants g
		WHERE g.revoked_at IS NULL AND g.expires_at IS NOT NULL AND g.expires_at <= $1
		ORDER BY g.expires_at ASC LIMIT $2`
	return q.queryGrants(ctx, query, now.UTC(), limit)
}

// RevokeGrant marks a grant revoked. It returns false if the grant was
// already revoked, leaving the earlier reason untouched.
func (q *Queries) RevokeGrant(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE access_grants SET revoked_at = $1, revocation_reason = $2 WHERE id = $3 AND revoked_at IS NULL`,
		at.UTC(), reason, id)
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

func (q *Queries) queryGrants(ctx context.Context, query string, args ...any) ([]*contracts.AccessGrant, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.AccessGrant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
