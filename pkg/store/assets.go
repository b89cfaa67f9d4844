package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// UpsertAsset records or transfers ownership of an asset.
func (q *Queries) UpsertAsset(ctx context.Context, a *contracts.Asset) error {
	query := `
		INSERT INTO assets (id, owner_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id
	`
	if _, err := q.q.ExecContext(ctx, query, a.ID, a.OwnerID, a.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

// GetAsset returns the ownership record of an asset.
func (q *Queries) GetAsset(ctx context.Context, id string) (*contracts.Asset, error) {
	row := q.q.QueryRowContext(ctx, `SELECT id, owner_id, created_at FROM assets WHERE id = $1`, id)
	var a contracts.Asset
	if err := row.Scan(&a.ID, &a.OwnerID, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
