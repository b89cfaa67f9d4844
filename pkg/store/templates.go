package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

const templateColumns = `id, owner_id, name, tier, version, body, body_hash, variables, is_default, active,
	created_by, created_at`

func scanTemplate(row scanner) (*contracts.Template, error) {
	var (
		t         contracts.Template
		variables string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Tier, &t.Version, &t.Body, &t.BodyHash, &variables,
		&t.IsDefault, &t.Active, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if variables != "" {
		if err := json.Unmarshal([]byte(variables), &t.Variables); err != nil {
			return nil, fmt.Errorf("corrupt variables in template %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// InsertTemplate persists a template version. Reusing an (owner, name,
// version) triple fails with ErrDuplicate.
func (q *Queries) InsertTemplate(ctx context.Context, t *contracts.Template) error {
	vars := t.Variables
	if vars == nil {
		vars = []string{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to encode template variables: %w", err)
	}
	query := `
		INSERT INTO templates (id, owner_id, name, tier, version, body, body_hash, variables, is_default,
			active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = q.q.ExecContext(ctx, query,
		t.ID, t.OwnerID, t.Name, t.Tier, t.Version, t.Body, t.BodyHash, string(b), t.IsDefault,
		t.Active, t.CreatedBy, t.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// GetTemplate returns one template version by id.
func (q *Queries) GetTemplate(ctx context.Context, id string) (*contracts.Template, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// TemplateFilter narrows ListTemplates. Nil pointers match everything.
type TemplateFilter struct {
	OwnerID   string
	Name      string
	Tier      contracts.Tier
	Active    *bool
	IsDefault *bool
}

// ListTemplates returns template versions matching the filter.
func (q *Queries) ListTemplates(ctx context.Context, f TemplateFilter) ([]*contracts.Template, error) {
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
	if f.Name != "" {
		add("name", f.Name)
	}
	if f.Tier != "" {
		add("tier", f.Tier)
	}
	if f.Active != nil {
		add("active", *f.Active)
	}
	if f.IsDefault != nil {
		add("is_default", *f.IsDefault)
	}
	query := `SELECT ` + templateColumns + ` FROM templates`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY owner_id ASC, name ASC, created_at ASC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetTemplateDefault flags every version of (owner, name) as the default for
// its tier and clears the flag on the owner's other templates of that tier.
func (q *Queries) SetTemplateDefault(ctx context.Context, ownerID, name string, tier contracts.Tier) error {
	if _, err := q.q.ExecContext(ctx,
		`UPDATE templates SET is_default = $1 WHERE owner_id = $2 AND tier = $3 AND name <> $4`,
		false, ownerID, tier, name); err != nil {
		return fmt.Errorf("failed to clear template default: %w", err)
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE templates SET is_default = $1 WHERE owner_id = $2 AND tier = $3 AND name = $4`,
		true, ownerID, tier, name)
	if err != nil {
		return fmt.Errorf("failed to set template default: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTemplateActive toggles whether a single template version may be
// resolved for new drafts. Agreements that already reference it are
// unaffected.
func (q *Queries) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE templates SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
