package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is shared by both dialects; only the timestamp type differs.
// Partial unique indexes carry the "one pending request", "one active
// agreement" and "one valid grant" invariants when writers race.
const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	created_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS access_requests (
	id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL,
	requester_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	justification TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	created_at {{ts}} NOT NULL,
	responded_at {{ts}},
	responder_id TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_access_requests_pending
	ON access_requests (requester_id, asset_id) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS ix_access_requests_state
	ON access_requests (state, created_at);
CREATE INDEX IF NOT EXISTS ix_access_requests_owner
	ON access_requests (owner_id, state);

CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	tier TEXT NOT NULL,
	version TEXT NOT NULL,
	body TEXT NOT NULL,
	body_hash TEXT NOT NULL,
	variables TEXT NOT NULL DEFAULT '[]',
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_by TEXT NOT NULL,
	created_at {{ts}} NOT NULL,
	UNIQUE (owner_id, name, tier, version)
);
CREATE INDEX IF NOT EXISTS ix_templates_owner_tier
	ON templates (owner_id, tier);

CREATE TABLE IF NOT EXISTS agreements (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL UNIQUE,
	asset_id TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	counter_signer_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	template_id TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at {{ts}} NOT NULL,
	access_duration_seconds BIGINT NOT NULL DEFAULT 0,
	signed_at {{ts}},
	attestation TEXT,
	expires_at {{ts}},
	revoked_at {{ts}},
	revoked_by TEXT NOT NULL DEFAULT '',
	revocation_reason TEXT NOT NULL DEFAULT '',
	ended_at {{ts}},
	document_ref TEXT NOT NULL DEFAULT '',
	document_hash TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_agreements_active
	ON agreements (signer_id, asset_id) WHERE state = 'active';
CREATE INDEX IF NOT EXISTS ix_agreements_state
	ON agreements (state, created_at);

CREATE TABLE IF NOT EXISTS access_grants (
	id TEXT PRIMARY KEY,
	grantee_id TEXT NOT NULL,
	asset_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	agreement_id TEXT NOT NULL,
	granted_at {{ts}} NOT NULL,
	expires_at {{ts}},
	revoked_at {{ts}},
	revocation_reason TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_access_grants_valid
	ON access_grants (grantee_id, asset_id) WHERE revoked_at IS NULL;
CREATE INDEX IF NOT EXISTS ix_access_grants_agreement
	ON access_grants (agreement_id);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	occurred_at {{ts}} NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	UNIQUE (subject_type, subject_id, seq)
);
`

// Schema returns the DDL for the dialect.
func Schema(d Dialect) string {
	ts := "TIMESTAMP"
	if d == Postgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.ReplaceAll(schema, "{{ts}}", ts)
}

// Migrate creates every table and index. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema(s.dialect), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
