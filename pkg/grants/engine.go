// Package grants materializes access grants from active agreements and
// answers the access check every content-serving path calls.
package grants

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// Engine is the access grant engine.
type Engine struct {
	store    *store.Store
	recorder *audit.Recorder
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(s *store.Store, rec *audit.Recorder) *Engine {
	return &Engine{
		store:    s,
		recorder: rec,
		clock:    time.Now,
		logger:   slog.Default().With("component", "grants"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// MaterializeTx creates the grant for a just-activated agreement inside the
// signing transaction. Any grant still unrevoked for the same grantee and
// asset is superseded first, so at most one stays valid.
func (e *Engine) MaterializeTx(ctx context.Context, q *store.Queries, agr *contracts.Agreement, actorID string) (*contracts.AccessGrant, error) {
	if agr.State != contracts.AgreementActive {
		return nil, contracts.Conflict(contracts.CodeInvalidTransition, agr.ID, string(agr.State), agr.Version,
			"grants are only materialized from active agreements")
	}
	now := e.clock().UTC()

	prior, err := q.ListUnrevokedGrantsForPair(ctx, agr.SignerID, agr.AssetID)
	if err != nil {
		return nil, contracts.Dependency("list prior grants", err)
	}
	for _, g := range prior {
		if err := e.revokeTx(ctx, q, g, now, contracts.GrantReasonSuperseded, contracts.ActorSystem, map[string]string{
			"superseded_by_agreement": agr.ID,
		}); err != nil {
			return nil, err
		}
	}

	g := &contracts.AccessGrant{
		ID:          uuid.New().String(),
		GranteeID:   agr.SignerID,
		AssetID:     agr.AssetID,
		Tier:        agr.Tier,
		AgreementID: agr.ID,
		GrantedAt:   now,
		ExpiresAt:   agr.ExpiresAt,
	}
	if err := q.InsertGrant(ctx, g); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, contracts.Conflict(contracts.CodeStaleVersion, agr.ID, string(agr.State), agr.Version,
				"a concurrent grant exists for %s on %s", agr.SignerID, agr.AssetID)
		}
		return nil, contracts.Dependency("insert grant", err)
	}
	if _, err := e.recorder.Record(ctx, q, audit.Transition{
		SubjectType: contracts.SubjectGrant,
		SubjectID:   g.ID,
		To:          contracts.GrantStateValid,
		ActorID:     actorID,
		Metadata: map[string]string{
			"agreement_id": agr.ID,
			"tier":         string(g.Tier),
		},
	}); err != nil {
		return nil, err
	}
	e.logger.DebugContext(ctx, "grant materialized", "grant_id", g.ID, "grantee", g.GranteeID, "asset", g.AssetID, "tier", g.Tier)
	return g, nil
}

// RevokeForTx revokes every unrevoked grant issued by an agreement inside
// the caller's transaction. Grants already revoked are left alone, so
// calling it twice is harmless. It returns how many grants changed.
func (e *Engine) RevokeForTx(ctx context.Context, q *store.Queries, agreementID, reason, actorID string) (int, error) {
	list, err := q.ListUnrevokedGrantsByAgreement(ctx, agreementID)
	if err != nil {
		return 0, contracts.Dependency("list agreement grants", err)
	}
	now := e.clock().UTC()
	n := 0
	for _, g := range list {
		if err := e.revokeTx(ctx, q, g, now, reason, actorID, map[string]string{"agreement_id": agreementID}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ExpireTx revokes one grant whose own expiry has passed.
func (e *Engine) ExpireTx(ctx context.Context, q *store.Queries, grantID string) (bool, error) {
	g, err := q.GetGrant(ctx, grantID)
	if err != nil {
		return false, contracts.AsDependency("load grant", err)
	}
	now := e.clock().UTC()
	if g.RevokedAt != nil || g.ExpiresAt == nil || now.Before(*g.ExpiresAt) {
		return false, nil
	}
	if err := e.revokeTx(ctx, q, g, now, contracts.GrantReasonExpired, contracts.ActorScheduler, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) revokeTx(ctx context.Context, q *store.Queries, g *contracts.AccessGrant, at time.Time, reason, actorID string, meta map[string]string) error {
	changed, err := q.RevokeGrant(ctx, g.ID, at, reason)
	if err != nil {
		return contracts.Dependency("revoke grant", err)
	}
	if !changed {
		return nil
	}
	if _, err := e.recorder.Record(ctx, q, audit.Transition{
		SubjectType: contracts.SubjectGrant,
		SubjectID:   g.ID,
		From:        contracts.GrantStateValid,
		To:          reason,
		ActorID:     actorID,
		Metadata:    meta,
	}); err != nil {
		return err
	}
	e.logger.DebugContext(ctx, "grant revoked", "grant_id", g.ID, "reason", reason)
	return nil
}

// Check reports whether grantee may see asset at requiredTier. It is a pure
// read; a context prepared with WithCheckCache memoizes the lookup.
func (e *Engine) Check(ctx context.Context, granteeID, assetID string, requiredTier contracts.Tier) (contracts.CheckResult, error) {
	if granteeID == "" || assetID == "" {
		return contracts.CheckResult{}, contracts.Errorf(contracts.CodeInvalidInput, "grantee and asset are required")
	}
	if !requiredTier.Valid() {
		return contracts.CheckResult{}, contracts.Errorf(contracts.CodeInvalidInput, "unknown tier %q", requiredTier)
	}
	g, err := e.lookup(ctx, granteeID, assetID)
	if err != nil {
		return contracts.CheckResult{}, err
	}
	if g == nil || !g.Tier.Satisfies(requiredTier) {
		return contracts.CheckResult{Allowed: false}, nil
	}
	return contracts.CheckResult{Allowed: true, GrantedTier: g.Tier, GrantID: g.ID}, nil
}

// lookup returns the valid grant for the pair, or nil.
func (e *Engine) lookup(ctx context.Context, granteeID, assetID string) (*contracts.AccessGrant, error) {
	cache := cacheFrom(ctx)
	if g, ok := cache.get(granteeID, assetID); ok {
		return g, nil
	}
	g, err := e.store.Queries().FindValidGrant(ctx, granteeID, assetID, e.clock().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		g = nil
	case err != nil:
		return nil, contracts.Dependency("check grant", err)
	}
	cache.put(granteeID, assetID, g)
	return g, nil
}

// ListForGrantee returns the unrevoked grants a principal holds.
func (e *Engine) ListForGrantee(ctx context.Context, granteeID string) ([]*contracts.AccessGrant, error) {
	list, err := e.store.Queries().ListGrantsByGrantee(ctx, granteeID)
	if err != nil {
		return nil, contracts.Dependency("list grants", err)
	}
	return list, nil
}
