package grants_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/store/storetest"
)

type fixture struct {
	store    *store.Store
	recorder *audit.Recorder
	engine   *grants.Engine
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storetest.Open(t), now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.recorder = audit.NewRecorder(f.store).WithClock(clock)
	f.engine = grants.NewEngine(f.store, f.recorder).WithClock(clock)
	return f
}

func (f *fixture) activate(t *testing.T, id, signer string, tier contracts.Tier, expiresAt *time.Time) (*contracts.Agreement, *contracts.AccessGrant) {
	t.Helper()
	ctx := context.Background()
	signed := f.now
	agr := &contracts.Agreement{
		ID: id, RequestID: "req-" + id, AssetID: "asset-1", SignerID: signer, CounterSignerID: "owner",
		Tier: tier, TemplateID: "tpl", State: contracts.AgreementActive, CreatedAt: f.now,
		SignedAt: &signed, ExpiresAt: expiresAt, Version: 2,
	}
	var g *contracts.AccessGrant
	err := f.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertAgreement(ctx, agr); err != nil {
			return err
		}
		var err error
		g, err = f.engine.MaterializeTx(ctx, q, agr, signer)
		return err
	})
	require.NoError(t, err)
	return agr, g
}

func (f *fixture) endAgreement(t *testing.T, agr *contracts.Agreement, state contracts.AgreementState, reason string) int {
	t.Helper()
	ctx := context.Background()
	var n int
	err := f.store.InTx(ctx, func(q *store.Queries) error {
		agr.State = state
		if err := q.UpdateAgreement(ctx, agr, agr.Version); err != nil {
			return err
		}
		var err error
		n, err = f.engine.RevokeForTx(ctx, q, agr.ID, reason, "owner")
		return err
	})
	require.NoError(t, err)
	return n
}

func TestCheck_TierOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, g := f.activate(t, "agr-1", "alice", contracts.TierStandard, nil)

	res, err := f.engine.Check(ctx, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, contracts.TierStandard, res.GrantedTier)
	assert.Equal(t, g.ID, res.GrantID)

	res, err = f.engine.Check(ctx, "alice", "asset-1", contracts.TierStandard)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.engine.Check(ctx, "alice", "asset-1", contracts.TierEnhanced)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Empty(t, res.GrantID)

	res, err = f.engine.Check(ctx, "bob", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	_, err = f.engine.Check(ctx, "alice", "asset-1", "platinum")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
	_, err = f.engine.Check(ctx, "", "asset-1", contracts.TierBasic)
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
}

func TestMaterialize_RecordsAudit(t *testing.T) {
	f := newFixture(t)
	_, g := f.activate(t, "agr-1", "alice", contracts.TierBasic, nil)

	entries, err := f.recorder.Entries(context.Background(), contracts.SubjectGrant, g.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "", entries[0].FromState)
	assert.Equal(t, contracts.GrantStateValid, entries[0].ToState)
	assert.Equal(t, "alice", entries[0].ActorID)
	assert.Equal(t, "agr-1", entries[0].Metadata["agreement_id"])
}

func TestMaterialize_RequiresActiveAgreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.InTx(ctx, func(q *store.Queries) error {
		_, err := f.engine.MaterializeTx(ctx, q, &contracts.Agreement{ID: "x", State: contracts.AgreementDrafted}, "alice")
		return err
	})
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestMaterialize_SupersedesPriorGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, oldGrant := f.activate(t, "agr-1", "alice", contracts.TierBasic, nil)

	// The old agreement ends without its grant being revoked.
	old.State = contracts.AgreementExpired
	require.NoError(t, f.store.Queries().UpdateAgreement(ctx, old, old.Version))

	f.now = f.now.Add(time.Hour)
	_, newGrant := f.activate(t, "agr-2", "alice", contracts.TierEnhanced, nil)

	got, err := f.store.Queries().GetGrant(ctx, oldGrant.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, contracts.GrantReasonSuperseded, got.RevocationReason)

	valid, err := f.store.Queries().ListUnrevokedGrantsForPair(ctx, "alice", "asset-1")
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, newGrant.ID, valid[0].ID)

	res, err := f.engine.Check(ctx, "alice", "asset-1", contracts.TierEnhanced)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	entries, err := f.recorder.Entries(ctx, contracts.SubjectGrant, oldGrant.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.GrantStateSuperseded, entries[1].ToState)
	assert.Equal(t, contracts.ActorSystem, entries[1].ActorID)
}

func TestRevokeFor_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agr, g := f.activate(t, "agr-1", "alice", contracts.TierStandard, nil)

	assert.Equal(t, 1, f.endAgreement(t, agr, contracts.AgreementRevoked, contracts.GrantReasonRevoked))

	var again int
	err := f.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		again, err = f.engine.RevokeForTx(ctx, q, agr.ID, contracts.GrantReasonRevoked, "owner")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	res, err := f.engine.Check(ctx, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	entries, err := f.recorder.Entries(ctx, contracts.SubjectGrant, g.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the second revoke writes no audit entry")
}

func TestCheck_DeniedAtExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := f.now.Add(time.Hour)
	_, g := f.activate(t, "agr-1", "alice", contracts.TierBasic, &expires)

	f.now = expires.Add(-time.Second)
	res, err := f.engine.Check(ctx, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	f.now = expires
	res, err = f.engine.Check(ctx, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	var expired bool
	require.NoError(t, f.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		expired, err = f.engine.ExpireTx(ctx, q, g.ID)
		return err
	}))
	assert.True(t, expired)

	got, err := f.store.Queries().GetGrant(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.GrantReasonExpired, got.RevocationReason)
}

func TestCheckCache_ScopedToContext(t *testing.T) {
	f := newFixture(t)
	agr, _ := f.activate(t, "agr-1", "alice", contracts.TierStandard, nil)

	cached := grants.WithCheckCache(context.Background())
	res, err := f.engine.Check(cached, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	f.endAgreement(t, agr, contracts.AgreementRevoked, contracts.GrantReasonRevoked)

	res, err = f.engine.Check(cached, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the memo holds for the life of its context")

	res, err = f.engine.Check(grants.WithCheckCache(context.Background()), "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestFilterSections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "agr-1", "alice", contracts.TierStandard, nil)

	sections := []grants.Section{
		{ID: "summary", Rule: grants.AlwaysVisible{}},
		{ID: "financials", Rule: grants.RequiresTier{Tier: contracts.TierStandard}},
		{ID: "source", Rule: grants.RequiresTier{Tier: contracts.TierEnhanced}},
		{ID: "internal", Rule: grants.Hidden{}},
		{ID: "unset"},
	}

	got, err := f.engine.FilterSections(ctx, "alice", "asset-1", sections)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary", "financials"}, got)

	got, err = f.engine.FilterSections(ctx, "stranger", "asset-1", sections)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary"}, got)
}

func TestParseRule(t *testing.T) {
	r, err := grants.ParseRule(grants.RuleRequiresTier, "Enhanced")
	require.NoError(t, err)
	assert.Equal(t, grants.RequiresTier{Tier: contracts.TierEnhanced}, r)

	r, err = grants.ParseRule(grants.RuleHidden, "")
	require.NoError(t, err)
	assert.Equal(t, grants.Hidden{}, r)

	_, err = grants.ParseRule(grants.RuleRequiresTier, "gold")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
	_, err = grants.ParseRule("public", "")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
}
