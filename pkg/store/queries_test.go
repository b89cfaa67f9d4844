package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/store/storetest"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingRequest(id, requester string) *contracts.AccessRequest {
	return &contracts.AccessRequest{
		ID: id, AssetID: "asset-1", RequesterID: requester, OwnerID: "owner",
		Tier: contracts.TierStandard, Justification: "due diligence",
		State: contracts.RequestPending, CreatedAt: t0, Version: 1,
	}
}

func activeAgreement(id, requestID, signer string) *contracts.Agreement {
	signed := t0.Add(time.Hour)
	return &contracts.Agreement{
		ID: id, RequestID: requestID, AssetID: "asset-1", SignerID: signer, CounterSignerID: "owner",
		Tier: contracts.TierStandard, TemplateID: "tpl-1", State: contracts.AgreementActive,
		CreatedAt: t0, SignedAt: &signed, Version: 2,
		Attestation: &contracts.Attestation{
			SignerID: signer, SignedAt: signed, ClientFingerprint: "fp",
			ClientMetadata: map[string]string{"ua": "test"},
		},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := storetest.Open(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestAssets_UpsertTransfersOwnership(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	require.NoError(t, q.UpsertAsset(ctx, &contracts.Asset{ID: "asset-1", OwnerID: "owner", CreatedAt: t0}))
	require.NoError(t, q.UpsertAsset(ctx, &contracts.Asset{ID: "asset-1", OwnerID: "new-owner", CreatedAt: t0}))

	a, err := q.GetAsset(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "new-owner", a.OwnerID)

	_, err = q.GetAsset(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequests_OnePendingPerPair(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	first := pendingRequest("req-1", "alice")
	require.NoError(t, q.InsertRequest(ctx, first))
	assert.ErrorIs(t, q.InsertRequest(ctx, pendingRequest("req-2", "alice")), store.ErrDuplicate)

	found, err := q.FindPendingRequest(ctx, "alice", "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", found.ID)
	assert.Equal(t, t0, found.CreatedAt)

	// Once the first leaves pending, a new one may be opened.
	first.State = contracts.RequestWithdrawn
	require.NoError(t, q.UpdateRequest(ctx, first, 1))
	require.NoError(t, q.InsertRequest(ctx, pendingRequest("req-2", "alice")))
}

func TestRequests_UpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	r := pendingRequest("req-1", "alice")
	require.NoError(t, q.InsertRequest(ctx, r))

	now := t0.Add(time.Minute)
	r.State = contracts.RequestApproved
	r.RespondedAt = &now
	r.ResponderID = "owner"
	require.NoError(t, q.UpdateRequest(ctx, r, 1))
	assert.Equal(t, int64(2), r.Version)

	stale := pendingRequest("req-1", "alice")
	stale.State = contracts.RequestRejected
	assert.ErrorIs(t, q.UpdateRequest(ctx, stale, 1), store.ErrVersionConflict)

	got, err := q.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestApproved, got.State)
	require.NotNil(t, got.RespondedAt)
	assert.Equal(t, now, *got.RespondedAt)
}

func TestRequests_ListFilters(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	require.NoError(t, q.InsertRequest(ctx, pendingRequest("req-1", "alice")))
	r2 := pendingRequest("req-2", "carol")
	r2.CreatedAt = t0.Add(48 * time.Hour)
	require.NoError(t, q.InsertRequest(ctx, r2))

	all, err := q.ListRequests(ctx, store.RequestFilter{OwnerID: "owner"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := q.ListRequests(ctx, store.RequestFilter{RequesterID: "carol"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "req-2", mine[0].ID)

	old, err := q.ListPendingRequestsBefore(ctx, t0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "req-1", old[0].ID)
}

func TestAgreements_OneActivePerPair(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	require.NoError(t, q.InsertAgreement(ctx, activeAgreement("agr-1", "req-1", "alice")))
	assert.ErrorIs(t, q.InsertAgreement(ctx, activeAgreement("agr-2", "req-2", "alice")), store.ErrDuplicate)

	got, err := q.FindActiveAgreement(ctx, "alice", "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "agr-1", got.ID)
	require.NotNil(t, got.Attestation)
	assert.Equal(t, "fp", got.Attestation.ClientFingerprint)
	assert.Equal(t, "test", got.Attestation.ClientMetadata["ua"])

	byReq, err := q.GetAgreementByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "agr-1", byReq.ID)
}

func TestAgreements_UpdateAndSweepQueries(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	draft := &contracts.Agreement{
		ID: "agr-1", RequestID: "req-1", AssetID: "asset-1", SignerID: "alice", CounterSignerID: "owner",
		Tier: contracts.TierBasic, TemplateID: "tpl-1", State: contracts.AgreementDrafted,
		CreatedAt: t0, AccessDuration: 90 * time.Minute, Version: 1,
	}
	require.NoError(t, q.InsertAgreement(ctx, draft))

	drafts, err := q.ListDraftedAgreementsBefore(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, 90*time.Minute, drafts[0].AccessDuration)

	signed := t0.Add(10 * time.Minute)
	expires := signed.Add(draft.AccessDuration)
	draft.State = contracts.AgreementActive
	draft.SignedAt = &signed
	draft.ExpiresAt = &expires
	require.NoError(t, q.UpdateAgreement(ctx, draft, 1))
	assert.ErrorIs(t, q.UpdateAgreement(ctx, draft, 1), store.ErrVersionConflict)

	due, err := q.ListActiveAgreementsExpiredAt(ctx, expires, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	notYet, err := q.ListActiveAgreementsExpiredAt(ctx, expires.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	listed, err := q.ListAgreements(ctx, store.AgreementFilter{SignerID: "alice", State: contracts.AgreementActive})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestGrants_FindValidRequiresActiveAgreement(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	agr := activeAgreement("agr-1", "req-1", "alice")
	require.NoError(t, q.InsertAgreement(ctx, agr))

	expires := t0.Add(24 * time.Hour)
	g := &contracts.AccessGrant{
		ID: "g-1", GranteeID: "alice", AssetID: "asset-1", Tier: contracts.TierStandard,
		AgreementID: "agr-1", GrantedAt: t0, ExpiresAt: &expires,
	}
	require.NoError(t, q.InsertGrant(ctx, g))
	assert.ErrorIs(t, q.InsertGrant(ctx, &contracts.AccessGrant{
		ID: "g-2", GranteeID: "alice", AssetID: "asset-1", Tier: contracts.TierBasic,
		AgreementID: "agr-1", GrantedAt: t0,
	}), store.ErrDuplicate)

	found, err := q.FindValidGrant(ctx, "alice", "asset-1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "g-1", found.ID)

	_, err = q.FindValidGrant(ctx, "alice", "asset-1", expires)
	assert.ErrorIs(t, err, store.ErrNotFound, "grant is invalid at its expiry instant")

	agr.State = contracts.AgreementRevoked
	require.NoError(t, q.UpdateAgreement(ctx, agr, agr.Version))
	_, err = q.FindValidGrant(ctx, "alice", "asset-1", t0.Add(time.Hour))
	assert.ErrorIs(t, err, store.ErrNotFound)

	expired, err := q.ListExpiredUnrevokedGrants(ctx, expires, 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestGrants_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	require.NoError(t, q.InsertGrant(ctx, &contracts.AccessGrant{
		ID: "g-1", GranteeID: "alice", AssetID: "asset-1", Tier: contracts.TierBasic,
		AgreementID: "agr-1", GrantedAt: t0,
	}))

	changed, err := q.RevokeGrant(ctx, "g-1", t0.Add(time.Hour), contracts.GrantReasonRevoked)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = q.RevokeGrant(ctx, "g-1", t0.Add(2*time.Hour), contracts.GrantReasonExpired)
	require.NoError(t, err)
	assert.False(t, changed)

	g, err := q.GetGrant(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.GrantReasonRevoked, g.RevocationReason)
	require.NotNil(t, g.RevokedAt)
	assert.Equal(t, t0.Add(time.Hour), *g.RevokedAt)

	remaining, err := q.ListUnrevokedGrantsByAgreement(ctx, "agr-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	history, err := q.ListGrantsByAgreement(ctx, "agr-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAuditEntries_SequenceIsUnique(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.InsertAuditEntry(ctx, &contracts.AuditEntry{
			ID: "e-" + string(rune('0'+i)), SubjectType: contracts.SubjectRequest, SubjectID: "req-1",
			Sequence: i, FromState: "a", ToState: "b", ActorID: "alice", Timestamp: t0,
			Metadata: map[string]string{"n": string(rune('0' + i))}, PreviousHash: "p", EntryHash: "h",
		}))
	}
	err := q.InsertAuditEntry(ctx, &contracts.AuditEntry{
		ID: "dup", SubjectType: contracts.SubjectRequest, SubjectID: "req-1", Sequence: 2, Timestamp: t0,
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	last, err := q.LastAuditEntry(ctx, contracts.SubjectRequest, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last.Sequence)
	assert.Equal(t, "3", last.Metadata["n"])

	page, err := q.ListAuditEntries(ctx, contracts.SubjectRequest, "req-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Sequence)

	_, err = q.LastAuditEntry(ctx, contracts.SubjectGrant, "none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTemplates_DefaultSwitches(t *testing.T) {
	ctx := context.Background()
	q := storetest.Open(t).Queries()

	for _, tpl := range []*contracts.Template{
		{ID: "t-1", OwnerID: "owner", Name: "standard", Tier: contracts.TierBasic, Version: "1.0.0",
			Body: "Hello {{signer}}", BodyHash: "h1", Variables: []string{"signer"}, IsDefault: true, Active: true,
			CreatedBy: "owner", CreatedAt: t0},
		{ID: "t-2", OwnerID: "owner", Name: "strict", Tier: contracts.TierBasic, Version: "1.0.0",
			Body: "Strict", BodyHash: "h2", Active: true, CreatedBy: "owner", CreatedAt: t0},
	} {
		require.NoError(t, q.InsertTemplate(ctx, tpl))
	}
	assert.ErrorIs(t, q.InsertTemplate(ctx, &contracts.Template{
		ID: "t-3", OwnerID: "owner", Name: "strict", Tier: contracts.TierBasic, Version: "1.0.0",
		CreatedBy: "owner", CreatedAt: t0,
	}), store.ErrDuplicate)

	require.NoError(t, q.SetTemplateDefault(ctx, "owner", "strict", contracts.TierBasic))

	yes := true
	defaults, err := q.ListTemplates(ctx, store.TemplateFilter{OwnerID: "owner", IsDefault: &yes})
	require.NoError(t, err)
	require.Len(t, defaults, 1)
	assert.Equal(t, "t-2", defaults[0].ID)

	require.NoError(t, q.SetTemplateActive(ctx, "t-1", false))
	got, err := q.GetTemplate(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, []string{"signer"}, got.Variables)

	assert.ErrorIs(t, q.SetTemplateActive(ctx, "nope", true), store.ErrNotFound)
	assert.ErrorIs(t, q.SetTemplateDefault(ctx, "owner", "nope", contracts.TierBasic), store.ErrNotFound)
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := storetest.Open(t)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertRequest(ctx, pendingRequest("req-1", "alice")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Queries().GetRequest(ctx, "req-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
