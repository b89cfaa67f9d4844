package agreements_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/artifacts"
	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/store/storetest"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

const platformBody = "NDA {{agreement_id}} on {{asset_id}} between {{owner_id}} and {{signer_id}} at tier {{tier}}.\nSigned {{signed_at}}. Ends {{expires_at}}.\n"

type fixture struct {
	store    *store.Store
	recorder *audit.Recorder
	grants   *grants.Engine
	manager  *templates.Manager
	objects  *artifacts.MemoryStore
	ledger   *agreements.Ledger
	now      time.Time
}

func newFixture(t *testing.T, withTemplate bool) *fixture {
	t.Helper()
	f := &fixture{store: storetest.Open(t), objects: artifacts.NewMemoryStore(), now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	admins := contracts.NewAdmins("root")
	f.recorder = audit.NewRecorder(f.store).WithClock(clock)
	f.grants = grants.NewEngine(f.store, f.recorder).WithClock(clock)
	f.manager = templates.NewManager(f.store, admins).WithClock(clock)
	f.ledger = agreements.NewLedger(agreements.Deps{
		Store:     f.store,
		Recorder:  f.recorder,
		Resolver:  templates.NewResolver(f.store),
		Templates: f.manager,
		Grants:    f.grants,
		Objects:   f.objects,
		Admins:    admins,
	}, agreements.DefaultPolicy()).WithClock(clock)

	if withTemplate {
		for _, tier := range contracts.Tiers {
			_, err := f.manager.Create(context.Background(), "root", templates.CreateInput{
				OwnerID: contracts.PlatformOwner, Name: "standard-nda", Tier: tier, Body: platformBody, MakeDefault: true,
			})
			require.NoError(t, err)
		}
	}
	return f
}

// approve stores an approved request and drafts its agreement the way the
// request manager does on approval.
func (f *fixture) approve(t *testing.T, id, requester string, tier contracts.Tier, opts contracts.ApproveOptions) (*contracts.Agreement, error) {
	t.Helper()
	ctx := context.Background()
	responded := f.now
	req := &contracts.AccessRequest{
		ID: id, AssetID: "asset-1", RequesterID: requester, OwnerID: "owner", Tier: tier,
		State: contracts.RequestApproved, CreatedAt: f.now, RespondedAt: &responded, ResponderID: "owner", Version: 2,
	}
	var agr *contracts.Agreement
	err := f.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertRequest(ctx, req); err != nil {
			return err
		}
		var err error
		agr, err = f.ledger.DraftTx(ctx, q, req, opts, "owner")
		return err
	})
	return agr, err
}

func (f *fixture) mustDraft(t *testing.T, id, requester string, tier contracts.Tier) *contracts.Agreement {
	t.Helper()
	agr, err := f.approve(t, id, requester, tier, contracts.ApproveOptions{})
	require.NoError(t, err)
	return agr
}

func sign(t *testing.T, f *fixture, agr *contracts.Agreement) *agreements.SignResult {
	t.Helper()
	res, err := f.ledger.Sign(context.Background(), agr.ID, agr.SignerID, agreements.SignInput{ClientFingerprint: "fp-1"})
	require.NoError(t, err)
	return res
}

func states(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	entries, err := f.recorder.Entries(context.Background(), contracts.SubjectAgreement, id)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.FromState+">"+e.ToState)
	}
	return out
}

func TestDraftTx_NoTemplateWritesNothing(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.approve(t, "req-1", "alice", contracts.TierBasic, contracts.ApproveOptions{})
	require.ErrorIs(t, err, contracts.ErrTemplateUnavailable)

	_, err = f.store.Queries().GetAgreementByRequest(context.Background(), "req-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.Queries().GetRequest(context.Background(), "req-1")
	assert.ErrorIs(t, err, store.ErrNotFound, "approval rolled back with the failed draft")
}

func TestDraftTx_CustomTermsUseAdHocTemplate(t *testing.T) {
	f := newFixture(t, false)

	agr, err := f.approve(t, "req-1", "alice", contracts.TierStandard, contracts.ApproveOptions{
		CustomTerms:    "Alice keeps {{asset_id}} secret.",
		AccessDuration: 48 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementDrafted, agr.State)
	assert.Equal(t, 48*time.Hour, agr.AccessDuration)

	tpl, err := f.store.Queries().GetTemplate(context.Background(), agr.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, "custom/req-1", tpl.Name)
	assert.Equal(t, []string{">drafted"}, states(t, f, agr.ID))
}

func TestDraft_RetryAfterTemplateAppears(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	req := &contracts.AccessRequest{
		ID: "req-1", AssetID: "asset-1", RequesterID: "alice", OwnerID: "owner", Tier: contracts.TierBasic,
		State: contracts.RequestApproved, CreatedAt: f.now, Version: 2,
	}
	require.NoError(t, f.store.Queries().InsertRequest(ctx, req))

	_, err := f.ledger.Draft(ctx, "req-1", "owner", contracts.ApproveOptions{})
	require.ErrorIs(t, err, contracts.ErrTemplateUnavailable)

	_, err = f.manager.Create(ctx, "owner", templates.CreateInput{
		OwnerID: "owner", Name: "mine", Tier: contracts.TierBasic, Body: "Keep {{asset_id}} quiet.", MakeDefault: true,
	})
	require.NoError(t, err)

	_, err = f.ledger.Draft(ctx, "req-1", "mallory", contracts.ApproveOptions{})
	assert.ErrorIs(t, err, contracts.ErrNotOwner)

	agr, err := f.ledger.Draft(ctx, "req-1", "owner", contracts.ApproveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", agr.SignerID)

	_, err = f.ledger.Draft(ctx, "req-1", "owner", contracts.ApproveOptions{})
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestSign_ActivatesAndStoresDocument(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierStandard)

	f.now = f.now.Add(time.Hour)
	res := sign(t, f, agr)

	got := res.Agreement
	assert.Equal(t, contracts.AgreementActive, got.State)
	require.NotNil(t, got.SignedAt)
	assert.True(t, got.SignedAt.Equal(f.now))
	require.NotNil(t, got.Attestation)
	assert.Equal(t, "fp-1", got.Attestation.ClientFingerprint)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, res.Superseded)

	require.NotNil(t, res.Grant)
	assert.Equal(t, "alice", res.Grant.GranteeID)
	assert.Equal(t, contracts.TierStandard, res.Grant.Tier)

	doc, err := f.ledger.Document(ctx, got.ID, "alice")
	require.NoError(t, err)
	sum := sha256.Sum256(doc)
	assert.Equal(t, hex.EncodeToString(sum[:]), got.DocumentHash)
	assert.Equal(t, artifacts.Ref(doc), got.DocumentRef)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Contains(t, parsed["text"], "between owner and alice at tier standard")
	assert.Equal(t, "ndagate.agreement/v1", parsed["kind"])

	_, err = f.ledger.Document(ctx, got.ID, "mallory")
	assert.ErrorIs(t, err, contracts.ErrNotSigner)

	check, err := f.grants.Check(ctx, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	assert.Equal(t, []string{">drafted", "drafted>active"}, states(t, f, got.ID))
	require.NoError(t, f.recorder.Verify(ctx, contracts.SubjectAgreement, got.ID))
}

func TestSign_RolledBackSignatureLeavesNoDocument(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierStandard)

	_, err := f.store.DB().ExecContext(ctx,
		`CREATE TRIGGER fail_grants BEFORE INSERT ON access_grants BEGIN SELECT RAISE(ABORT, 'grant insert failed'); END`)
	require.NoError(t, err)

	_, err = f.ledger.Sign(ctx, agr.ID, "alice", agreements.SignInput{ClientFingerprint: "fp-1"})
	require.Error(t, err)
	assert.Equal(t, contracts.KindDependency, contracts.KindOf(err))
	assert.Equal(t, 0, f.objects.Len())

	got, err := f.ledger.Get(ctx, agr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementDrafted, got.State)
	assert.Empty(t, got.DocumentRef)
}

func TestSign_Rejections(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierBasic)

	_, err := f.ledger.Sign(ctx, agr.ID, "bob", agreements.SignInput{ClientFingerprint: "fp"})
	assert.ErrorIs(t, err, contracts.ErrNotSigner)

	_, err = f.ledger.Sign(ctx, "missing", "alice", agreements.SignInput{ClientFingerprint: "fp"})
	assert.ErrorIs(t, err, contracts.ErrNotSigner)
	assert.Equal(t, "NotSigner: not permitted", err.Error())

	_, err = f.ledger.Sign(ctx, agr.ID, "alice", agreements.SignInput{})
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)

	sign(t, f, agr)
	_, err = f.ledger.Sign(ctx, agr.ID, "alice", agreements.SignInput{ClientFingerprint: "fp"})
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestSign_AfterGraceWindowIsExpired(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierBasic)

	f.now = f.now.Add(f.ledger.Policy().DraftGraceWindow)
	_, err := f.ledger.Sign(ctx, agr.ID, "alice", agreements.SignInput{ClientFingerprint: "fp"})
	require.ErrorIs(t, err, contracts.ErrExpired)

	var cerr *contracts.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, string(contracts.AgreementDrafted), cerr.State)

	stored, err := f.store.Queries().GetAgreement(ctx, agr.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementDrafted, stored.State)
	assert.Equal(t, int64(1), stored.Version)
	assert.Zero(t, f.objects.Len())
}

func TestSign_SupersedesOlderAgreement(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first := f.mustDraft(t, "req-1", "alice", contracts.TierBasic)
	firstRes := sign(t, f, first)

	second := f.mustDraft(t, "req-2", "alice", contracts.TierEnhanced)
	res := sign(t, f, second)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, first.ID, res.Superseded.ID)

	old, err := f.store.Queries().GetAgreement(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementRevoked, old.State)
	assert.Equal(t, contracts.GrantReasonSuperseded, old.RevocationReason)
	assert.Equal(t, contracts.ActorSystem, old.RevokedBy)

	oldGrant, err := f.store.Queries().GetGrant(ctx, firstRes.Grant.ID)
	require.NoError(t, err)
	assert.NotNil(t, oldGrant.RevokedAt)

	check, err := f.grants.Check(ctx, "alice", "asset-1", contracts.TierEnhanced)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, res.Grant.ID, check.GrantID)
}

func TestDecline(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierBasic)

	_, err := f.ledger.Decline(ctx, agr.ID, "owner", "")
	assert.ErrorIs(t, err, contracts.ErrNotSigner)

	got, err := f.ledger.Decline(ctx, agr.ID, "alice", "not needed")
	require.NoError(t, err)
	assert.Equal(t, contracts.AgreementRejected, got.State)
	assert.NotNil(t, got.EndedAt)

	_, err = f.ledger.Sign(ctx, agr.ID, "alice", agreements.SignInput{ClientFingerprint: "fp"})
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestRevoke_CascadesToGrants(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierStandard)
	res := sign(t, f, agr)

	_, err := f.ledger.Revoke(ctx, agr.ID, "alice", "")
	assert.ErrorIs(t, err, contracts.ErrNotOwner)
	_, err = f.ledger.Revoke(ctx, "missing", "owner", "")
	assert.ErrorIs(t, err, contracts.ErrNotOwner)

	f.now = f.now.Add(time.Minute)
	out, err := f.ledger.Revoke(ctx, agr.ID, "owner", "breach")
	require.NoError(t, err)
	assert.Equal(t, 1, out.GrantsRevoked)
	assert.Equal(t, contracts.AgreementRevoked, out.Agreement.State)
	assert.Equal(t, "breach", out.Agreement.RevocationReason)

	g, err := f.store.Queries().GetGrant(ctx, res.Grant.ID)
	require.NoError(t, err)
	require.NotNil(t, g.RevokedAt)
	assert.Equal(t, contracts.GrantReasonRevoked, g.RevocationReason)

	check, err := f.grants.Check(ctx, "alice", "asset-1", contracts.TierBasic)
	require.NoError(t, err)
	assert.False(t, check.Allowed)

	_, err = f.ledger.Revoke(ctx, agr.ID, "root", "")
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestExpireActiveTx(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr, err := f.approve(t, "req-1", "alice", contracts.TierBasic, contracts.ApproveOptions{AccessDuration: time.Hour})
	require.NoError(t, err)
	res := sign(t, f, agr)
	require.NotNil(t, res.Agreement.ExpiresAt)

	expire := func() *contracts.Agreement {
		var out *contracts.Agreement
		require.NoError(t, f.store.InTx(ctx, func(q *store.Queries) error {
			var err error
			out, err = f.ledger.ExpireActiveTx(ctx, q, agr.ID)
			return err
		}))
		return out
	}

	assert.Nil(t, expire(), "not yet due")

	f.now = f.now.Add(time.Hour)
	got := expire()
	require.NotNil(t, got)
	assert.Equal(t, contracts.AgreementExpired, got.State)

	g, err := f.store.Queries().GetGrant(ctx, res.Grant.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.GrantReasonExpired, g.RevocationReason)

	assert.Nil(t, expire(), "second run is a no-op")
	assert.Equal(t, []string{">drafted", "drafted>active", "active>expired"}, states(t, f, agr.ID))
}

func TestExpireDraftTx(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierBasic)

	expire := func() *contracts.Agreement {
		var out *contracts.Agreement
		require.NoError(t, f.store.InTx(ctx, func(q *store.Queries) error {
			var err error
			out, err = f.ledger.ExpireDraftTx(ctx, q, agr.ID)
			return err
		}))
		return out
	}

	assert.Nil(t, expire())
	f.now = f.now.Add(f.ledger.Policy().DraftGraceWindow + time.Second)
	assert.True(t, f.ledger.DraftCutoff().After(agr.CreatedAt))

	got := expire()
	require.NotNil(t, got)
	assert.Equal(t, contracts.AgreementExpired, got.State)

	_, err := f.ledger.Sign(ctx, agr.ID, "alice", agreements.SignInput{ClientFingerprint: "fp"})
	assert.ErrorIs(t, err, contracts.ErrExpired)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	agr := f.mustDraft(t, "req-1", "alice", contracts.TierBasic)

	got, err := f.ledger.Get(ctx, agr.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, agr.ID, got.ID)

	_, err = f.ledger.Get(ctx, agr.ID, "mallory")
	assert.ErrorIs(t, err, contracts.ErrNotSigner)

	list, err := f.ledger.List(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = f.ledger.List(ctx, "owner", contracts.AgreementActive)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.ledger.Document(ctx, agr.ID, "alice")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
