package requests_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/artifacts"
	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/limiter"
	"github.com/Mindburn-Labs/ndagate/pkg/requests"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/store/storetest"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

type fixture struct {
	store    *store.Store
	recorder *audit.Recorder
	manager  *requests.Manager
	tpl      *templates.Manager
	now      time.Time
}

func newFixture(t *testing.T, policy requests.Policy) *fixture {
	t.Helper()
	f := &fixture{store: storetest.Open(t), now: time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	admins := contracts.NewAdmins("root")
	f.recorder = audit.NewRecorder(f.store).WithClock(clock)
	f.tpl = templates.NewManager(f.store, admins).WithClock(clock)
	ledger := agreements.NewLedger(agreements.Deps{
		Store:     f.store,
		Recorder:  f.recorder,
		Resolver:  templates.NewResolver(f.store),
		Templates: f.tpl,
		Grants:    grants.NewEngine(f.store, f.recorder).WithClock(clock),
		Objects:   artifacts.NewMemoryStore(),
		Admins:    admins,
	}, agreements.DefaultPolicy()).WithClock(clock)
	f.manager = requests.NewManager(requests.Deps{
		Store:    f.store,
		Recorder: f.recorder,
		Ledger:   ledger,
		Limiter:  limiter.NewMemoryStore().WithClock(clock),
		Admins:   admins,
	}, policy).WithClock(clock)

	ctx := context.Background()
	require.NoError(t, f.store.Queries().UpsertAsset(ctx, &contracts.Asset{ID: "A1", OwnerID: "owner", CreatedAt: f.now}))
	return f
}

func (f *fixture) ownerTemplate(t *testing.T, tier contracts.Tier) {
	t.Helper()
	_, err := f.tpl.Create(context.Background(), "owner", templates.CreateInput{
		OwnerID: "owner", Name: "nda", Tier: tier, Body: "NDA for {{asset_id}} with {{signer_id}}.", MakeDefault: true,
	})
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, requester string) *contracts.AccessRequest {
	t.Helper()
	res, err := f.manager.Submit(context.Background(), requests.SubmitInput{
		RequesterID: requester, AssetID: "A1", Tier: contracts.TierStandard, Justification: "due diligence",
	})
	require.NoError(t, err)
	return res.Request
}

func (f *fixture) history(t *testing.T, id string) []contracts.AuditEntry {
	t.Helper()
	entries, err := f.recorder.Entries(context.Background(), contracts.SubjectRequest, id)
	require.NoError(t, err)
	return entries
}

func TestSubmit_CreatesPendingAndIsIdempotent(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	ctx := context.Background()

	first, err := f.manager.Submit(ctx, requests.SubmitInput{RequesterID: "alice", AssetID: "A1", Tier: contracts.TierBasic})
	require.NoError(t, err)
	assert.False(t, first.Existing)
	assert.Equal(t, contracts.RequestPending, first.Request.State)
	assert.Equal(t, "owner", first.Request.OwnerID)
	assert.Equal(t, int64(1), first.Request.Version)

	again, err := f.manager.Submit(ctx, requests.SubmitInput{RequesterID: "alice", AssetID: "A1", Tier: contracts.TierEnhanced})
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, first.Request.ID, again.Request.ID)

	entries := f.history(t, first.Request.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "", entries[0].FromState)
	assert.Equal(t, "pending", entries[0].ToState)
	assert.Equal(t, "alice", entries[0].ActorID)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	ctx := context.Background()

	tests := []struct {
		name string
		in   requests.SubmitInput
		want error
	}{
		{"missing requester", requests.SubmitInput{AssetID: "A1", Tier: contracts.TierBasic}, contracts.ErrInvalidInput},
		{"bad tier", requests.SubmitInput{RequesterID: "alice", AssetID: "A1", Tier: "gold"}, contracts.ErrInvalidInput},
		{"unknown asset", requests.SubmitInput{RequesterID: "alice", AssetID: "nope", Tier: contracts.TierBasic}, contracts.ErrNotFound},
		{"self request", requests.SubmitInput{RequesterID: "owner", AssetID: "A1", Tier: contracts.TierBasic}, contracts.ErrSelfRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Submit(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	policy := requests.DefaultPolicy()
	policy.SubmitRate = limiter.Policy{PerHour: 1, Burst: 1}
	f := newFixture(t, policy)
	ctx := context.Background()
	require.NoError(t, f.store.Queries().UpsertAsset(ctx, &contracts.Asset{ID: "A2", OwnerID: "owner", CreatedAt: f.now}))

	f.submit(t, "alice")
	_, err := f.manager.Submit(ctx, requests.SubmitInput{RequesterID: "alice", AssetID: "A2", Tier: contracts.TierBasic})
	require.ErrorIs(t, err, contracts.ErrRateLimited)
	assert.Equal(t, contracts.KindConflict, contracts.KindOf(err))

	// Re-submitting the pending pair costs nothing.
	res, err := f.manager.Submit(ctx, requests.SubmitInput{RequesterID: "alice", AssetID: "A1", Tier: contracts.TierBasic})
	require.NoError(t, err)
	assert.True(t, res.Existing)
}

func TestRespond_ApproveDraftsAgreement(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	f.ownerTemplate(t, contracts.TierStandard)
	req := f.submit(t, "alice")

	res, err := f.manager.Respond(context.Background(), requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionApprove, Version: req.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestApproved, res.Request.State)
	assert.Equal(t, int64(2), res.Request.Version)
	require.NotNil(t, res.Agreement)
	assert.Equal(t, contracts.AgreementDrafted, res.Agreement.State)
	assert.Equal(t, "alice", res.Agreement.SignerID)
	assert.Equal(t, contracts.TierStandard, res.Agreement.Tier)

	entries := f.history(t, req.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, "approved", entries[1].ToState)
	assert.Equal(t, res.Agreement.ID, entries[1].Metadata["agreement_id"])
}

func TestRespond_RejectRecordsReason(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")

	res, err := f.manager.Respond(context.Background(), requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionReject, Version: req.Version, Reason: " not now ",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestRejected, res.Request.State)
	assert.Equal(t, "not now", res.Request.RejectionReason)
	assert.Nil(t, res.Agreement)
	assert.Equal(t, "not now", f.history(t, req.ID)[1].Metadata["reason"])
}

func TestRespond_AuthorizationDoesNotLeak(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	_, wrongActor := f.manager.Respond(ctx, requests.RespondInput{
		RequestID: req.ID, ResponderID: "mallory", Decision: contracts.DecisionApprove, Version: req.Version,
	})
	_, missing := f.manager.Respond(ctx, requests.RespondInput{
		RequestID: "does-not-exist", ResponderID: "mallory", Decision: contracts.DecisionApprove, Version: 1,
	})
	require.ErrorIs(t, wrongActor, contracts.ErrNotOwner)
	require.ErrorIs(t, missing, contracts.ErrNotOwner)
	assert.Equal(t, wrongActor.Error(), missing.Error())
}

func TestRespond_StaleVersionThenInvalidTransition(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	_, err := f.manager.Respond(ctx, requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionReject, Version: req.Version,
	})
	require.NoError(t, err)

	_, err = f.manager.Respond(ctx, requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionApprove, Version: req.Version,
	})
	require.ErrorIs(t, err, contracts.ErrStaleVersion)
	var cerr *contracts.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "rejected", cerr.State)
	assert.Equal(t, int64(2), cerr.Version)

	_, err = f.manager.Respond(ctx, requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionApprove, Version: cerr.Version,
	})
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)
}

func TestRespond_ConcurrentDecisionsExactlyOneWins(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	f.ownerTemplate(t, contracts.TierStandard)
	req := f.submit(t, "alice")

	decisions := []contracts.Decision{contracts.DecisionApprove, contracts.DecisionReject}
	errs := make([]error, len(decisions))
	var wg sync.WaitGroup
	for i, d := range decisions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.manager.Respond(context.Background(), requests.RespondInput{
				RequestID: req.ID, ResponderID: "owner", Decision: d, Version: req.Version,
			})
		}()
	}
	wg.Wait()

	var wins, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, contracts.ErrStaleVersion):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, stale)
	assert.Len(t, f.history(t, req.ID), 2)
}

func TestRespond_TemplateUnavailableKeepsApproval(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	res, err := f.manager.Respond(ctx, requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionApprove, Version: req.Version,
	})
	require.ErrorIs(t, err, contracts.ErrTemplateUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, contracts.RequestApproved, res.Request.State)
	assert.Nil(t, res.Agreement)

	stored, err := f.store.Queries().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestApproved, stored.State)
	_, err = f.store.Queries().GetAgreementByRequest(ctx, req.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "template_unavailable", f.history(t, req.ID)[1].Metadata["draft"])
}

func TestRespond_InvalidCustomTermsRollBackApproval(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	_, err := f.manager.Respond(ctx, requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionApprove, Version: req.Version,
		Options: contracts.ApproveOptions{CustomTerms: "Pay {{bank_account}}"},
	})
	require.ErrorIs(t, err, contracts.ErrInvalidInput)

	stored, err := f.store.Queries().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestPending, stored.State)
	assert.Len(t, f.history(t, req.ID), 1)
}

func TestRespond_AfterTTLIsExpired(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	f.now = f.now.Add(f.manager.Policy().PendingTTL)

	_, err := f.manager.Respond(context.Background(), requests.RespondInput{
		RequestID: req.ID, ResponderID: "owner", Decision: contracts.DecisionApprove, Version: req.Version,
	})
	require.ErrorIs(t, err, contracts.ErrExpired)
	assert.Equal(t, contracts.KindExpired, contracts.KindOf(err))
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	_, err := f.manager.Withdraw(ctx, req.ID, "owner")
	assert.ErrorIs(t, err, contracts.ErrNotOwner)

	got, err := f.manager.Withdraw(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.RequestWithdrawn, got.State)

	_, err = f.manager.Withdraw(ctx, req.ID, "alice")
	assert.ErrorIs(t, err, contracts.ErrInvalidTransition)

	// The pair is free again.
	res, err := f.manager.Submit(ctx, requests.SubmitInput{RequesterID: "alice", AssetID: "A1", Tier: contracts.TierBasic})
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.NotEqual(t, req.ID, res.Request.ID)
}

func TestExpireTx(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	expire := func() *contracts.AccessRequest {
		var out *contracts.AccessRequest
		require.NoError(t, f.store.InTx(ctx, func(q *store.Queries) error {
			var err error
			out, err = f.manager.ExpireTx(ctx, q, req.ID)
			return err
		}))
		return out
	}

	assert.Nil(t, expire())
	f.now = f.now.Add(f.manager.Policy().PendingTTL + time.Minute)
	assert.True(t, f.manager.PendingCutoff().After(req.CreatedAt))
	got := expire()
	require.NotNil(t, got)
	assert.Equal(t, contracts.RequestExpired, got.State)
	assert.Nil(t, expire())

	entries := f.history(t, req.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.ActorScheduler, entries[1].ActorID)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t, requests.DefaultPolicy())
	req := f.submit(t, "alice")
	ctx := context.Background()

	for _, actor := range []string{"alice", "owner", "root"} {
		got, err := f.manager.Get(ctx, req.ID, actor)
		require.NoError(t, err, actor)
		assert.Equal(t, req.ID, got.ID)
	}
	_, err := f.manager.Get(ctx, req.ID, "mallory")
	assert.ErrorIs(t, err, contracts.ErrNotOwner)

	owned, err := f.manager.List(ctx, "owner", requests.RoleOwner, contracts.RequestPending)
	require.NoError(t, err)
	assert.Len(t, owned, 1)
	mine, err := f.manager.List(ctx, "alice", requests.RoleOwner, "")
	require.NoError(t, err)
	assert.Empty(t, mine)
	_, err = f.manager.List(ctx, "alice", "boss", "")
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
}

func TestSubmit_StoreFailureIsDependency(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT id, owner_id, created_at FROM assets").
		WithArgs("A1").
		WillReturnError(errors.New("connection reset"))

	s := store.New(db, store.Postgres)
	m := requests.NewManager(requests.Deps{Store: s, Recorder: audit.NewRecorder(s)}, requests.DefaultPolicy())
	_, err = m.Submit(context.Background(), requests.SubmitInput{RequesterID: "alice", AssetID: "A1", Tier: contracts.TierBasic})
	require.ErrorIs(t, err, contracts.ErrDependency)
	assert.True(t, contracts.IsRetryable(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
