// Package nda is the NDA gate's service facade. It wires the lifecycle
// components over one store, traces every operation and emits notification
// events once the transition that produced them has committed.
package nda

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/artifacts"
	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/limiter"
	"github.com/Mindburn-Labs/ndagate/pkg/notify"
	"github.com/Mindburn-Labs/ndagate/pkg/observability"
	"github.com/Mindburn-Labs/ndagate/pkg/requests"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store   *store.Store
	Objects artifacts.ObjectStore
	// Notifier defaults to notify.Discard.
	Notifier notify.Notifier
	// Limiter is optional; nil disables submission throttling.
	Limiter limiter.Store
	Admins  contracts.Admins
	// Telemetry defaults to a disabled provider.
	Telemetry *observability.Provider
}

// Policy groups the lifecycle limits.
type Policy struct {
	Requests   requests.Policy
	Agreements agreements.Policy
}

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{Requests: requests.DefaultPolicy(), Agreements: agreements.DefaultPolicy()}
}

// Service is the NDA gate.
type Service struct {
	store     *store.Store
	recorder  *audit.Recorder
	resolver  *templates.Resolver
	templates *templates.Manager
	grants    *grants.Engine
	ledger    *agreements.Ledger
	requests  *requests.Manager
	notifier  notify.Notifier
	telemetry *observability.Provider
	admins    contracts.Admins
	clock     func() time.Time
	logger    *slog.Logger
}

// New wires a Service.
func New(ctx context.Context, d Deps, p Policy) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("nda: store is required")
	}
	if d.Objects == nil {
		return nil, errors.New("nda: object store is required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard
	}
	if d.Telemetry == nil {
		t, err := observability.New(ctx, nil)
		if err != nil {
			return nil, err
		}
		d.Telemetry = t
	}

	s := &Service{
		store:     d.Store,
		recorder:  audit.NewRecorder(d.Store),
		resolver:  templates.NewResolver(d.Store),
		templates: templates.NewManager(d.Store, d.Admins),
		notifier:  d.Notifier,
		telemetry: d.Telemetry,
		admins:    d.Admins,
		clock:     time.Now,
		logger:    slog.Default().With("component", "nda"),
	}
	s.grants = grants.NewEngine(d.Store, s.recorder)
	s.ledger = agreements.NewLedger(agreements.Deps{
		Store:     d.Store,
		Recorder:  s.recorder,
		Resolver:  s.resolver,
		Templates: s.templates,
		Grants:    s.grants,
		Objects:   d.Objects,
		Admins:    d.Admins,
	}, p.Agreements)
	s.requests = requests.NewManager(requests.Deps{
		Store:    d.Store,
		Recorder: s.recorder,
		Ledger:   s.ledger,
		Limiter:  d.Limiter,
		Admins:   d.Admins,
	}, p.Requests)
	return s, nil
}

// WithClock overrides the clock of every component.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.recorder.WithClock(clock)
	s.templates.WithClock(clock)
	s.grants.WithClock(clock)
	s.ledger.WithClock(clock)
	s.requests.WithClock(clock)
	return s
}

// Components, for the scheduler and the binary.

func (s *Service) Store() *store.Store                { return s.store }
func (s *Service) Requests() *requests.Manager        { return s.requests }
func (s *Service) Ledger() *agreements.Ledger         { return s.ledger }
func (s *Service) Grants() *grants.Engine             { return s.grants }
func (s *Service) Recorder() *audit.Recorder          { return s.recorder }
func (s *Service) Notifier() notify.Notifier          { return s.notifier }
func (s *Service) Telemetry() *observability.Provider { return s.telemetry }

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *Service) emit(ctx context.Context, e contracts.Event) {
	s.notifier.Emit(context.WithoutCancel(ctx), e)
}

// RegisterAsset records who owns an asset. Only admins may call it; the
// content system registers assets through an admin principal.
func (s *Service) RegisterAsset(ctx context.Context, actorID, assetID, ownerID string) (_ *contracts.Asset, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.RegisterAsset", observability.AttrAssetID.String(assetID))
	defer func() { done(err) }()

	if !s.admins.Has(actorID) {
		return nil, contracts.Forbidden(contracts.CodeNotOwner)
	}
	assetID, ownerID = strings.TrimSpace(assetID), strings.TrimSpace(ownerID)
	if assetID == "" || ownerID == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "asset id and owner id are required")
	}
	a := &contracts.Asset{ID: assetID, OwnerID: ownerID, CreatedAt: s.now()}
	if err := s.store.Queries().UpsertAsset(ctx, a); err != nil {
		return nil, contracts.Dependency("register asset", err)
	}
	s.logger.InfoContext(ctx, "asset registered", "asset_id", assetID, "owner_id", ownerID)
	return a, nil
}

// SubmitRequest files an access request and tells the owner.
func (s *Service) SubmitRequest(ctx context.Context, in requests.SubmitInput) (_ *requests.SubmitResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.SubmitRequest",
		observability.AccessCheck(in.AssetID, in.Tier)...)
	defer func() { done(err) }()

	res, err := s.requests.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	if !res.Existing {
		r := res.Request
		s.emit(ctx, notify.New(contracts.EventRequestSubmitted, contracts.SubjectRequest, r.ID, r.AssetID,
			r.RequesterID, r.CreatedAt, r.OwnerID))
	}
	return res, nil
}

// RespondToRequest records the owner's decision. On approval the requester
// learns about the drafted agreement; when no template exists the approval
// stands, the owner is told the draft failed, and the error is returned with
// the result.
func (s *Service) RespondToRequest(ctx context.Context, in requests.RespondInput) (_ *requests.RespondResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.RespondToRequest",
		observability.Subject(contracts.SubjectRequest, in.RequestID)...)
	defer func() { done(err) }()

	res, err := s.requests.Respond(ctx, in)
	if res == nil {
		return nil, err
	}
	r := res.Request
	at := s.now()
	if r.RespondedAt != nil {
		at = *r.RespondedAt
	}
	switch r.State {
	case contracts.RequestApproved:
		s.emit(ctx, notify.New(contracts.EventRequestApproved, contracts.SubjectRequest, r.ID, r.AssetID,
			in.ResponderID, at, r.RequesterID))
	case contracts.RequestRejected:
		e := notify.New(contracts.EventRequestRejected, contracts.SubjectRequest, r.ID, r.AssetID,
			in.ResponderID, at, r.RequesterID)
		if r.RejectionReason != "" {
			e.Data = map[string]string{"reason": r.RejectionReason}
		}
		s.emit(ctx, e)
	}
	switch {
	case res.Agreement != nil:
		s.emitDrafted(ctx, res.Agreement, in.ResponderID)
	case errors.Is(err, contracts.ErrTemplateUnavailable):
		e := notify.New(contracts.EventDraftFailed, contracts.SubjectRequest, r.ID, r.AssetID,
			in.ResponderID, at, r.OwnerID)
		e.Data = map[string]string{"tier": string(r.Tier), "reason": string(contracts.CodeTemplateUnavailable)}
		s.emit(ctx, e)
	}
	return res, err
}

// WithdrawRequest lets the requester cancel a pending request.
func (s *Service) WithdrawRequest(ctx context.Context, requestID, requesterID string) (_ *contracts.AccessRequest, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.WithdrawRequest",
		observability.Subject(contracts.SubjectRequest, requestID)...)
	defer func() { done(err) }()

	r, err := s.requests.Withdraw(ctx, requestID, requesterID)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.New(contracts.EventRequestWithdrawn, contracts.SubjectRequest, r.ID, r.AssetID,
		requesterID, s.now(), r.OwnerID))
	return r, nil
}

// DraftAgreement retries the draft of an approved request that has none.
func (s *Service) DraftAgreement(ctx context.Context, requestID, ownerID string, opts contracts.ApproveOptions) (_ *contracts.Agreement, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.DraftAgreement",
		observability.Subject(contracts.SubjectRequest, requestID)...)
	defer func() { done(err) }()

	agr, err := s.ledger.Draft(ctx, requestID, ownerID, opts)
	if err != nil {
		return nil, err
	}
	s.emitDrafted(ctx, agr, ownerID)
	return agr, nil
}

func (s *Service) emitDrafted(ctx context.Context, agr *contracts.Agreement, actorID string) {
	e := notify.New(contracts.EventAgreementDrafted, contracts.SubjectAgreement, agr.ID, agr.AssetID,
		actorID, agr.CreatedAt, agr.SignerID)
	e.Data = map[string]string{"request_id": agr.RequestID, "tier": string(agr.Tier)}
	s.emit(ctx, e)
}

// SignAgreement activates a draft and grants access.
func (s *Service) SignAgreement(ctx context.Context, agreementID, signerID string, in agreements.SignInput) (_ *agreements.SignResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.SignAgreement",
		observability.Subject(contracts.SubjectAgreement, agreementID)...)
	defer func() { done(err) }()

	res, err := s.ledger.Sign(ctx, agreementID, signerID, in)
	if err != nil {
		return nil, err
	}
	agr := res.Agreement
	e := notify.New(contracts.EventAgreementSigned, contracts.SubjectAgreement, agr.ID, agr.AssetID,
		signerID, *agr.SignedAt, agr.CounterSignerID, agr.SignerID)
	e.Data = map[string]string{"tier": string(agr.Tier)}
	if res.Grant != nil {
		e.Data["grant_id"] = res.Grant.ID
	}
	s.emit(ctx, e)
	if old := res.Superseded; old != nil {
		s.emitRevoked(ctx, old, contracts.ActorSystem)
	}
	return res, nil
}

// DeclineAgreement lets the signer refuse a draft.
func (s *Service) DeclineAgreement(ctx context.Context, agreementID, signerID, reason string) (_ *contracts.Agreement, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.DeclineAgreement",
		observability.Subject(contracts.SubjectAgreement, agreementID)...)
	defer func() { done(err) }()

	agr, err := s.ledger.Decline(ctx, agreementID, signerID, reason)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.New(contracts.EventAgreementDeclined, contracts.SubjectAgreement, agr.ID, agr.AssetID,
		signerID, s.now(), agr.CounterSignerID))
	return agr, nil
}

// RevokeAgreement ends an active agreement and its grants.
func (s *Service) RevokeAgreement(ctx context.Context, agreementID, actorID, reason string) (_ *agreements.RevokeResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.RevokeAgreement",
		observability.Subject(contracts.SubjectAgreement, agreementID)...)
	defer func() { done(err) }()

	res, err := s.ledger.Revoke(ctx, agreementID, actorID, reason)
	if err != nil {
		return nil, err
	}
	s.emitRevoked(ctx, res.Agreement, actorID)
	return res, nil
}

func (s *Service) emitRevoked(ctx context.Context, agr *contracts.Agreement, actorID string) {
	at := s.now()
	if agr.RevokedAt != nil {
		at = *agr.RevokedAt
	}
	e := notify.New(contracts.EventAgreementRevoked, contracts.SubjectAgreement, agr.ID, agr.AssetID,
		actorID, at, agr.SignerID, agr.CounterSignerID)
	e.Data = map[string]string{"reason": agr.RevocationReason}
	s.emit(ctx, e)
}

// CheckAccess is the authorization gate: may grantee see asset at tier?
func (s *Service) CheckAccess(ctx context.Context, granteeID, assetID string, tier contracts.Tier) (_ contracts.CheckResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.CheckAccess", observability.AccessCheck(assetID, tier)...)
	defer func() { done(err) }()

	res, err := s.grants.Check(ctx, granteeID, assetID, tier)
	if err == nil {
		s.telemetry.RecordAccessDecision(ctx, tier, res.Allowed)
	}
	return res, err
}

// FilterSections returns the ids of the sections grantee may see.
func (s *Service) FilterSections(ctx context.Context, granteeID, assetID string, sections []grants.Section) (_ []string, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.FilterSections", observability.AttrAssetID.String(assetID))
	defer func() { done(err) }()

	return s.grants.FilterSections(ctx, granteeID, assetID, sections)
}
