// Package agreements owns the agreement state machine: drafting on
// approval, signature, decline, revocation and expiry.
//
// Every transition runs in one store transaction together with its audit
// entry and, for sign/revoke/expire, the grant cascade.
package agreements

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ndagate/pkg/artifacts"
	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

// Policy holds the time limits the ledger enforces.
type Policy struct {
	// DraftGraceWindow is how long a draft may wait for a signature.
	DraftGraceWindow time.Duration
	// DefaultAccessDuration bounds agreements approved without an explicit
	// duration. Zero means no expiry.
	DefaultAccessDuration time.Duration
}

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{DraftGraceWindow: 14 * 24 * time.Hour}
}

// Ledger is the agreement ledger.
type Ledger struct {
	store     *store.Store
	recorder  *audit.Recorder
	resolver  *templates.Resolver
	templates *templates.Manager
	grants    *grants.Engine
	objects   artifacts.ObjectStore
	admins    contracts.Admins
	policy    Policy
	clock     func() time.Time
	logger    *slog.Logger
}

// Deps bundles the collaborators of a Ledger.
type Deps struct {
	Store     *store.Store
	Recorder  *audit.Recorder
	Resolver  *templates.Resolver
	Templates *templates.Manager
	Grants    *grants.Engine
	Objects   artifacts.ObjectStore
	Admins    contracts.Admins
}

// NewLedger creates a Ledger.
func NewLedger(d Deps, policy Policy) *Ledger {
	return &Ledger{
		store:     d.Store,
		recorder:  d.Recorder,
		resolver:  d.Resolver,
		templates: d.Templates,
		grants:    d.Grants,
		objects:   d.Objects,
		admins:    d.Admins,
		policy:    policy,
		clock:     time.Now,
		logger:    slog.Default().With("component", "agreements"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Policy reports the limits in force.
func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) now() time.Time {
	return l.clock().UTC().Truncate(time.Microsecond)
}

// DraftTx creates the drafted agreement for an approved request inside the
// approval transaction. Custom terms become a private template for this
// request; otherwise the owner's default for the tier is used, falling back
// to the platform's. With no template at all it returns TemplateUnavailable
// and writes nothing.
func (l *Ledger) DraftTx(ctx context.Context, q *store.Queries, req *contracts.AccessRequest, opts contracts.ApproveOptions, actorID string) (*contracts.Agreement, error) {
	if req.State != contracts.RequestApproved {
		return nil, contracts.Conflict(contracts.CodeInvalidTransition, req.ID, string(req.State), req.Version,
			"only approved requests can be drafted")
	}
	if opts.AccessDuration < 0 {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "access duration must not be negative")
	}

	var (
		tpl *contracts.Template
		err error
	)
	if opts.CustomTerms != "" {
		tpl, err = l.templates.CreateAdHocTx(ctx, q, req.OwnerID, req.ID, req.Tier, opts.CustomTerms)
	} else {
		tpl, err = l.resolver.ResolveTx(ctx, q, req.OwnerID, req.Tier)
	}
	if err != nil {
		return nil, err
	}

	duration := opts.AccessDuration
	if duration == 0 {
		duration = l.policy.DefaultAccessDuration
	}
	agr := &contracts.Agreement{
		ID:              uuid.New().String(),
		RequestID:       req.ID,
		AssetID:         req.AssetID,
		SignerID:        req.RequesterID,
		CounterSignerID: req.OwnerID,
		Tier:            req.Tier,
		TemplateID:      tpl.ID,
		State:           contracts.AgreementDrafted,
		CreatedAt:       l.now(),
		AccessDuration:  duration.Truncate(time.Second),
		Version:         1,
	}
	if err := q.InsertAgreement(ctx, agr); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, contracts.Conflict(contracts.CodeInvalidTransition, req.ID, string(req.State), req.Version,
				"request %s already has an agreement", req.ID)
		}
		return nil, contracts.Dependency("insert agreement", err)
	}

	meta := map[string]string{
		"request_id":       req.ID,
		"template_id":      tpl.ID,
		"template_version": tpl.Version,
	}
	if opts.CustomTerms != "" {
		meta["custom_terms"] = "true"
	}
	if _, err := l.recorder.Record(ctx, q, audit.Transition{
		SubjectType: contracts.SubjectAgreement,
		SubjectID:   agr.ID,
		To:          string(contracts.AgreementDrafted),
		ActorID:     actorID,
		Metadata:    meta,
	}); err != nil {
		return nil, err
	}
	l.logger.DebugContext(ctx, "agreement drafted", "agreement_id", agr.ID, "request_id", req.ID, "template_id", tpl.ID)
	return agr, nil
}

// Draft retries drafting for a request approved while no template was
// available. Only the owner may call it.
func (l *Ledger) Draft(ctx context.Context, requestID, ownerID string, opts contracts.ApproveOptions) (*contracts.Agreement, error) {
	var agr *contracts.Agreement
	err := l.store.InTx(ctx, func(q *store.Queries) error {
		req, err := q.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return contracts.Forbidden(contracts.CodeNotOwner)
			}
			return err
		}
		if req.OwnerID != ownerID {
			return contracts.Forbidden(contracts.CodeNotOwner)
		}
		if _, err := q.GetAgreementByRequest(ctx, requestID); err == nil {
			return contracts.Conflict(contracts.CodeInvalidTransition, req.ID, string(req.State), req.Version,
				"request %s already has an agreement", req.ID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		agr, err = l.DraftTx(ctx, q, req, opts, ownerID)
		return err
	})
	if err != nil {
		return nil, contracts.AsDependency("draft agreement", err)
	}
	return agr, nil
}

// loadAgreement fetches an agreement, mapping absence to denied.
func loadAgreement(ctx context.Context, q *store.Queries, id string, denied contracts.ErrorCode) (*contracts.Agreement, error) {
	agr, err := q.GetAgreement(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Forbidden(denied)
		}
		return nil, err
	}
	return agr, nil
}

// updateTx writes agr with the version it was read at and records the
// transition from prev.
func (l *Ledger) updateTx(ctx context.Context, q *store.Queries, agr *contracts.Agreement, prev contracts.AgreementState, actorID string, meta map[string]string) error {
	if err := q.UpdateAgreement(ctx, agr, agr.Version); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			current, gerr := q.GetAgreement(ctx, agr.ID)
			if gerr != nil {
				return contracts.Conflict(contracts.CodeStaleVersion, agr.ID, "", 0, "agreement changed concurrently")
			}
			return contracts.Conflict(contracts.CodeStaleVersion, agr.ID, string(current.State), current.Version,
				"agreement changed concurrently")
		case errors.Is(err, store.ErrDuplicate):
			return contracts.Conflict(contracts.CodeStaleVersion, agr.ID, string(prev), agr.Version,
				"another agreement became active for %s on %s", agr.SignerID, agr.AssetID)
		default:
			return contracts.Dependency("update agreement", err)
		}
	}
	_, err := l.recorder.Record(ctx, q, audit.Transition{
		SubjectType: contracts.SubjectAgreement,
		SubjectID:   agr.ID,
		From:        string(prev),
		To:          string(agr.State),
		ActorID:     actorID,
		Metadata:    meta,
	})
	return err
}

// Get returns an agreement to one of its parties or an admin.
func (l *Ledger) Get(ctx context.Context, id, actorID string) (*contracts.Agreement, error) {
	agr, err := loadAgreement(ctx, l.store.Queries(), id, contracts.CodeNotSigner)
	if err != nil {
		return nil, contracts.AsDependency("get agreement", err)
	}
	if !l.isParty(agr, actorID) {
		return nil, contracts.Forbidden(contracts.CodeNotSigner)
	}
	return agr, nil
}

// List returns agreements where actor is signer or counter-signer.
func (l *Ledger) List(ctx context.Context, actorID string, state contracts.AgreementState) ([]*contracts.Agreement, error) {
	if actorID == "" {
		return nil, contracts.Forbidden(contracts.CodeNotSigner)
	}
	q := l.store.Queries()
	signed, err := q.ListAgreements(ctx, store.AgreementFilter{SignerID: actorID, State: state})
	if err != nil {
		return nil, contracts.Dependency("list agreements", err)
	}
	owned, err := q.ListAgreements(ctx, store.AgreementFilter{CounterSignerID: actorID, State: state})
	if err != nil {
		return nil, contracts.Dependency("list agreements", err)
	}
	return append(signed, owned...), nil
}

// Document returns the stored signed document of an agreement.
func (l *Ledger) Document(ctx context.Context, id, actorID string) ([]byte, error) {
	agr, err := l.Get(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	if agr.DocumentRef == "" {
		return nil, contracts.Errorf(contracts.CodeNotFound, "agreement %s has no signed document", id)
	}
	data, err := l.objects.Get(ctx, agr.DocumentRef)
	if err != nil {
		return nil, contracts.Dependency("fetch signed document", err)
	}
	return data, nil
}

func (l *Ledger) isParty(agr *contracts.Agreement, actorID string) bool {
	return actorID != "" && (actorID == agr.SignerID || actorID == agr.CounterSignerID || l.admins.Has(actorID))
}
