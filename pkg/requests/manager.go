// Package requests owns the access request state machine: submit,
// respond, withdraw and expire.
//
// Approval drafts the agreement in the same transaction. The one
// exception is a missing template: the approval still commits and the
// caller receives TemplateUnavailable alongside the approved request.
package requests

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/audit"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/limiter"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

const maxJustification = 4000

// Policy holds the request limits.
type Policy struct {
	// PendingTTL is how long a request may stay pending.
	PendingTTL time.Duration
	SubmitRate limiter.Policy
}

// DefaultPolicy returns the built-in limits.
func DefaultPolicy() Policy {
	return Policy{
		PendingTTL: 30 * 24 * time.Hour,
		SubmitRate: limiter.Policy{PerHour: 20, Burst: 5},
	}
}

// Deps bundles the collaborators of a Manager.
type Deps struct {
	Store    *store.Store
	Recorder *audit.Recorder
	Ledger   *agreements.Ledger
	// Limiter is optional; nil disables submission throttling.
	Limiter limiter.Store
	Admins  contracts.Admins
}

// Manager is the request manager.
type Manager struct {
	store    *store.Store
	recorder *audit.Recorder
	ledger   *agreements.Ledger
	limiter  limiter.Store
	admins   contracts.Admins
	policy   Policy
	clock    func() time.Time
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(d Deps, policy Policy) *Manager {
	return &Manager{
		store:    d.Store,
		recorder: d.Recorder,
		ledger:   d.Ledger,
		limiter:  d.Limiter,
		admins:   d.Admins,
		policy:   policy,
		clock:    time.Now,
		logger:   slog.Default().With("component", "requests"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Policy reports the limits in force.
func (m *Manager) Policy() Policy { return m.policy }

func (m *Manager) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

// SubmitInput is a viewer's access request.
type SubmitInput struct {
	RequesterID   string
	AssetID       string
	Tier          contracts.Tier
	Justification string
}

// SubmitResult is the pending request for the pair. Existing is true when
// the request was already pending and nothing new was written.
type SubmitResult struct {
	Request  *contracts.AccessRequest
	Existing bool
}

// Submit creates a pending request, or returns the one already pending for
// the same requester and asset.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	in.AssetID = strings.TrimSpace(in.AssetID)
	in.Justification = strings.TrimSpace(in.Justification)
	switch {
	case in.RequesterID == "":
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "requester is required")
	case in.AssetID == "":
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "asset is required")
	case !in.Tier.Valid():
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "unknown tier %q", in.Tier)
	case len(in.Justification) > maxJustification:
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "justification exceeds %d bytes", maxJustification)
	}

	q := m.store.Queries()
	asset, err := q.GetAsset(ctx, in.AssetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Errorf(contracts.CodeNotFound, "unknown asset %s", in.AssetID)
		}
		return nil, contracts.Dependency("get asset", err)
	}
	if asset.OwnerID == in.RequesterID {
		return nil, contracts.Errorf(contracts.CodeSelfRequest, "owners cannot request access to their own asset")
	}

	if existing, err := q.FindPendingRequest(ctx, in.RequesterID, in.AssetID); err == nil {
		return &SubmitResult{Request: existing, Existing: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Dependency("find pending request", err)
	}

	if m.limiter != nil {
		ok, err := m.limiter.Allow(ctx, in.RequesterID, m.policy.SubmitRate)
		if err != nil {
			return nil, contracts.Dependency("rate limiter", err)
		}
		if !ok {
			return nil, contracts.Errorf(contracts.CodeRateLimited, "too many access requests; try again later")
		}
	}

	req := &contracts.AccessRequest{
		ID:            uuid.New().String(),
		AssetID:       asset.ID,
		RequesterID:   in.RequesterID,
		OwnerID:       asset.OwnerID,
		Tier:          in.Tier,
		Justification: in.Justification,
		State:         contracts.RequestPending,
		CreatedAt:     m.now(),
		Version:       1,
	}
	err = m.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertRequest(ctx, req); err != nil {
			return err
		}
		_, err := m.recorder.Record(ctx, q, audit.Transition{
			SubjectType: contracts.SubjectRequest,
			SubjectID:   req.ID,
			To:          string(contracts.RequestPending),
			ActorID:     req.RequesterID,
			Metadata:    map[string]string{"asset_id": req.AssetID, "tier": string(req.Tier)},
		})
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent submit for the same pair.
		existing, ferr := m.store.Queries().FindPendingRequest(ctx, in.RequesterID, in.AssetID)
		if ferr != nil {
			return nil, contracts.Errorf(contracts.CodeDuplicateRequest,
				"a request for %s is already pending", in.AssetID)
		}
		return &SubmitResult{Request: existing, Existing: true}, nil
	}
	if err != nil {
		return nil, contracts.AsDependency("submit request", err)
	}
	m.logger.DebugContext(ctx, "request submitted", "request_id", req.ID, "asset_id", req.AssetID, "tier", req.Tier)
	return &SubmitResult{Request: req}, nil
}

// RespondInput is an owner's decision on a pending request.
type RespondInput struct {
	RequestID   string
	ResponderID string
	Decision    contracts.Decision
	// Version is the request version the decision was made against.
	Version int64
	Reason  string
	Options contracts.ApproveOptions
}

// RespondResult carries the updated request and, on approval, its draft.
type RespondResult struct {
	Request   *contracts.AccessRequest
	Agreement *contracts.Agreement
}

// Respond approves or rejects a pending request. The version check comes
// before the state check so that of two racing responses the loser always
// sees StaleVersion.
//
// When approval succeeds but no template resolves, the approval is kept,
// the result holds the approved request, and the returned error is
// TemplateUnavailable.
func (m *Manager) Respond(ctx context.Context, in RespondInput) (*RespondResult, error) {
	if !in.Decision.Valid() {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "decision must be approve or reject")
	}
	if in.Version <= 0 {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "version is required")
	}
	if in.Options.AccessDuration < 0 {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "access duration must not be negative")
	}

	var (
		res      RespondResult
		draftErr error
	)
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		req, err := q.GetRequest(ctx, in.RequestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return contracts.Forbidden(contracts.CodeNotOwner)
			}
			return err
		}
		if req.OwnerID != in.ResponderID {
			return contracts.Forbidden(contracts.CodeNotOwner)
		}
		if req.Version != in.Version {
			return contracts.Conflict(contracts.CodeStaleVersion, req.ID, string(req.State), req.Version,
				"request changed since version %d", in.Version)
		}
		if req.State != contracts.RequestPending {
			return contracts.Conflict(contracts.CodeInvalidTransition, req.ID, string(req.State), req.Version,
				"request is %s", req.State)
		}
		now := m.now()
		if m.pastTTL(req, now) {
			return contracts.Conflict(contracts.CodeExpired, req.ID, string(req.State), req.Version,
				"request expired; the requester must ask again")
		}

		req.RespondedAt = &now
		req.ResponderID = in.ResponderID
		meta := map[string]string{}
		if in.Decision == contracts.DecisionReject {
			req.State = contracts.RequestRejected
			req.RejectionReason = strings.TrimSpace(in.Reason)
			if req.RejectionReason != "" {
				meta["reason"] = req.RejectionReason
			}
		} else {
			req.State = contracts.RequestApproved
		}
		if err := m.updateTx(ctx, q, req, in.Version); err != nil {
			return err
		}

		if req.State == contracts.RequestApproved {
			agr, err := m.ledger.DraftTx(ctx, q, req, in.Options, in.ResponderID)
			switch {
			case errors.Is(err, contracts.ErrTemplateUnavailable):
				draftErr = err
				meta["draft"] = "template_unavailable"
			case err != nil:
				return err
			default:
				res.Agreement = agr
				meta["agreement_id"] = agr.ID
			}
		}
		res.Request = req
		return m.recordTx(ctx, q, req, contracts.RequestPending, in.ResponderID, meta)
	})
	if err != nil {
		return nil, contracts.AsDependency("respond to request", err)
	}
	m.logger.DebugContext(ctx, "request answered", "request_id", in.RequestID, "decision", in.Decision)
	if draftErr != nil {
		m.logger.WarnContext(ctx, "request approved without agreement", "request_id", in.RequestID, "error", draftErr)
		return &res, draftErr
	}
	return &res, nil
}

// Withdraw lets the requester cancel a pending request.
func (m *Manager) Withdraw(ctx context.Context, requestID, requesterID string) (*contracts.AccessRequest, error) {
	var req *contracts.AccessRequest
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		req, err = q.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return contracts.Forbidden(contracts.CodeNotOwner)
			}
			return err
		}
		if req.RequesterID != requesterID {
			return contracts.Forbidden(contracts.CodeNotOwner)
		}
		if req.State != contracts.RequestPending {
			return contracts.Conflict(contracts.CodeInvalidTransition, req.ID, string(req.State), req.Version,
				"only pending requests can be withdrawn")
		}
		now := m.now()
		req.State = contracts.RequestWithdrawn
		req.RespondedAt = &now
		req.ResponderID = requesterID
		if err := m.updateTx(ctx, q, req, req.Version); err != nil {
			return err
		}
		return m.recordTx(ctx, q, req, contracts.RequestPending, requesterID, nil)
	})
	if err != nil {
		return nil, contracts.AsDependency("withdraw request", err)
	}
	return req, nil
}

// ExpireTx expires one pending request past its TTL. It returns nil when
// the request is no longer eligible.
func (m *Manager) ExpireTx(ctx context.Context, q *store.Queries, requestID string) (*contracts.AccessRequest, error) {
	req, err := q.GetRequest(ctx, requestID)
	if err != nil {
		return nil, contracts.AsDependency("load request", err)
	}
	now := m.now()
	if req.State != contracts.RequestPending || !m.pastTTL(req, now) {
		return nil, nil
	}
	req.State = contracts.RequestExpired
	req.RespondedAt = &now
	req.ResponderID = contracts.ActorScheduler
	if err := m.updateTx(ctx, q, req, req.Version); err != nil {
		return nil, err
	}
	if err := m.recordTx(ctx, q, req, contracts.RequestPending, contracts.ActorScheduler, nil); err != nil {
		return nil, err
	}
	return req, nil
}

// PendingCutoff is the creation time before which pending requests are stale.
func (m *Manager) PendingCutoff() time.Time {
	return m.now().Add(-m.policy.PendingTTL)
}

func (m *Manager) pastTTL(req *contracts.AccessRequest, now time.Time) bool {
	return m.policy.PendingTTL > 0 && !now.Before(req.CreatedAt.Add(m.policy.PendingTTL))
}

func (m *Manager) updateTx(ctx context.Context, q *store.Queries, req *contracts.AccessRequest, expected int64) error {
	err := q.UpdateRequest(ctx, req, expected)
	if errors.Is(err, store.ErrVersionConflict) {
		current, gerr := q.GetRequest(ctx, req.ID)
		if gerr != nil {
			return contracts.Conflict(contracts.CodeStaleVersion, req.ID, "", 0, "request changed concurrently")
		}
		return contracts.Conflict(contracts.CodeStaleVersion, req.ID, string(current.State), current.Version,
			"request changed concurrently")
	}
	if err != nil {
		return contracts.Dependency("update request", err)
	}
	return nil
}

func (m *Manager) recordTx(ctx context.Context, q *store.Queries, req *contracts.AccessRequest, from contracts.RequestState, actorID string, meta map[string]string) error {
	_, err := m.recorder.Record(ctx, q, audit.Transition{
		SubjectType: contracts.SubjectRequest,
		SubjectID:   req.ID,
		From:        string(from),
		To:          string(req.State),
		ActorID:     actorID,
		Metadata:    meta,
	})
	return err
}
