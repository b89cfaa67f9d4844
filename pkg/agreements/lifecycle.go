package agreements

import (
	"context"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// Decline lets the signer refuse a drafted agreement. It ends in rejected.
func (l *Ledger) Decline(ctx context.Context, agreementID, signerID, reason string) (*contracts.Agreement, error) {
	var agr *contracts.Agreement
	err := l.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		agr, err = loadAgreement(ctx, q, agreementID, contracts.CodeNotSigner)
		if err != nil {
			return err
		}
		if agr.SignerID != signerID {
			return contracts.Forbidden(contracts.CodeNotSigner)
		}
		if agr.State != contracts.AgreementDrafted {
			return contracts.Conflict(contracts.CodeInvalidTransition, agr.ID, string(agr.State), agr.Version,
				"only drafted agreements can be declined")
		}
		now := l.now()
		agr.State = contracts.AgreementRejected
		agr.EndedAt = &now
		var meta map[string]string
		if reason = strings.TrimSpace(reason); reason != "" {
			meta = map[string]string{"reason": reason}
		}
		return l.updateTx(ctx, q, agr, contracts.AgreementDrafted, signerID, meta)
	})
	if err != nil {
		return nil, contracts.AsDependency("decline agreement", err)
	}
	return agr, nil
}

// RevokeResult reports a revocation and how many grants it cascaded to.
type RevokeResult struct {
	Agreement     *contracts.Agreement
	GrantsRevoked int
}

// Revoke ends an active agreement at the owner's or an admin's request and
// revokes its grants in the same transaction.
func (l *Ledger) Revoke(ctx context.Context, agreementID, actorID, reason string) (*RevokeResult, error) {
	var res RevokeResult
	err := l.store.InTx(ctx, func(q *store.Queries) error {
		agr, err := loadAgreement(ctx, q, agreementID, contracts.CodeNotOwner)
		if err != nil {
			return err
		}
		if actorID == "" || (agr.CounterSignerID != actorID && !l.admins.Has(actorID)) {
			return contracts.Forbidden(contracts.CodeNotOwner)
		}
		if agr.State != contracts.AgreementActive {
			return contracts.Conflict(contracts.CodeInvalidTransition, agr.ID, string(agr.State), agr.Version,
				"only active agreements can be revoked")
		}

		now := l.now()
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = contracts.GrantReasonRevoked
		}
		agr.State = contracts.AgreementRevoked
		agr.RevokedAt = &now
		agr.RevokedBy = actorID
		agr.RevocationReason = reason
		agr.EndedAt = &now
		if err := l.updateTx(ctx, q, agr, contracts.AgreementActive, actorID, map[string]string{"reason": reason}); err != nil {
			return err
		}
		n, err := l.grants.RevokeForTx(ctx, q, agr.ID, contracts.GrantReasonRevoked, actorID)
		if err != nil {
			return err
		}
		res = RevokeResult{Agreement: agr, GrantsRevoked: n}
		return nil
	})
	if err != nil {
		return nil, contracts.AsDependency("revoke agreement", err)
	}
	l.logger.InfoContext(ctx, "agreement revoked", "agreement_id", agreementID, "actor", actorID, "grants", res.GrantsRevoked)
	return &res, nil
}

// ExpireDraftTx expires one unsigned draft whose grace window has closed.
// It re-reads the row and returns false when the draft is no longer
// eligible, for example because it was signed in the meantime.
func (l *Ledger) ExpireDraftTx(ctx context.Context, q *store.Queries, agreementID string) (*contracts.Agreement, error) {
	agr, err := q.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, contracts.AsDependency("load agreement", err)
	}
	now := l.now()
	if agr.State != contracts.AgreementDrafted || !l.pastGrace(agr, now) {
		return nil, nil
	}
	agr.State = contracts.AgreementExpired
	agr.EndedAt = &now
	if err := l.updateTx(ctx, q, agr, contracts.AgreementDrafted, contracts.ActorScheduler, map[string]string{
		"reason": "grace_window",
	}); err != nil {
		return nil, err
	}
	return agr, nil
}

// ExpireActiveTx expires one active agreement whose term has ended and
// revokes its grants.
func (l *Ledger) ExpireActiveTx(ctx context.Context, q *store.Queries, agreementID string) (*contracts.Agreement, error) {
	agr, err := q.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, contracts.AsDependency("load agreement", err)
	}
	now := l.now()
	if agr.State != contracts.AgreementActive || !agr.ExpiredAt(now) {
		return nil, nil
	}
	agr.State = contracts.AgreementExpired
	agr.EndedAt = &now
	if err := l.updateTx(ctx, q, agr, contracts.AgreementActive, contracts.ActorScheduler, map[string]string{
		"expires_at": agr.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	if _, err := l.grants.RevokeForTx(ctx, q, agr.ID, contracts.GrantReasonExpired, contracts.ActorScheduler); err != nil {
		return nil, err
	}
	return agr, nil
}

// DraftCutoff is the creation time before which drafts are past their grace window.
func (l *Ledger) DraftCutoff() time.Time {
	return l.now().Add(-l.policy.DraftGraceWindow)
}
