package scheduler

import (
	"context"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/notify"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

func (s *Scheduler) pendingRequests(ctx context.Context, q *store.Queries) ([]string, error) {
	list, err := q.ListPendingRequestsBefore(ctx, s.requests.PendingCutoff(), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *Scheduler) expireRequest(ctx context.Context, q *store.Queries, id string) (bool, *contracts.Event, error) {
	req, err := s.requests.ExpireTx(ctx, q, id)
	if err != nil || req == nil {
		return false, nil, err
	}
	ev := notify.New(contracts.EventRequestExpired, contracts.SubjectRequest, req.ID, req.AssetID,
		contracts.ActorScheduler, s.clock(), req.RequesterID, req.OwnerID)
	return true, &ev, nil
}

func (s *Scheduler) staleDrafts(ctx context.Context, q *store.Queries) ([]string, error) {
	list, err := q.ListDraftedAgreementsBefore(ctx, s.ledger.DraftCutoff(), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	return agreementIDs(list), nil
}

func (s *Scheduler) expireDraft(ctx context.Context, q *store.Queries, id string) (bool, *contracts.Event, error) {
	agr, err := s.ledger.ExpireDraftTx(ctx, q, id)
	if err != nil || agr == nil {
		return false, nil, err
	}
	return true, s.agreementExpired(agr), nil
}

func (s *Scheduler) endedAgreements(ctx context.Context, q *store.Queries) ([]string, error) {
	list, err := q.ListActiveAgreementsExpiredAt(ctx, s.clock().UTC(), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	return agreementIDs(list), nil
}

func (s *Scheduler) expireAgreement(ctx context.Context, q *store.Queries, id string) (bool, *contracts.Event, error) {
	agr, err := s.ledger.ExpireActiveTx(ctx, q, id)
	if err != nil || agr == nil {
		return false, nil, err
	}
	return true, s.agreementExpired(agr), nil
}

func (s *Scheduler) endedGrants(ctx context.Context, q *store.Queries) ([]string, error) {
	list, err := q.ListExpiredUnrevokedGrants(ctx, s.clock().UTC(), s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(list))
	for i, g := range list {
		ids[i] = g.ID
	}
	return ids, nil
}

// expireGrant catches grants whose own term ended; grants of expired
// agreements were already revoked by the agreement step. No event is
// emitted since the agreement expiry already announced it.
func (s *Scheduler) expireGrant(ctx context.Context, q *store.Queries, id string) (bool, *contracts.Event, error) {
	changed, err := s.grants.ExpireTx(ctx, q, id)
	return changed, nil, err
}

func agreementIDs(list []*contracts.Agreement) []string {
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	return ids
}

func (s *Scheduler) agreementExpired(agr *contracts.Agreement) *contracts.Event {
	ev := notify.New(contracts.EventAgreementExpired, contracts.SubjectAgreement, agr.ID, agr.AssetID,
		contracts.ActorScheduler, s.clock(), agr.SignerID, agr.CounterSignerID)
	return &ev
}
