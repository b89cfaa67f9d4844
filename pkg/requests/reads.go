package requests

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// Role selects which side of a request a listing is for.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleRequester Role = "requester"
)

// Get returns a request to its requester, its owner or an admin.
func (m *Manager) Get(ctx context.Context, id, actorID string) (*contracts.AccessRequest, error) {
	req, err := m.store.Queries().GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Forbidden(contracts.CodeNotOwner)
		}
		return nil, contracts.Dependency("get request", err)
	}
	if !m.isParty(req, actorID) {
		return nil, contracts.Forbidden(contracts.CodeNotOwner)
	}
	return req, nil
}

// List returns the actor's requests on the given side, optionally in one state.
func (m *Manager) List(ctx context.Context, actorID string, role Role, state contracts.RequestState) ([]*contracts.AccessRequest, error) {
	if actorID == "" {
		return nil, contracts.Forbidden(contracts.CodeNotOwner)
	}
	f := store.RequestFilter{State: state}
	switch role {
	case RoleOwner:
		f.OwnerID = actorID
	case RoleRequester:
		f.RequesterID = actorID
	default:
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "role must be owner or requester")
	}
	list, err := m.store.Queries().ListRequests(ctx, f)
	if err != nil {
		return nil, contracts.Dependency("list requests", err)
	}
	return list, nil
}

// CanView reports whether actor may read the request's history.
func (m *Manager) CanView(ctx context.Context, id, actorID string) error {
	_, err := m.Get(ctx, id, actorID)
	return err
}

func (m *Manager) isParty(req *contracts.AccessRequest, actorID string) bool {
	return actorID != "" && (actorID == req.RequesterID || actorID == req.OwnerID || m.admins.Has(actorID))
}
