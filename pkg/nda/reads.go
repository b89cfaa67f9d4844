package nda

import (
	"context"
	"errors"
	"iter"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/requests"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

// GetRequest returns a request to one of its parties or an admin.
func (s *Service) GetRequest(ctx context.Context, id, actorID string) (*contracts.AccessRequest, error) {
	return s.requests.Get(ctx, id, actorID)
}

// ListRequests lists the requests actor owns or filed, optionally by state.
func (s *Service) ListRequests(ctx context.Context, actorID string, role requests.Role, state contracts.RequestState) ([]*contracts.AccessRequest, error) {
	return s.requests.List(ctx, actorID, role, state)
}

// GetAgreement returns an agreement to one of its parties or an admin.
func (s *Service) GetAgreement(ctx context.Context, id, actorID string) (*contracts.Agreement, error) {
	return s.ledger.Get(ctx, id, actorID)
}

// ListAgreements lists the agreements actor is a party to.
func (s *Service) ListAgreements(ctx context.Context, actorID string, state contracts.AgreementState) ([]*contracts.Agreement, error) {
	return s.ledger.List(ctx, actorID, state)
}

// AgreementDocument fetches the signed document bytes.
func (s *Service) AgreementDocument(ctx context.Context, id, actorID string) ([]byte, error) {
	return s.ledger.Document(ctx, id, actorID)
}

// ListGrants returns the grants actor holds.
func (s *Service) ListGrants(ctx context.Context, actorID string) ([]*contracts.AccessGrant, error) {
	if actorID == "" {
		return nil, contracts.Forbidden(contracts.CodeNotSigner)
	}
	return s.grants.ListForGrantee(ctx, actorID)
}

// History returns the audit trail of a subject, lazily, to a party of that
// subject or an admin.
func (s *Service) History(ctx context.Context, actorID string, subjectType contracts.SubjectType, subjectID string) (iter.Seq2[contracts.AuditEntry, error], error) {
	if err := s.canViewSubject(ctx, actorID, subjectType, subjectID); err != nil {
		return nil, err
	}
	return s.recorder.History(ctx, subjectType, subjectID), nil
}

// ExportHistory returns a verified evidence archive of a subject's trail and
// its sha256 checksum.
func (s *Service) ExportHistory(ctx context.Context, actorID string, subjectType contracts.SubjectType, subjectID string) ([]byte, string, error) {
	if err := s.canViewSubject(ctx, actorID, subjectType, subjectID); err != nil {
		return nil, "", err
	}
	return s.recorder.GeneratePack(ctx, subjectType, subjectID)
}

func (s *Service) canViewSubject(ctx context.Context, actorID string, subjectType contracts.SubjectType, subjectID string) error {
	switch subjectType {
	case contracts.SubjectRequest:
		return s.requests.CanView(ctx, subjectID, actorID)
	case contracts.SubjectAgreement:
		_, err := s.ledger.Get(ctx, subjectID, actorID)
		return err
	case contracts.SubjectGrant:
		g, err := s.store.Queries().GetGrant(ctx, subjectID)
		if errors.Is(err, store.ErrNotFound) {
			return contracts.Forbidden(contracts.CodeNotSigner)
		}
		if err != nil {
			return contracts.Dependency("load grant", err)
		}
		_, err = s.ledger.Get(ctx, g.AgreementID, actorID)
		return err
	default:
		return contracts.Errorf(contracts.CodeInvalidInput, "unknown subject type %q", subjectType)
	}
}

// Template administration.

// CreateTemplate adds a template. Owners manage their own; admins manage the
// platform's.
func (s *Service) CreateTemplate(ctx context.Context, actorID string, in templates.CreateInput) (_ *contracts.Template, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.CreateTemplate")
	defer func() { done(err) }()
	return s.templates.Create(ctx, actorID, in)
}

// ReviseTemplate writes a new version of a template.
func (s *Service) ReviseTemplate(ctx context.Context, actorID, id, body string, bump templates.Bump) (_ *contracts.Template, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.ReviseTemplate")
	defer func() { done(err) }()
	return s.templates.Revise(ctx, actorID, id, body, bump)
}

// SetDefaultTemplate makes a template the default for its owner and tier.
func (s *Service) SetDefaultTemplate(ctx context.Context, actorID, id string) (err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.SetDefaultTemplate")
	defer func() { done(err) }()
	return s.templates.SetDefault(ctx, actorID, id)
}

// DeactivateTemplate stops a template from resolving.
func (s *Service) DeactivateTemplate(ctx context.Context, actorID, id string) (err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "nda.DeactivateTemplate")
	defer func() { done(err) }()
	return s.templates.Deactivate(ctx, actorID, id)
}

// ListTemplates lists an owner's templates.
func (s *Service) ListTemplates(ctx context.Context, actorID, ownerID string) ([]*contracts.Template, error) {
	return s.templates.List(ctx, actorID, ownerID)
}

// ResolveTemplate reports which template a new draft for owner and tier
// would use.
func (s *Service) ResolveTemplate(ctx context.Context, ownerID string, tier contracts.Tier) (*contracts.Template, error) {
	return s.resolver.Resolve(ctx, ownerID, tier)
}
