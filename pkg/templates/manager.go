package templates

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// customPrefix marks the ad-hoc templates built from an owner's custom terms.
const customPrefix = "custom/"

// Bump selects which semver component a revision increments.
type Bump string

const (
	BumpPatch Bump = "patch"
	BumpMinor Bump = "minor"
	BumpMajor Bump = "major"
)

// CreateInput describes a new template.
type CreateInput struct {
	OwnerID     string
	Name        string
	Tier        contracts.Tier
	Body        string
	Version     string // defaults to 1.0.0
	MakeDefault bool
}

// Manager creates and revises templates.
type Manager struct {
	store  *store.Store
	admins contracts.Admins
	clock  func() time.Time
	logger *slog.Logger
}

// NewManager creates a Manager. Admins may manage platform templates.
func NewManager(s *store.Store, admins contracts.Admins) *Manager {
	return &Manager{
		store:  s,
		admins: admins,
		clock:  time.Now,
		logger: slog.Default().With("component", "templates"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) canManage(actorID, ownerID string) bool {
	if actorID == "" {
		return false
	}
	if ownerID == contracts.PlatformOwner {
		return m.admins.Has(actorID)
	}
	return actorID == ownerID || m.admins.Has(actorID)
}

// Create stores the first version of a template.
func (m *Manager) Create(ctx context.Context, actorID string, in CreateInput) (*contracts.Template, error) {
	if !m.canManage(actorID, in.OwnerID) {
		return nil, contracts.Forbidden(contracts.CodeNotOwner)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.HasPrefix(name, customPrefix) {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "template name %q is empty or reserved", in.Name)
	}
	version := in.Version
	if version == "" {
		version = "1.0.0"
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "invalid template version %q: %v", version, err)
	}

	t, err := m.build(in.OwnerID, name, in.Tier, v.String(), in.Body, actorID)
	if err != nil {
		return nil, err
	}
	t.IsDefault = in.MakeDefault

	err = m.store.InTx(ctx, func(q *store.Queries) error {
		if err := q.InsertTemplate(ctx, t); err != nil {
			return err
		}
		if t.IsDefault {
			return q.SetTemplateDefault(ctx, t.OwnerID, t.Name, t.Tier)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, contracts.Errorf(contracts.CodeInvalidInput,
				"template %s (%s) version %s already exists", name, t.Tier, t.Version)
		}
		return nil, contracts.AsDependency("create template", err)
	}
	m.logger.InfoContext(ctx, "template created", "template_id", t.ID, "owner", t.OwnerID, "name", t.Name, "version", t.Version)
	return t, nil
}

// Revise stores a new version of the template identified by id, carrying
// over its name, tier and default flag. Versions are numbered per owner, name
// and tier. The old version stays untouched.
func (m *Manager) Revise(ctx context.Context, actorID, id, body string, bump Bump) (*contracts.Template, error) {
	var next *contracts.Template
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		prev, err := m.loadManaged(ctx, q, actorID, id)
		if err != nil {
			return err
		}
		siblings, err := q.ListTemplates(ctx, store.TemplateFilter{OwnerID: prev.OwnerID, Name: prev.Name, Tier: prev.Tier})
		if err != nil {
			return err
		}
		latest := semver.MustParse("0.0.0")
		for _, s := range siblings {
			if v, err := semver.NewVersion(s.Version); err == nil && v.GreaterThan(latest) {
				latest = v
			}
		}
		var nv semver.Version
		switch bump {
		case BumpMajor:
			nv = latest.IncMajor()
		case BumpPatch:
			nv = latest.IncPatch()
		case BumpMinor, "":
			nv = latest.IncMinor()
		default:
			return contracts.Errorf(contracts.CodeInvalidInput, "unknown version bump %q", bump)
		}

		next, err = m.build(prev.OwnerID, prev.Name, prev.Tier, nv.String(), body, actorID)
		if err != nil {
			return err
		}
		next.IsDefault = prev.IsDefault
		return q.InsertTemplate(ctx, next)
	})
	if err != nil {
		return nil, contracts.AsDependency("revise template", err)
	}
	m.logger.InfoContext(ctx, "template revised", "template_id", next.ID, "name", next.Name, "version", next.Version)
	return next, nil
}

// SetDefault makes the template's name the owner's default for its tier.
func (m *Manager) SetDefault(ctx context.Context, actorID, id string) error {
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		t, err := m.loadManaged(ctx, q, actorID, id)
		if err != nil {
			return err
		}
		if !t.Active {
			return contracts.Errorf(contracts.CodeInvalidInput, "template %s is inactive", id)
		}
		return q.SetTemplateDefault(ctx, t.OwnerID, t.Name, t.Tier)
	})
	return contracts.AsDependency("set default template", err)
}

// Deactivate stops a template version from being resolved for new drafts.
func (m *Manager) Deactivate(ctx context.Context, actorID, id string) error {
	err := m.store.InTx(ctx, func(q *store.Queries) error {
		if _, err := m.loadManaged(ctx, q, actorID, id); err != nil {
			return err
		}
		return q.SetTemplateActive(ctx, id, false)
	})
	return contracts.AsDependency("deactivate template", err)
}

// List returns the templates of an owner. Only the owner and admins may list.
func (m *Manager) List(ctx context.Context, actorID, ownerID string) ([]*contracts.Template, error) {
	if !m.canManage(actorID, ownerID) && ownerID != contracts.PlatformOwner {
		return nil, contracts.Forbidden(contracts.CodeNotOwner)
	}
	list, err := m.store.Queries().ListTemplates(ctx, store.TemplateFilter{OwnerID: ownerID})
	if err != nil {
		return nil, contracts.Dependency("list templates", err)
	}
	return list, nil
}

// Get returns one template version.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.Template, error) {
	t, err := m.store.Queries().GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Errorf(contracts.CodeNotFound, "template %s not found", id)
		}
		return nil, contracts.Dependency("get template", err)
	}
	return t, nil
}

// CreateAdHocTx stores the owner's custom terms for one request as a
// private, non-default template inside the caller's transaction.
func (m *Manager) CreateAdHocTx(ctx context.Context, q *store.Queries, ownerID, requestID string, tier contracts.Tier, terms string) (*contracts.Template, error) {
	t, err := m.build(ownerID, customPrefix+requestID, tier, "1.0.0", terms, ownerID)
	if err != nil {
		return nil, err
	}
	if err := q.InsertTemplate(ctx, t); err != nil {
		return nil, contracts.Dependency("store custom terms", err)
	}
	return t, nil
}

// loadManaged fetches a template the actor may manage. Missing and foreign
// templates produce the same error.
func (m *Manager) loadManaged(ctx context.Context, q *store.Queries, actorID, id string) (*contracts.Template, error) {
	t, err := q.GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Forbidden(contracts.CodeNotOwner)
		}
		return nil, err
	}
	if !m.canManage(actorID, t.OwnerID) {
		return nil, contracts.Forbidden(contracts.CodeNotOwner)
	}
	return t, nil
}

func (m *Manager) build(ownerID, name string, tier contracts.Tier, version, body, actorID string) (*contracts.Template, error) {
	if ownerID == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "template owner is required")
	}
	if !tier.Valid() {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "unknown tier %q", tier)
	}
	normalized := NormalizeBody(body)
	if strings.TrimSpace(normalized) == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "template body is empty")
	}
	vars := ExtractVariables(normalized)
	if err := validateVariables(vars); err != nil {
		return nil, err
	}
	return &contracts.Template{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		Tier:      tier,
		Version:   version,
		Body:      normalized,
		BodyHash:  BodyHash(normalized),
		Variables: vars,
		Active:    true,
		CreatedBy: actorID,
		CreatedAt: m.clock().UTC().Truncate(time.Microsecond),
	}, nil
}
