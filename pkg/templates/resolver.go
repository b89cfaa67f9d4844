// Package templates resolves, administers and renders agreement templates.
//
// Template rows are immutable once written. Revising a template inserts a
// new version; agreements keep pointing at the exact row they were drafted
// with, so later edits never change a past agreement's text.
package templates

import (
	"context"
	"errors"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// Resolver picks the template a new agreement is drafted with.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a Resolver over s.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the owner's active default template for tier, else the
// platform's, else a TemplateUnavailable error. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, tier contracts.Tier) (*contracts.Template, error) {
	return r.ResolveTx(ctx, r.store.Queries(), ownerID, tier)
}

// ResolveTx is Resolve bound to the caller's transaction.
func (r *Resolver) ResolveTx(ctx context.Context, q *store.Queries, ownerID string, tier contracts.Tier) (*contracts.Template, error) {
	if !tier.Valid() {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "unknown tier %q", tier)
	}
	for _, owner := range []string{ownerID, contracts.PlatformOwner} {
		if owner == "" {
			continue
		}
		t, err := latestDefault(ctx, q, owner, tier)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, contracts.Dependency("resolve template", err)
		}
	}
	return nil, contracts.Errorf(contracts.CodeTemplateUnavailable,
		"no %s template configured for owner %s and no platform fallback", tier, ownerID)
}

// latestDefault returns the highest active version among the owner's
// default templates for the tier. Ties on version break by name.
func latestDefault(ctx context.Context, q *store.Queries, ownerID string, tier contracts.Tier) (*contracts.Template, error) {
	yes := true
	list, err := q.ListTemplates(ctx, store.TemplateFilter{
		OwnerID:   ownerID,
		Tier:      tier,
		Active:    &yes,
		IsDefault: &yes,
	})
	if err != nil {
		return nil, err
	}

	type versioned struct {
		v *semver.Version
		t *contracts.Template
	}
	var candidates []versioned
	for _, t := range list {
		v, err := semver.NewVersion(t.Version)
		if err != nil {
			continue
		}
		candidates = append(candidates, versioned{v: v, t: t})
	}
	if len(candidates) == 0 {
		return nil, store.ErrNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].v.Equal(candidates[j].v) {
			return candidates[i].v.GreaterThan(candidates[j].v)
		}
		return candidates[i].t.Name < candidates[j].t.Name
	})
	return candidates[0].t, nil
}
