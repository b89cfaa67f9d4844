package grants

import (
	"context"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// SectionRule is the visibility rule of one content section. The set of
// rules is closed: Hidden, RequiresTier and AlwaysVisible.
type SectionRule interface {
	isSectionRule()
}

// Hidden sections are never revealed through the gate.
type Hidden struct{}

// RequiresTier sections are revealed to holders of a grant at Tier or above.
type RequiresTier struct {
	Tier contracts.Tier
}

// AlwaysVisible sections need no grant.
type AlwaysVisible struct{}

func (Hidden) isSectionRule()        {}
func (RequiresTier) isSectionRule()  {}
func (AlwaysVisible) isSectionRule() {}

// Rule kinds as they appear on the wire.
const (
	RuleHidden        = "hidden"
	RuleRequiresTier  = "requires_tier"
	RuleAlwaysVisible = "always_visible"
)

// ParseRule builds a rule from its wire form.
func ParseRule(kind, tier string) (SectionRule, error) {
	switch kind {
	case RuleHidden:
		return Hidden{}, nil
	case RuleAlwaysVisible:
		return AlwaysVisible{}, nil
	case RuleRequiresTier:
		t, err := contracts.ParseTier(tier)
		if err != nil {
			return nil, contracts.Errorf(contracts.CodeInvalidInput, "section rule: %v", err)
		}
		return RequiresTier{Tier: t}, nil
	default:
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "unknown section rule %q", kind)
	}
}

// Section pairs a content section id with its rule.
type Section struct {
	ID   string
	Rule SectionRule
}

// Visible reports whether a section with rule is revealed to a holder of
// granted. An empty granted tier means no valid grant.
func Visible(rule SectionRule, granted contracts.Tier) bool {
	switch r := rule.(type) {
	case AlwaysVisible:
		return true
	case Hidden:
		return false
	case RequiresTier:
		return granted.Satisfies(r.Tier)
	default:
		return false
	}
}

// FilterSections returns, in input order, the ids of the sections grantee
// may see on asset.
func (e *Engine) FilterSections(ctx context.Context, granteeID, assetID string, sections []Section) ([]string, error) {
	g, err := e.lookup(ctx, granteeID, assetID)
	if err != nil {
		return nil, err
	}
	var granted contracts.Tier
	if g != nil {
		granted = g.Tier
	}
	visible := make([]string, 0, len(sections))
	for _, s := range sections {
		if Visible(s.Rule, granted) {
			visible = append(visible, s.ID)
		}
	}
	return visible, nil
}
