package contracts

import (
	"fmt"
	"strings"
)

// Tier is an ordered NDA access level. Higher tiers reveal more of an asset.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierEnhanced Tier = "enhanced"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierBasic, TierStandard, TierEnhanced}

// ParseTier parses a tier name. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Rank returns the position of the tier in the total order, starting at 1.
// Unknown tiers rank 0 and therefore never satisfy a check.
func (t Tier) Rank() int {
	switch t {
	case TierBasic:
		return 1
	case TierStandard:
		return 2
	case TierEnhanced:
		return 3
	default:
		return 0
	}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool { return t.Rank() > 0 }

// Compare returns -1, 0 or +1 depending on whether t ranks below, equal to
// or above other.
func (t Tier) Compare(other Tier) int {
	a, b := t.Rank(), other.Rank()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether a grant at tier t covers a check for required.
func (t Tier) Satisfies(required Tier) bool {
	return t.Valid() && required.Valid() && t.Rank() >= required.Rank()
}

func (t Tier) String() string { return string(t) }
