package contracts

import "time"

// Grant revocation reasons.
const (
	GrantReasonRevoked    = "revoked"
	GrantReasonExpired    = "expired"
	GrantReasonSuperseded = "superseded"
)

// Grant audit states. Grants carry no state column; these names describe the
// transitions recorded for them.
const (
	GrantStateValid      = "valid"
	GrantStateRevoked    = "revoked"
	GrantStateExpired    = "expired"
	GrantStateSuperseded = "superseded"
)

// AccessGrant is the materialized, directly-checkable permission derived
// from an active agreement.
type AccessGrant struct {
	ID               string     `json:"id"`
	GranteeID        string     `json:"grantee_id"`
	AssetID          string     `json:"asset_id"`
	Tier             Tier       `json:"tier"`
	AgreementID      string     `json:"agreement_id"`
	GrantedAt        time.Time  `json:"granted_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// ValidAt reports whether the grant confers access at now, given the state
// of its granting agreement.
func (g *AccessGrant) ValidAt(now time.Time, agreement AgreementState) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return agreement == AgreementActive
}

// CheckResult is the answer of the authorization gate.
type CheckResult struct {
	Allowed     bool   `json:"allowed"`
	GrantedTier Tier   `json:"granted_tier,omitempty"`
	GrantID     string `json:"grant_id,omitempty"`
}
