package contracts

import "time"

// AgreementState is the lifecycle state of an Agreement. Transitions only
// move forward: drafted -> active -> revoked|expired, or drafted ->
// rejected|expired.
type AgreementState string

const (
	AgreementDrafted  AgreementState = "drafted"
	AgreementActive   AgreementState = "active"
	AgreementRejected AgreementState = "rejected"
	AgreementRevoked  AgreementState = "revoked"
	AgreementExpired  AgreementState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s AgreementState) Terminal() bool {
	return s == AgreementRejected || s == AgreementRevoked || s == AgreementExpired
}

// Attestation is the recorded act of signing: who, when, and from which client.
type Attestation struct {
	SignerID          string            `json:"signer_id"`
	SignedAt          time.Time         `json:"signed_at"`
	ClientFingerprint string            `json:"client_fingerprint"`
	ClientMetadata    map[string]string `json:"client_metadata,omitempty"`
}

// Agreement is the NDA record created once a request is approved.
type Agreement struct {
	ID              string         `json:"id"`
	RequestID       string         `json:"request_id"`
	AssetID         string         `json:"asset_id"`
	SignerID        string         `json:"signer_id"`
	CounterSignerID string         `json:"counter_signer_id"`
	Tier            Tier           `json:"tier"`
	TemplateID      string         `json:"template_id"`
	State           AgreementState `json:"state"`
	CreatedAt       time.Time      `json:"created_at"`

	// AccessDuration is fixed at approval and applied at signature.
	AccessDuration time.Duration `json:"access_duration,omitempty"`

	SignedAt    *time.Time   `json:"signed_at,omitempty"`
	Attestation *Attestation `json:"attestation,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`

	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`

	// DocumentRef points into the external object store; the bytes are never kept here.
	DocumentRef  string `json:"document_ref,omitempty"`
	DocumentHash string `json:"document_hash,omitempty"`

	Version int64 `json:"version"`
}

// ExpiredAt reports whether an active agreement's term has run out at now.
func (a *Agreement) ExpiredAt(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}
