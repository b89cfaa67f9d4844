package contracts

import "time"

// RequestState is the lifecycle state of an AccessRequest.
// Every state other than RequestPending is terminal.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestApproved  RequestState = "approved"
	RequestRejected  RequestState = "rejected"
	RequestWithdrawn RequestState = "withdrawn"
	RequestExpired   RequestState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool { return s != RequestPending }

// Decision is an owner's response to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool { return d == DecisionApprove || d == DecisionReject }

// Asset is the ownership record of a protected content unit. The asset's
// content lives in an external system; only its owner matters here.
type Asset struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessRequest is a viewer's ask to see the protected material of one asset.
type AccessRequest struct {
	ID              string       `json:"id"`
	AssetID         string       `json:"asset_id"`
	RequesterID     string       `json:"requester_id"`
	OwnerID         string       `json:"owner_id"`
	Tier            Tier         `json:"tier"`
	Justification   string       `json:"justification,omitempty"`
	State           RequestState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	RespondedAt     *time.Time   `json:"responded_at,omitempty"`
	ResponderID     string       `json:"responder_id,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`

	// Version is the optimistic concurrency counter. Writers present the
	// version they read; a mismatch means someone else got there first.
	Version int64 `json:"version"`
}

// ApproveOptions carries the optional owner choices attached to an approval.
type ApproveOptions struct {
	// CustomTerms, when set, become an ad-hoc template for this request only.
	CustomTerms string `json:"custom_terms,omitempty"`
	// AccessDuration bounds the resulting agreement. Zero means the policy default.
	AccessDuration time.Duration `json:"access_duration,omitempty"`
}
