package contracts

import "time"

// EventType names a notification emitted after a committed transition.
type EventType string

const (
	EventRequestSubmitted EventType = "request.submitted"
	EventRequestApproved  EventType = "request.approved"
	EventRequestRejected  EventType = "request.rejected"
	EventRequestWithdrawn EventType = "request.withdrawn"
	EventRequestExpired   EventType = "request.expired"

	EventAgreementDrafted  EventType = "agreement.drafted"
	EventDraftFailed       EventType = "agreement.draft_failed"
	EventAgreementSigned   EventType = "agreement.signed"
	EventAgreementDeclined EventType = "agreement.declined"
	EventAgreementRevoked  EventType = "agreement.revoked"
	EventAgreementExpired  EventType = "agreement.expired"
)

// Event is a fire-and-forget notification. Delivery is never confirmed and
// never affects the transition that produced it.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	SubjectType SubjectType       `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	AssetID     string            `json:"asset_id"`
	ActorID     string            `json:"actor_id"`
	Recipients  []string          `json:"recipients"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Data        map[string]string `json:"data,omitempty"`
}
