package contracts

import "time"

// SubjectType names the kind of entity an audit entry describes.
type SubjectType string

const (
	SubjectRequest   SubjectType = "request"
	SubjectAgreement SubjectType = "agreement"
	SubjectGrant     SubjectType = "grant"
)

// Valid reports whether s is a known subject type.
func (s SubjectType) Valid() bool {
	return s == SubjectRequest || s == SubjectAgreement || s == SubjectGrant
}

// ActorScheduler is the actor id recorded for sweep transitions.
const ActorScheduler = "scheduler"

// ActorSystem is the actor id recorded for cascades the system performs on
// its own, such as superseding an older agreement.
const ActorSystem = "system"

// AuditEntry is an immutable record of one state transition.
type AuditEntry struct {
	ID          string            `json:"id"`
	SubjectType SubjectType       `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Sequence    int64             `json:"sequence"`
	FromState   string            `json:"from_state"`
	ToState     string            `json:"to_state"`
	ActorID     string            `json:"actor_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// PreviousHash and EntryHash chain the entries of one subject.
	PreviousHash string `json:"previous_hash"`
	EntryHash    string `json:"entry_hash"`
}
