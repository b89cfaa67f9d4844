package contracts

import "time"

// PlatformOwner owns the platform-wide fallback templates.
const PlatformOwner = "platform"

// Template is a named, versioned agreement text with {{variable}} slots.
// A template row is immutable once written; revisions create new rows.
type Template struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	Version   string    `json:"version"`
	Body      string    `json:"body"`
	BodyHash  string    `json:"body_hash"`
	Variables []string  `json:"variables,omitempty"`
	IsDefault bool      `json:"is_default"`
	Active    bool      `json:"active"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}
