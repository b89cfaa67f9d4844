// Package notify delivers lifecycle events to interested principals.
//
// Delivery is fire-and-forget. A Notifier never reports failure to its
// caller; it logs and moves on, so a broken transport can never undo a
// committed transition.
package notify

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// Notifier emits events.
type Notifier interface {
	Emit(ctx context.Context, e contracts.Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e contracts.Event)

func (f Func) Emit(ctx context.Context, e contracts.Event) { f(ctx, e) }

// Discard drops every event.
var Discard Notifier = Func(func(context.Context, contracts.Event) {})

// New fills the generated fields of an event.
func New(t contracts.EventType, subject contracts.SubjectType, subjectID, assetID, actorID string, at time.Time, recipients ...string) contracts.Event {
	return contracts.Event{
		ID:          uuid.New().String(),
		Type:        t,
		SubjectType: subject,
		SubjectID:   subjectID,
		AssetID:     assetID,
		ActorID:     actorID,
		Recipients:  dedupe(recipients),
		OccurredAt:  at.UTC(),
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier logs through logger, or the default logger when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Emit(ctx context.Context, e contracts.Event) {
	n.logger.InfoContext(ctx, "event",
		"event_id", e.ID,
		"type", e.Type,
		"subject_type", e.SubjectType,
		"subject_id", e.SubjectID,
		"asset_id", e.AssetID,
		"actor", e.ActorID,
		"recipients", e.Recipients,
	)
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, e contracts.Event) {
	for _, n := range m {
		if n != nil {
			n.Emit(ctx, e)
		}
	}
}
