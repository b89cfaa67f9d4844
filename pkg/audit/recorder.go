// Package audit records every state transition of requests, agreements and
// grants as an append-only, hash-chained log.
//
// Record never runs on its own connection: it takes the transaction-bound
// store.Queries of the transition it describes, so a failed audit write
// rolls the transition back with it.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
)

// genesisHash is the previous hash of the first entry of every subject.
const genesisHash = "genesis"

// ErrChainBroken is returned by Verify when stored entries do not chain.
var ErrChainBroken = errors.New("audit chain broken")

// Transition describes one state change to be recorded.
type Transition struct {
	SubjectType contracts.SubjectType
	SubjectID   string
	From        string
	To          string
	ActorID     string
	Metadata    map[string]string
}

// Recorder writes and reads audit entries.
type Recorder struct {
	store    *store.Store
	clock    func() time.Time
	pageSize int
	logger   *slog.Logger
}

// NewRecorder creates a Recorder reading from s.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{
		store:    s,
		clock:    time.Now,
		pageSize: 100,
		logger:   slog.Default().With("component", "audit"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithPageSize sets how many entries History fetches per round trip.
func (r *Recorder) WithPageSize(n int) *Recorder {
	if n > 0 {
		r.pageSize = n
	}
	return r
}

// Record appends one entry for t using the caller's transaction. Any error
// must abort that transaction.
func (r *Recorder) Record(ctx context.Context, q *store.Queries, t Transition) (*contracts.AuditEntry, error) {
	if !t.SubjectType.Valid() {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "unknown audit subject type %q", t.SubjectType)
	}
	if t.SubjectID == "" || t.ActorID == "" || t.To == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "audit entry requires subject, actor and target state")
	}

	prevHash := genesisHash
	var seq int64 = 1
	last, err := q.LastAuditEntry(ctx, t.SubjectType, t.SubjectID)
	switch {
	case err == nil:
		prevHash = last.EntryHash
		seq = last.Sequence + 1
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, contracts.Dependency("read audit head", err)
	}

	entry := &contracts.AuditEntry{
		ID:          uuid.New().String(),
		SubjectType: t.SubjectType,
		SubjectID:   t.SubjectID,
		Sequence:    seq,
		FromState:   t.From,
		ToState:     t.To,
		ActorID:     t.ActorID,
		// Postgres keeps microseconds; truncating keeps the hash stable across a round trip.
		Timestamp:    r.clock().UTC().Truncate(time.Microsecond),
		Metadata:     t.Metadata,
		PreviousHash: prevHash,
	}
	entry.EntryHash, err = computeEntryHash(entry)
	if err != nil {
		return nil, contracts.Dependency("hash audit entry", err)
	}

	if err := q.InsertAuditEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, contracts.Conflict(contracts.CodeStaleVersion, t.SubjectID, t.From, seq,
				"concurrent audit append for %s %s", t.SubjectType, t.SubjectID)
		}
		return nil, contracts.Dependency("write audit entry", err)
	}

	r.logger.DebugContext(ctx, "transition recorded",
		"subject_type", t.SubjectType,
		"subject_id", t.SubjectID,
		"from", t.From,
		"to", t.To,
		"actor", t.ActorID,
		"seq", seq,
	)
	return entry, nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// computeEntryHash hashes every recorded field except the entry's own hash.
func computeEntryHash(e *contracts.AuditEntry) (string, error) {
	hashable := struct {
		SubjectType  contracts.SubjectType `json:"subject_type"`
		SubjectID    string                `json:"subject_id"`
		Sequence     int64                 `json:"sequence"`
		FromState    string                `json:"from_state"`
		ToState      string                `json:"to_state"`
		ActorID      string                `json:"actor_id"`
		Timestamp    time.Time             `json:"timestamp"`
		Metadata     map[string]string     `json:"metadata"`
		PreviousHash string                `json:"previous_hash"`
	}{
		SubjectType:  e.SubjectType,
		SubjectID:    e.SubjectID,
		Sequence:     e.Sequence,
		FromState:    e.FromState,
		ToState:      e.ToState,
		ActorID:      e.ActorID,
		Timestamp:    e.Timestamp.UTC(),
		Metadata:     e.Metadata,
		PreviousHash: e.PreviousHash,
	}
	if len(hashable.Metadata) == 0 {
		hashable.Metadata = nil
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	return computeHash(canonical), nil
}
