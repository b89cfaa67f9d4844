package audit

import (
	"context"
	"fmt"
	"iter"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// History returns the entries of one subject in sequence order. Entries are
// fetched page by page as the caller ranges; each range starts over from the
// first entry. Ranging stops after the first error.
func (r *Recorder) History(ctx context.Context, subjectType contracts.SubjectType, subjectID string) iter.Seq2[contracts.AuditEntry, error] {
	return func(yield func(contracts.AuditEntry, error) bool) {
		var after int64
		for {
			page, err := r.store.Queries().ListAuditEntries(ctx, subjectType, subjectID, after, r.pageSize)
			if err != nil {
				yield(contracts.AuditEntry{}, contracts.Dependency("read audit history", err))
				return
			}
			for _, e := range page {
				if !yield(*e, nil) {
					return
				}
				after = e.Sequence
			}
			if len(page) < r.pageSize {
				return
			}
		}
	}
}

// Entries collects the full history of a subject.
func (r *Recorder) Entries(ctx context.Context, subjectType contracts.SubjectType, subjectID string) ([]contracts.AuditEntry, error) {
	var out []contracts.AuditEntry
	for e, err := range r.History(ctx, subjectType, subjectID) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Verify walks the history of a subject and checks sequence continuity and
// the hash chain.
func (r *Recorder) Verify(ctx context.Context, subjectType contracts.SubjectType, subjectID string) error {
	expectedPrev := genesisHash
	var expectedSeq int64 = 1
	for e, err := range r.History(ctx, subjectType, subjectID) {
		if err != nil {
			return err
		}
		if e.Sequence != expectedSeq {
			return fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, expectedSeq, e.Sequence)
		}
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, expectedPrev)
		}
		computed, err := computeEntryHash(&e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
		expectedSeq++
	}
	return nil
}
