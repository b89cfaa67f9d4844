package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

// EvidencePackManifest describes the contents of an exported history.
type EvidencePackManifest struct {
	SubjectType contracts.SubjectType `json:"subject_type"`
	SubjectID   string                `json:"subject_id"`
	GeneratedAt string                `json:"generated_at"`
	EntryCount  int                   `json:"entry_count"`
	ChainHead   string                `json:"chain_head"`
	Verified    bool                  `json:"verified"`
}

// GeneratePack zips the verified history of one subject together with a
// manifest and returns the archive and its sha256 checksum. A subject whose
// chain does not verify is not exported.
func (r *Recorder) GeneratePack(ctx context.Context, subjectType contracts.SubjectType, subjectID string) ([]byte, string, error) {
	if !subjectType.Valid() || subjectID == "" {
		return nil, "", contracts.Errorf(contracts.CodeInvalidInput, "subject type and id are required")
	}
	if err := r.Verify(ctx, subjectType, subjectID); err != nil {
		return nil, "", err
	}
	entries, err := r.Entries(ctx, subjectType, subjectID)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", contracts.Errorf(contracts.CodeNotFound, "no audit history for %s %s", subjectType, subjectID)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal entries: %w", err)
	}
	manifestJSON, err := json.MarshalIndent(EvidencePackManifest{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		GeneratedAt: r.clock().UTC().Format("2006-01-02T15:04:05Z07:00"),
		EntryCount:  len(entries),
		ChainHead:   entries[len(entries)-1].EntryHash,
		Verified:    true,
	}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
	} {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}
