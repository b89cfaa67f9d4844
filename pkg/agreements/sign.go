package agreements

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/store"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

// documentKind tags the signed document format.
const documentKind = "ndagate.agreement/v1"

// SignInput is the client-provided part of an attestation.
type SignInput struct {
	ClientFingerprint string
	ClientMetadata    map[string]string
}

// SignResult is the outcome of a successful signature.
type SignResult struct {
	Agreement *contracts.Agreement
	Grant     *contracts.AccessGrant
	// Superseded is the previously active agreement for the same pair that
	// this signature replaced, if any.
	Superseded *contracts.Agreement
}

// Sign records the signer's attestation, activates the agreement, stores
// the signed document and materializes the grant, all in one transaction.
func (l *Ledger) Sign(ctx context.Context, agreementID, signerID string, in SignInput) (*SignResult, error) {
	if strings.TrimSpace(in.ClientFingerprint) == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidInput, "client fingerprint is required")
	}

	var (
		res    SignResult
		docRef string
	)
	err := l.store.InTx(ctx, func(q *store.Queries) error {
		docRef = ""
		agr, err := loadAgreement(ctx, q, agreementID, contracts.CodeNotSigner)
		if err != nil {
			return err
		}
		if agr.SignerID != signerID {
			return contracts.Forbidden(contracts.CodeNotSigner)
		}

		now := l.now()
		switch {
		case agr.State == contracts.AgreementExpired:
			return contracts.Conflict(contracts.CodeExpired, agr.ID, string(agr.State), agr.Version,
				"agreement expired before signature; request access again")
		case agr.State != contracts.AgreementDrafted:
			return contracts.Conflict(contracts.CodeInvalidTransition, agr.ID, string(agr.State), agr.Version,
				"only drafted agreements can be signed")
		case l.pastGrace(agr, now):
			return contracts.Conflict(contracts.CodeExpired, agr.ID, string(agr.State), agr.Version,
				"signature window closed at %s; request access again",
				agr.CreatedAt.Add(l.policy.DraftGraceWindow).Format(time.RFC3339))
		}

		prior, err := l.supersedeTx(ctx, q, agr)
		if err != nil {
			return err
		}

		agr.State = contracts.AgreementActive
		agr.SignedAt = &now
		agr.Attestation = &contracts.Attestation{
			SignerID:          signerID,
			SignedAt:          now,
			ClientFingerprint: in.ClientFingerprint,
			ClientMetadata:    maps.Clone(in.ClientMetadata),
		}
		if agr.AccessDuration > 0 {
			expires := now.Add(agr.AccessDuration)
			agr.ExpiresAt = &expires
		}

		if err := l.storeDocument(ctx, q, agr); err != nil {
			return err
		}
		docRef = agr.DocumentRef
		meta := map[string]string{
			"client_fingerprint": in.ClientFingerprint,
			"document_hash":      agr.DocumentHash,
		}
		if err := l.updateTx(ctx, q, agr, contracts.AgreementDrafted, signerID, meta); err != nil {
			return err
		}
		grant, err := l.grants.MaterializeTx(ctx, q, agr, signerID)
		if err != nil {
			return err
		}
		res = SignResult{Agreement: agr, Grant: grant, Superseded: prior}
		return nil
	})
	if err != nil {
		if docRef != "" {
			l.discardDocument(ctx, docRef)
		}
		return nil, contracts.AsDependency("sign agreement", err)
	}
	l.logger.InfoContext(ctx, "agreement signed", "agreement_id", agreementID, "signer", signerID)
	return &res, nil
}

func (l *Ledger) pastGrace(agr *contracts.Agreement, now time.Time) bool {
	return l.policy.DraftGraceWindow > 0 && !now.Before(agr.CreatedAt.Add(l.policy.DraftGraceWindow))
}

// supersedeTx ends an older active agreement for the same signer and asset
// so the new one can become the single active agreement for the pair.
func (l *Ledger) supersedeTx(ctx context.Context, q *store.Queries, next *contracts.Agreement) (*contracts.Agreement, error) {
	prior, err := q.FindActiveAgreement(ctx, next.SignerID, next.AssetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, contracts.Dependency("find active agreement", err)
	}

	now := l.now()
	prior.State = contracts.AgreementRevoked
	prior.RevokedAt = &now
	prior.RevokedBy = contracts.ActorSystem
	prior.RevocationReason = contracts.GrantReasonSuperseded
	prior.EndedAt = &now
	if err := l.updateTx(ctx, q, prior, contracts.AgreementActive, contracts.ActorSystem, map[string]string{
		"reason":        contracts.GrantReasonSuperseded,
		"superseded_by": next.ID,
	}); err != nil {
		return nil, err
	}
	if _, err := l.grants.RevokeForTx(ctx, q, prior.ID, contracts.GrantReasonSuperseded, contracts.ActorSystem); err != nil {
		return nil, err
	}
	return prior, nil
}

// signedDocument is the canonical record stored in the object store.
type signedDocument struct {
	Kind             string                `json:"kind"`
	AgreementID      string                `json:"agreement_id"`
	RequestID        string                `json:"request_id"`
	AssetID          string                `json:"asset_id"`
	OwnerID          string                `json:"owner_id"`
	SignerID         string                `json:"signer_id"`
	Tier             contracts.Tier        `json:"tier"`
	TemplateID       string                `json:"template_id"`
	TemplateName     string                `json:"template_name"`
	TemplateVersion  string                `json:"template_version"`
	TemplateBodyHash string                `json:"template_body_hash"`
	Text             string                `json:"text"`
	Attestation      contracts.Attestation `json:"attestation"`
	ExpiresAt        string                `json:"expires_at,omitempty"`
}

// storeDocument renders the agreement text, canonicalizes the signed
// envelope with JCS and puts it in the object store. The reference and
// digest land on agr; the bytes never touch the database.
func (l *Ledger) storeDocument(ctx context.Context, q *store.Queries, agr *contracts.Agreement) error {
	tpl, err := q.GetTemplate(ctx, agr.TemplateID)
	if err != nil {
		return contracts.Dependency("load agreement template", err)
	}

	vars := map[string]string{
		templates.VarAgreementID: agr.ID,
		templates.VarAssetID:     agr.AssetID,
		templates.VarOwnerID:     agr.CounterSignerID,
		templates.VarSignerID:    agr.SignerID,
		templates.VarTier:        string(agr.Tier),
		templates.VarSignedAt:    agr.SignedAt.Format(time.RFC3339),
	}
	doc := signedDocument{
		Kind:             documentKind,
		AgreementID:      agr.ID,
		RequestID:        agr.RequestID,
		AssetID:          agr.AssetID,
		OwnerID:          agr.CounterSignerID,
		SignerID:         agr.SignerID,
		Tier:             agr.Tier,
		TemplateID:       tpl.ID,
		TemplateName:     tpl.Name,
		TemplateVersion:  tpl.Version,
		TemplateBodyHash: tpl.BodyHash,
		Attestation:      *agr.Attestation,
	}
	if agr.ExpiresAt != nil {
		doc.ExpiresAt = agr.ExpiresAt.Format(time.RFC3339)
		vars[templates.VarExpiresAt] = doc.ExpiresAt
	}
	doc.Text = templates.Render(tpl, vars)

	raw, err := json.Marshal(doc)
	if err != nil {
		return contracts.Dependency("encode signed document", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return contracts.Dependency("canonicalize signed document", err)
	}
	ref, err := l.objects.Put(ctx, canonical)
	if err != nil {
		return contracts.Dependency("store signed document", fmt.Errorf("object store: %w", err))
	}
	sum := sha256.Sum256(canonical)
	agr.DocumentRef = ref
	agr.DocumentHash = hex.EncodeToString(sum[:])
	return nil
}

// discardDocument removes a document whose signing transaction rolled back.
// The document embeds the agreement id and signing time, so no committed
// agreement can reference the same bytes.
func (l *Ledger) discardDocument(ctx context.Context, ref string) {
	if err := l.objects.Delete(context.WithoutCancel(ctx), ref); err != nil {
		l.logger.WarnContext(ctx, "orphaned signed document", "ref", ref, "error", err)
	}
}
