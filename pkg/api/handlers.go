package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/ndagate/pkg/agreements"
	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
	"github.com/Mindburn-Labs/ndagate/pkg/grants"
	"github.com/Mindburn-Labs/ndagate/pkg/requests"
	"github.com/Mindburn-Labs/ndagate/pkg/templates"
)

type submitBody struct {
	AssetID       string `json:"asset_id"`
	Tier          string `json:"tier"`
	Justification string `json:"justification"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !s.decode(w, r, "submit", &body) {
		return
	}
	res, err := s.svc.SubmitRequest(r.Context(), requests.SubmitInput{
		RequesterID:   principal(r),
		AssetID:       body.AssetID,
		Tier:          contracts.Tier(body.Tier),
		Justification: body.Justification,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Request)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	role := requests.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = requests.RoleRequester
	}
	list, err := s.svc.ListRequests(r.Context(), principal(r), role, contracts.RequestState(r.URL.Query().Get("state")))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(list)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetRequest(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type respondBody struct {
	Decision       string `json:"decision"`
	Version        int64  `json:"version"`
	Reason         string `json:"reason"`
	CustomTerms    string `json:"custom_terms"`
	AccessDuration string `json:"access_duration"`
}

type respondResponse struct {
	Request   *contracts.AccessRequest `json:"request"`
	Agreement *contracts.Agreement     `json:"agreement,omitempty"`
	// DraftError is set when the approval stands but no agreement could be
	// drafted yet.
	DraftError *ProblemDetail `json:"draft_error,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if !s.decode(w, r, "respond", &body) {
		return
	}
	duration, ok := parseDuration(w, r, body.AccessDuration)
	if !ok {
		return
	}
	res, err := s.svc.RespondToRequest(r.Context(), requests.RespondInput{
		RequestID:   r.PathValue("id"),
		ResponderID: principal(r),
		Decision:    contracts.Decision(body.Decision),
		Version:     body.Version,
		Reason:      body.Reason,
		Options:     contracts.ApproveOptions{CustomTerms: body.CustomTerms, AccessDuration: duration},
	})
	if res == nil {
		WriteDomainError(w, r, err)
		return
	}
	out := respondResponse{Request: res.Request, Agreement: res.Agreement}
	if err != nil {
		var de *contracts.Error
		if !errors.As(err, &de) {
			WriteInternal(w, r, err)
			return
		}
		out.DraftError = &ProblemDetail{
			Type:   problemBase + string(de.Code),
			Title:  "Agreement not drafted",
			Status: StatusFor(err),
			Detail: de.Message,
			Code:   de.Code,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.WithdrawRequest(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type draftBody struct {
	CustomTerms    string `json:"custom_terms"`
	AccessDuration string `json:"access_duration"`
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	var body draftBody
	if !s.decode(w, r, "draft", &body) {
		return
	}
	duration, ok := parseDuration(w, r, body.AccessDuration)
	if !ok {
		return
	}
	agr, err := s.svc.DraftAgreement(r.Context(), r.PathValue("id"), principal(r),
		contracts.ApproveOptions{CustomTerms: body.CustomTerms, AccessDuration: duration})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agr)
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListAgreements(r.Context(), principal(r), contracts.AgreementState(r.URL.Query().Get("state")))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreements": nonNil(list)})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	agr, err := s.svc.GetAgreement(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agr)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.AgreementDocument(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type signBody struct {
	ClientFingerprint string            `json:"client_fingerprint"`
	ClientMetadata    map[string]string `json:"client_metadata"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signBody
	if !s.decode(w, r, "sign", &body) {
		return
	}
	meta := make(map[string]string, len(body.ClientMetadata)+2)
	for k, v := range body.ClientMetadata {
		meta[k] = v
	}
	// Observed by the server; the client cannot override them.
	meta["remote_ip"] = clientIP(r)
	if ua := r.UserAgent(); ua != "" {
		meta["user_agent"] = ua
	}
	res, err := s.svc.SignAgreement(r.Context(), r.PathValue("id"), principal(r), agreements.SignInput{
		ClientFingerprint: body.ClientFingerprint,
		ClientMetadata:    meta,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement": res.Agreement, "grant": res.Grant})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !s.decode(w, r, "reason", &body) {
		return
	}
	agr, err := s.svc.DeclineAgreement(r.Context(), r.PathValue("id"), principal(r), body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agr)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !s.decode(w, r, "reason", &body) {
		return
	}
	res, err := s.svc.RevokeAgreement(r.Context(), r.PathValue("id"), principal(r), body.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement": res.Agreement, "grants_revoked": res.GrantsRevoked})
}

// handleCheck answers the gate for the caller. Callers only ever learn about
// their own access.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tier := contracts.Tier(q.Get("tier"))
	if tier == "" {
		tier = contracts.TierBasic
	}
	res, err := s.svc.CheckAccess(r.Context(), principal(r), q.Get("asset_id"), tier)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type sectionsBody struct {
	AssetID  string `json:"asset_id"`
	Sections []struct {
		ID   string `json:"id"`
		Rule string `json:"rule"`
		Tier string `json:"tier"`
	} `json:"sections"`
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	var body sectionsBody
	if !s.decode(w, r, "sections", &body) {
		return
	}
	sections := make([]grants.Section, 0, len(body.Sections))
	for _, sec := range body.Sections {
		rule, err := grants.ParseRule(sec.Rule, sec.Tier)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		sections = append(sections, grants.Section{ID: sec.ID, Rule: rule})
	}
	visible, err := s.svc.FilterSections(r.Context(), principal(r), body.AssetID, sections)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visible": visible})
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListGrants(r.Context(), principal(r))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": nonNil(list)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.History(r.Context(), principal(r), contracts.SubjectType(r.PathValue("type")), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	entries := []contracts.AuditEntry{}
	for e, err := range history {
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	pack, sum, err := s.svc.ExportHistory(r.Context(), principal(r), contracts.SubjectType(r.PathValue("type")), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Checksum-Sha256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

type templateBody struct {
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Tier        string `json:"tier"`
	Body        string `json:"body"`
	Version     string `json:"version"`
	MakeDefault bool   `json:"make_default"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if !s.decode(w, r, "template", &body) {
		return
	}
	tpl, err := s.svc.CreateTemplate(r.Context(), principal(r), templates.CreateInput{
		OwnerID:     body.OwnerID,
		Name:        body.Name,
		Tier:        contracts.Tier(body.Tier),
		Body:        body.Body,
		Version:     body.Version,
		MakeDefault: body.MakeDefault,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		owner = principal(r)
	}
	list, err := s.svc.ListTemplates(r.Context(), principal(r), owner)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": nonNil(list)})
}

type revisionBody struct {
	Body string `json:"body"`
	Bump string `json:"bump"`
}

func (s *Server) handleReviseTemplate(w http.ResponseWriter, r *http.Request) {
	var body revisionBody
	if !s.decode(w, r, "revision", &body) {
		return
	}
	tpl, err := s.svc.ReviseTemplate(r.Context(), principal(r), r.PathValue("id"), body.Body, templates.Bump(body.Bump))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleSetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.SetDefaultTemplate(r.Context(), principal(r), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeactivateTemplate(r.Context(), principal(r), r.PathValue("id")); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assetBody struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var body assetBody
	if !s.decode(w, r, "asset", &body) {
		return
	}
	a, err := s.svc.RegisterAsset(r.Context(), principal(r), r.PathValue("id"), body.OwnerID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func parseDuration(w http.ResponseWriter, r *http.Request, s string) (time.Duration, bool) {
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		WriteBadRequest(w, r, "access_duration must be a non-negative duration such as \"720h\"")
		return 0, false
	}
	return d, true
}

// nonNil keeps empty lists as [] rather than null on the wire.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
