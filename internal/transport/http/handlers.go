package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"heirloom/internal/anchor"
	"heirloom/internal/audit"
	"heirloom/internal/plan"
	"heirloom/internal/proposal"
	"heirloom/internal/rules"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	pstrings "heirloom/pkg/platform/strings"
)

type submitEventRequest struct {
	Subkind string         `json:"subkind"`
	Payload map[string]any `json:"payload"`
}

type submitEventResponse struct {
	TriggerID string            `json:"trigger_id"`
	Duplicate bool              `json:"duplicate"`
	Proposal  *proposalResponse `json:"proposal,omitempty"`
}

type proposalResponse struct {
	ProposalID       string     `json:"proposal_id"`
	TriggerID        string     `json:"trigger_id"`
	State            string     `json:"state"`
	Severity         string     `json:"severity"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	AffectedDocTypes []string   `json:"affected_doc_types"`
	LegalBasis       []string   `json:"legal_basis,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote   string     `json:"resolution_note,omitempty"`
}

type versionResponse struct {
	VersionID     string                      `json:"version_id"`
	VersionNumber int                         `json:"version_number"`
	PlanHash      string                      `json:"plan_hash"`
	Status        string                      `json:"status"`
	Artifacts     map[string]artifactResponse `json:"artifacts"`
	CreatedAt     time.Time                   `json:"created_at"`
	ActivatedAt   *time.Time                  `json:"activated_at,omitempty"`
}

type artifactResponse struct {
	ContentHash     string `json:"content_hash"`
	ByteSize        int64  `json:"byte_size"`
	RendererVersion string `json:"renderer_version"`
}

type statusResponse struct {
	OverallState     string           `json:"overall_state"`
	CurrentVersionID *string          `json:"current_version_id,omitempty"`
	CurrentPlanHash  string           `json:"current_plan_hash,omitempty"`
	VersionNumber    int              `json:"version_number,omitempty"`
	PendingProposals int              `json:"pending_proposals"`
	LastReceipt      *receiptResponse `json:"last_anchor_receipt,omitempty"`
}

type receiptResponse struct {
	VersionID   string     `json:"version_id"`
	AnchorID    string     `json:"anchor_id"`
	Status      string     `json:"status"`
	ExternalURL string     `json:"external_url,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type auditEntryResponse struct {
	EntryID    int64          `json:"entry_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Subject    string         `json:"subject"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, p, err := s.engine.SubmitEvent(r.Context(), req.Subkind, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := submitEventResponse{
		TriggerID: result.TriggerID.String(),
		Duplicate: result.Duplicate,
	}
	if p != nil {
		resp.Proposal = toProposalResponse(p)
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	states, err := parseStates(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, err)
		return
	}
	proposals, err := s.engine.ListProposals(r.Context(), states)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*proposalResponse, len(proposals))
	for i := range proposals {
		out[i] = toProposalResponse(&proposals[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, err := id.ParseProposalID(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid proposal id"))
		return
	}
	versionID, err := s.engine.ApproveProposal(r.Context(), proposalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID.String()})
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, err := id.ParseProposalID(chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid proposal id"))
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}
	if err := s.engine.RejectProposal(r.Context(), proposalID, req.Note); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	versionID, err := s.engine.Baseline(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"version_id": versionID.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{
		OverallState:     string(status.OverallState),
		CurrentPlanHash:  status.CurrentPlanHash,
		VersionNumber:    status.VersionNumber,
		PendingProposals: status.PendingProposals,
		LastReceipt:      toReceiptResponse(status.LastReceipt),
	}
	if status.CurrentVersionID != nil {
		v := status.CurrentVersionID.String()
		resp.CurrentVersionID = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := id.ParseVersionID(chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid version id"))
		return
	}
	v, err := s.engine.GetVersion(r.Context(), versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionResponse(v))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "since must be an entry id"))
			return
		}
		since = parsed
	}
	var actions []audit.Action
	if raw := r.URL.Query().Get("action"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			actions = append(actions, audit.Action(strings.TrimSpace(a)))
		}
	}

	entries, err := s.engine.GetAudit(r.Context(), since, actions)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = auditEntryResponse{
			EntryID:    e.EntryID,
			OccurredAt: e.OccurredAt,
			Actor:      string(e.Actor),
			Action:     string(e.Action),
			Subject:    e.Subject.String(),
			Before:     e.Before,
			After:      e.After,
			Notes:      e.Notes,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string         `json:"user_id"`
		Subkind string         `json:"subkind"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	result, p, err := s.engine.SubmitManualTrigger(r.Context(), id.UserID(req.UserID), req.Subkind, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := submitEventResponse{
		TriggerID: result.TriggerID.String(),
		Duplicate: result.Duplicate,
	}
	if p != nil {
		resp.Proposal = toProposalResponse(p)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type ruleSnapshotRow struct {
	State                string   `json:"state"`
	DocType              string   `json:"doc_type"`
	NotarisationRequired bool     `json:"notarisation_required"`
	WitnessesRequired    int      `json:"witnesses_required"`
	RemoteNotaryAllowed  bool     `json:"remote_notary_allowed"`
	EsignAllowed         bool     `json:"esign_allowed"`
	RecordingSupported   bool     `json:"recording_supported"`
	PetTrustAllowed      bool     `json:"pet_trust_allowed"`
	Citations            []string `json:"citations"`
	EffectiveAt          *string  `json:"effective_at"`
}

func (s *Server) handleRuleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []ruleSnapshotRow `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	snapshot := make([]rules.Rule, 0, len(req.Rules))
	for _, row := range req.Rules {
		rule, err := toRule(row)
		if err != nil {
			writeError(w, err)
			return
		}
		snapshot = append(snapshot, *rule)
	}

	changed, err := s.catalogue.UpsertFromSnapshot(r.Context(), snapshot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": changed})
}

func toRule(row ruleSnapshotRow) (*rules.Rule, error) {
	state, err := id.ParseStateCode(row.State)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid state code")
	}
	docType, err := id.ParseDocType(row.DocType)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid doc type")
	}
	rule := &rules.Rule{
		Key:                  rules.Key{State: state, DocType: docType},
		NotarisationRequired: row.NotarisationRequired,
		WitnessesRequired:    row.WitnessesRequired,
		RemoteNotaryAllowed:  row.RemoteNotaryAllowed,
		EsignAllowed:         row.EsignAllowed,
		RecordingSupported:   row.RecordingSupported,
		PetTrustAllowed:      row.PetTrustAllowed,
		Citations:            pstrings.DedupeAndTrim(row.Citations),
	}
	if row.EffectiveAt != nil {
		t, err := time.Parse(time.RFC3339, *row.EffectiveAt)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeBadRequest, "effective_at must be RFC 3339")
		}
		rule.EffectiveAt = &t
	}
	return rule, nil
}

func parseStates(raw string) ([]proposal.State, error) {
	if raw == "" {
		return nil, nil
	}
	var out []proposal.State
	for _, part := range strings.Split(raw, ",") {
		st := proposal.State(strings.TrimSpace(part))
		switch st {
		case proposal.StatePending, proposal.StateApproved, proposal.StateRejected, proposal.StateExpired:
			out = append(out, st)
		default:
			return nil, dErrors.Newf(dErrors.CodeBadRequest, "unknown proposal state: %q", st)
		}
	}
	return out, nil
}

func toProposalResponse(p *proposal.Proposal) *proposalResponse {
	docTypes := make([]string, len(p.AffectedDocTypes))
	for i, d := range p.AffectedDocTypes {
		docTypes[i] = d.String()
	}
	return &proposalResponse{
		ProposalID:       p.ID.String(),
		TriggerID:        p.TriggerID.String(),
		State:            string(p.State),
		Severity:         string(p.Severity),
		Title:            p.Title,
		Description:      p.Description,
		AffectedDocTypes: docTypes,
		LegalBasis:       p.LegalBasis,
		CreatedAt:        p.CreatedAt,
		Deadline:         p.Deadline,
		ResolvedAt:       p.ResolvedAt,
		ResolutionNote:   p.ResolutionNote,
	}
}

func toVersionResponse(v *plan.Version) versionResponse {
	artifacts := make(map[string]artifactResponse, len(v.Artifacts))
	for docType, a := range v.Artifacts {
		artifacts[docType.String()] = artifactResponse{
			ContentHash:     a.ContentHash,
			ByteSize:        a.ByteSize,
			RendererVersion: a.RendererVersion,
		}
	}
	return versionResponse{
		VersionID:     v.ID.String(),
		VersionNumber: v.VersionNumber,
		PlanHash:      v.PlanHash,
		Status:        string(v.Status),
		Artifacts:     artifacts,
		CreatedAt:     v.CreatedAt,
		ActivatedAt:   v.ActivatedAt,
	}
}

func toReceiptResponse(r *anchor.Receipt) *receiptResponse {
	if r == nil {
		return nil
	}
	return &receiptResponse{
		VersionID:   r.VersionID.String(),
		AnchorID:    r.AnchorID,
		Status:      string(r.Status),
		ExternalURL: r.ExternalURL,
		SubmittedAt: r.SubmittedAt,
		ConfirmedAt: r.ConfirmedAt,
	}
}
