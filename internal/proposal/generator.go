package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"heirloom/internal/audit"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

const (
	lifeEventDeadline = 30 * 24 * time.Hour
	lawChangeDeadline = 60 * 24 * time.Hour
	checkinDeadline   = 30 * 24 * time.Hour
)

// lifeEventDocTypes is the fixed mapping from life-event subkind to the
// documents it affects. Subkinds absent here ("other") yield no proposal.
var lifeEventDocTypes = map[string][]id.DocType{
	trigger.SubkindMarriage: {id.DocWill, id.DocBeneficiaries},
	trigger.SubkindDivorce:  {id.DocWill, id.DocBeneficiaries, id.DocPOA},
	trigger.SubkindChild:    {id.DocWill, id.DocGuardianship},
	trigger.SubkindMove:     {id.DocWill, id.DocPOA, id.DocTrust},
	trigger.SubkindHome:     {id.DocWill, id.DocTrust},
	trigger.SubkindBusiness: {id.DocWill, id.DocSuccession},
}

var lifeEventTitles = map[string]string{
	trigger.SubkindMarriage: "Marriage: update your will and beneficiaries",
	trigger.SubkindDivorce:  "Divorce: update your will, beneficiaries, and power of attorney",
	trigger.SubkindChild:    "New child: update your will and guardianship designations",
	trigger.SubkindMove:     "Relocation: align your documents with your new state",
	trigger.SubkindHome:     "Home purchase: review your will and trust",
	trigger.SubkindBusiness: "Business interest: review your will and succession plan",
}

// Generator transforms each new trigger into zero or one proposals. All of
// its output is deterministic given the trigger; templates only, no
// generated text.
type Generator struct {
	store             Store
	directory         user.Directory
	auditor           *audit.Publisher
	logger            *slog.Logger
	checkinPeriodDays int
}

type GeneratorOption func(*Generator)

func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

func WithCheckinPeriodDays(days int) GeneratorOption {
	return func(g *Generator) { g.checkinPeriodDays = days }
}

func NewGenerator(store Store, directory user.Directory, auditor *audit.Publisher, opts ...GeneratorOption) (*Generator, error) {
	if store == nil {
		return nil, fmt.Errorf("proposal store is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	g := &Generator{
		store:             store,
		directory:         directory,
		auditor:           auditor,
		logger:            slog.Default(),
		checkinPeriodDays: 335,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// FromTrigger builds and persists the proposal a trigger warrants, if any.
// Returns nil when the policy produces nothing. Candidates matching an
// existing pending proposal merge into it instead of duplicating.
func (g *Generator) FromTrigger(ctx context.Context, t *trigger.Trigger) (*Proposal, error) {
	var (
		candidate *Proposal
		err       error
	)
	switch t.Kind {
	case trigger.KindLifeEvent, trigger.KindManual:
		candidate, err = g.fromLifeEvent(ctx, t)
	case trigger.KindLawChange:
		candidate, err = g.fromLawChange(ctx, t)
	case trigger.KindPeriodicCheckin:
		candidate, err = g.fromCheckin(ctx, t)
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidTrigger, "unknown trigger kind: %q", t.Kind)
	}
	if err != nil || candidate == nil {
		return candidate, err
	}

	existing, err := g.store.FindPendingMatch(ctx, t.UserID, candidate.TriggerSubkind, candidate.AffectedDocTypes)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check for duplicate proposal")
	}
	if existing != nil {
		return g.merge(ctx, existing, candidate)
	}

	if err := g.store.Insert(ctx, candidate); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist proposal")
	}
	if err := g.auditor.Emit(ctx, audit.Entry{
		UserID:  candidate.UserID,
		Action:  audit.ActionProposalCreated,
		Subject: audit.SubjectRef{Kind: audit.SubjectProposal, ID: candidate.ID.String()},
		After: map[string]any{
			"severity":  string(candidate.Severity),
			"doc_types": docTypeStrings(candidate.AffectedDocTypes),
			"trigger":   candidate.TriggerID.String(),
		},
	}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit proposal creation")
	}
	return candidate, nil
}

func (g *Generator) fromLifeEvent(ctx context.Context, t *trigger.Trigger) (*Proposal, error) {
	docTypes, ok := lifeEventDocTypes[t.Subkind]
	if !ok {
		// "other" and unmapped subkinds stay in the audit trail without
		// producing a proposal.
		return nil, nil
	}

	deadline := t.ObservedAt.Add(lifeEventDeadline)
	p := g.newProposal(ctx, t, docTypes)
	p.Deadline = &deadline
	p.Title = lifeEventTitles[t.Subkind]
	p.Description = fmt.Sprintf(
		"We recorded a %s life event on %s. The documents listed below should be reviewed and re-issued to stay accurate.",
		t.Subkind, t.ObservedAt.Format("January 2, 2006"))
	p.RequiredChanges = lifeEventChanges(t)
	return p, nil
}

func (g *Generator) fromLawChange(ctx context.Context, t *trigger.Trigger) (*Proposal, error) {
	state, docType, err := splitRuleSubkind(t.Subkind)
	if err != nil {
		return nil, err
	}

	profile, err := g.directory.GetProfile(ctx, t.UserID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user profile")
	}
	if profile == nil || !profile.HasDocType(docType) {
		// The law changed for a document the user does not carry.
		return nil, nil
	}

	p := g.newProposal(ctx, t, []id.DocType{docType})
	p.Title = fmt.Sprintf("Law update in %s affects your %s", state, docType)
	p.Description = fmt.Sprintf(
		"The legal requirements for a %s in %s changed. Your document should be re-issued under the new requirements.",
		docType, state)
	p.RequiredChanges = []RequiredChange{{Op: OpRebindDocType, DocType: docType}}
	p.LegalBasis = payloadCitations(t.Payload)
	if effective := payloadEffectiveAt(t.Payload); effective != nil {
		deadline := effective.Add(lawChangeDeadline)
		p.Deadline = &deadline
	}
	return p, nil
}

func (g *Generator) fromCheckin(ctx context.Context, t *trigger.Trigger) (*Proposal, error) {
	last, err := g.store.LastCreatedAt(ctx, t.UserID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read proposal history")
	}
	quiet := time.Duration(g.checkinPeriodDays) * 24 * time.Hour
	if last != nil && t.ObservedAt.Sub(*last) < quiet {
		return nil, nil
	}

	deadline := t.ObservedAt.Add(checkinDeadline)
	p := g.newProposal(ctx, t, []id.DocType{id.DocWill})
	p.Severity = SeverityMedium
	p.Deadline = &deadline
	p.Title = "Yearly estate plan check-in"
	p.Description = "It has been a while since your plan was last reviewed. Confirm your will still reflects your wishes."
	p.RequiredChanges = []RequiredChange{{Op: OpRebindDocType, DocType: id.DocWill}}
	return p, nil
}

func (g *Generator) newProposal(ctx context.Context, t *trigger.Trigger, docTypes []id.DocType) *Proposal {
	return &Proposal{
		ID:               id.NewProposalID(),
		UserID:           t.UserID,
		TriggerID:        t.ID,
		TriggerSubkind:   t.Subkind,
		State:            StatePending,
		Severity:         SeverityFromImpact(t.Impact),
		AffectedDocTypes: NormalizeDocTypes(docTypes),
		CreatedAt:        requestcontext.Now(ctx),
	}
}

// merge folds a candidate into an existing pending proposal: the deadline
// is pulled to the earlier of the two and legal citations are union-merged
// preserving stable order.
func (g *Generator) merge(ctx context.Context, existing, candidate *Proposal) (*Proposal, error) {
	merged := *existing
	if candidate.Deadline != nil &&
		(merged.Deadline == nil || candidate.Deadline.Before(*merged.Deadline)) {
		merged.Deadline = candidate.Deadline
	}
	merged.LegalBasis = MergeLegalBasis(existing.LegalBasis, candidate.LegalBasis)

	if err := g.store.Update(ctx, &merged, StatePending); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConcurrencyRetried, "failed to merge proposal")
	}
	if err := g.auditor.Emit(ctx, audit.Entry{
		UserID:  merged.UserID,
		Action:  audit.ActionProposalMerged,
		Subject: audit.SubjectRef{Kind: audit.SubjectProposal, ID: merged.ID.String()},
		Notes:   fmt.Sprintf("merged candidate from trigger %s", candidate.TriggerID),
	}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit proposal merge")
	}
	return &merged, nil
}

// lifeEventChanges derives the questionnaire deltas for a life event. The
// mapping is fixed; values come only from the validated payload.
func lifeEventChanges(t *trigger.Trigger) []RequiredChange {
	var changes []RequiredChange
	switch t.Subkind {
	case trigger.SubkindMarriage:
		changes = append(changes, RequiredChange{Op: OpSetField, Field: "marital_status", Value: "married"})
		if spouse, ok := t.Payload["spouse"].(string); ok && spouse != "" {
			changes = append(changes, RequiredChange{Op: OpAddBeneficiary, Field: "spouse", Value: spouse})
		}
	case trigger.SubkindDivorce:
		changes = append(changes, RequiredChange{Op: OpSetField, Field: "marital_status", Value: "divorced"})
		changes = append(changes, RequiredChange{Op: OpRemoveBeneficiary, Field: "spouse"})
	case trigger.SubkindChild:
		changes = append(changes, RequiredChange{Op: OpSetField, Field: "has_minor_children", Value: true})
		if name, ok := t.Payload["name"].(string); ok && name != "" {
			changes = append(changes, RequiredChange{Op: OpAddBeneficiary, Field: "child", Value: name})
		}
	case trigger.SubkindMove:
		if newState, ok := t.Payload["new_state"].(string); ok {
			changes = append(changes, RequiredChange{Op: OpSetField, Field: "state", Value: newState})
		}
	case trigger.SubkindHome:
		changes = append(changes, RequiredChange{Op: OpSetField, Field: "owns_real_estate", Value: true})
	case trigger.SubkindBusiness:
		changes = append(changes, RequiredChange{Op: OpSetField, Field: "owns_business", Value: true})
	}
	for _, docType := range lifeEventDocTypes[t.Subkind] {
		changes = append(changes, RequiredChange{Op: OpRebindDocType, DocType: docType})
	}
	return changes
}

func splitRuleSubkind(subkind string) (id.StateCode, id.DocType, error) {
	parts := strings.SplitN(subkind, ":", 2)
	if len(parts) != 2 {
		return "", "", dErrors.Newf(dErrors.CodeInvalidTrigger, "malformed law change subkind: %q", subkind)
	}
	state, err := id.ParseStateCode(parts[0])
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInvalidTrigger, "law change subkind")
	}
	docType, err := id.ParseDocType(parts[1])
	if err != nil {
		return "", "", dErrors.Wrap(err, dErrors.CodeInvalidTrigger, "law change subkind")
	}
	return state, docType, nil
}

func payloadCitations(payload map[string]any) []string {
	raw, ok := payload["citations"].([]any)
	if !ok {
		if typed, ok := payload["citations"].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func payloadEffectiveAt(payload map[string]any) *time.Time {
	s, ok := payload["effective_at"].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
