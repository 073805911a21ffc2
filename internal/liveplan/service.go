// Package liveplan is the command surface of the engine. It composes the
// ingestion, proposal, plan, anchor, and audit services behind per-user
// serialisation, so each user's pipeline runs strictly one step at a time.
package liveplan

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"heirloom/internal/anchor"
	"heirloom/internal/audit"
	"heirloom/internal/plan"
	"heirloom/internal/proposal"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// OverallState summarises where a user's plan sits.
type OverallState string

const (
	// StateNotStarted: the user has no plan version yet.
	StateNotStarted OverallState = "not_started"
	// StatePendingReview: at least one proposal awaits a decision.
	StatePendingReview OverallState = "pending_review"
	// StateActive: a version is current but its anchor has not confirmed.
	StateActive OverallState = "active"
	// StateUpToDate: a version is current and anchored with nothing pending.
	StateUpToDate OverallState = "up_to_date"
)

// PlanStatus is the read model returned by GetStatus.
type PlanStatus struct {
	OverallState     OverallState
	CurrentVersionID *id.VersionID
	CurrentPlanHash  string
	VersionNumber    int
	PendingProposals int
	LastReceipt      *anchor.Receipt
}

// Engine wires the pipeline together. All mutating entry points take the
// user's lock first.
type Engine struct {
	ingestor    *trigger.Ingestor
	generator   *proposal.Generator
	workflow    *proposal.Workflow
	builder     *plan.Builder
	coordinator *anchor.Coordinator
	auditor     *audit.Publisher
	directory   user.Directory
	locks       *UserLocks
	tracer      trace.Tracer
	logger      *slog.Logger
}

type EngineOption func(*Engine)

func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(ingestor *trigger.Ingestor, generator *proposal.Generator, workflow *proposal.Workflow, builder *plan.Builder, coordinator *anchor.Coordinator, auditor *audit.Publisher, directory user.Directory, locks *UserLocks, opts ...EngineOption) (*Engine, error) {
	if ingestor == nil || generator == nil || workflow == nil || builder == nil ||
		coordinator == nil || auditor == nil || directory == nil {
		return nil, fmt.Errorf("all engine collaborators are required")
	}
	if locks == nil {
		locks = NewUserLocks()
	}
	e := &Engine{
		ingestor:    ingestor,
		generator:   generator,
		workflow:    workflow,
		builder:     builder,
		coordinator: coordinator,
		auditor:     auditor,
		directory:   directory,
		locks:       locks,
		tracer:      otel.Tracer("heirloom/liveplan"),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SubmitEvent ingests a life event for the calling user and generates the
// proposal it warrants. A duplicate submission returns the original
// trigger ID and no proposal.
func (e *Engine) SubmitEvent(ctx context.Context, subkind string, payload map[string]any) (trigger.Result, *proposal.Proposal, error) {
	ctx, span := e.startSpan(ctx, "liveplan.SubmitEvent",
		attribute.String("trigger.subkind", subkind))
	defer span.End()

	userID, err := e.callingUser(ctx)
	if err != nil {
		return trigger.Result{}, nil, e.fail(span, err)
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	result, t, err := e.ingestor.SubmitLifeEvent(ctx, userID, subkind, payload)
	if err != nil {
		return trigger.Result{}, nil, e.fail(span, err)
	}
	if result.Duplicate {
		span.SetAttributes(attribute.Bool("trigger.duplicate", true))
		return result, nil, nil
	}

	p, err := e.generator.FromTrigger(ctx, t)
	if err != nil {
		return result, nil, e.fail(span, err)
	}
	return result, p, nil
}

// SubmitManualTrigger ingests an operator-initiated review trigger on a
// user's behalf and generates the proposal it warrants.
func (e *Engine) SubmitManualTrigger(ctx context.Context, userID id.UserID, subkind string, payload map[string]any) (trigger.Result, *proposal.Proposal, error) {
	ctx, span := e.startSpan(ctx, "liveplan.SubmitManualTrigger",
		attribute.String("trigger.subkind", subkind))
	defer span.End()

	if userID.IsNil() {
		return trigger.Result{}, nil, e.fail(span,
			dErrors.New(dErrors.CodeBadRequest, "user_id is required"))
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	t := &trigger.Trigger{
		ID:         id.NewTriggerID(),
		UserID:     userID,
		Kind:       trigger.KindManual,
		Subkind:    subkind,
		Payload:    payload,
		ObservedAt: requestcontext.Now(ctx),
		DedupKey:   trigger.DedupKey(trigger.KindManual, subkind, payload),
		Impact:     trigger.ImpactMedium,
	}
	result, ingested, err := e.ingestor.Ingest(ctx, t, audit.ActorExternal)
	if err != nil {
		return trigger.Result{}, nil, e.fail(span, err)
	}
	if result.Duplicate {
		return result, nil, nil
	}
	p, err := e.generator.FromTrigger(ctx, ingested)
	if err != nil {
		return result, nil, e.fail(span, err)
	}
	return result, p, nil
}

// ApproveProposal approves a proposal, builds the version, and schedules
// anchoring. Approving an already approved proposal returns the same
// version ID.
func (e *Engine) ApproveProposal(ctx context.Context, proposalID id.ProposalID) (id.VersionID, error) {
	ctx, span := e.startSpan(ctx, "liveplan.ApproveProposal",
		attribute.String("proposal.id", proposalID.String()))
	defer span.End()

	p, err := e.ownedProposal(ctx, proposalID)
	if err != nil {
		return id.VersionID{}, e.fail(span, err)
	}
	unlock := e.locks.Lock(p.UserID)
	defer unlock()

	versionID, err := e.workflow.Approve(ctx, proposalID)
	if err != nil {
		return id.VersionID{}, e.fail(span, err)
	}
	span.SetAttributes(attribute.String("version.id", versionID.String()))
	return versionID, nil
}

// RejectProposal rejects a pending proposal with an optional note.
func (e *Engine) RejectProposal(ctx context.Context, proposalID id.ProposalID, note string) error {
	ctx, span := e.startSpan(ctx, "liveplan.RejectProposal",
		attribute.String("proposal.id", proposalID.String()))
	defer span.End()

	p, err := e.ownedProposal(ctx, proposalID)
	if err != nil {
		return e.fail(span, err)
	}
	unlock := e.locks.Lock(p.UserID)
	defer unlock()

	if err := e.workflow.Reject(ctx, proposalID, note); err != nil {
		return e.fail(span, err)
	}
	return nil
}

// ListProposals returns the calling user's proposals, optionally filtered
// by state.
func (e *Engine) ListProposals(ctx context.Context, states []proposal.State) ([]proposal.Proposal, error) {
	ctx, span := e.startSpan(ctx, "liveplan.ListProposals")
	defer span.End()

	userID, err := e.callingUser(ctx)
	if err != nil {
		return nil, e.fail(span, err)
	}
	out, err := e.workflow.List(ctx, userID, states)
	if err != nil {
		return nil, e.fail(span, err)
	}
	return out, nil
}

// Baseline builds and anchors the calling user's first plan version.
func (e *Engine) Baseline(ctx context.Context) (id.VersionID, error) {
	ctx, span := e.startSpan(ctx, "liveplan.Baseline")
	defer span.End()

	userID, err := e.callingUser(ctx)
	if err != nil {
		return id.VersionID{}, e.fail(span, err)
	}
	unlock := e.locks.Lock(userID)
	defer unlock()

	versionID, planHash, err := e.builder.Baseline(ctx, userID)
	if err != nil {
		return id.VersionID{}, e.fail(span, err)
	}
	if err := e.coordinator.Schedule(ctx, userID, versionID, planHash); err != nil {
		e.logger.WarnContext(ctx, "failed to schedule baseline anchor",
			"version_id", versionID.String(), "error", err)
	}
	span.SetAttributes(attribute.String("version.id", versionID.String()))
	return versionID, nil
}

// GetStatus derives the user's overall plan state.
func (e *Engine) GetStatus(ctx context.Context) (*PlanStatus, error) {
	ctx, span := e.startSpan(ctx, "liveplan.GetStatus")
	defer span.End()

	userID, err := e.callingUser(ctx)
	if err != nil {
		return nil, e.fail(span, err)
	}

	current, err := e.builder.Current(ctx, userID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	pending, err := e.workflow.List(ctx, userID, []proposal.State{proposal.StatePending})
	if err != nil {
		return nil, e.fail(span, err)
	}

	// The receipt is scoped to the current version: a deferred or unanchored
	// current version reports no receipt even when an older version has one.
	var receipt *anchor.Receipt
	if current != nil {
		receipt, err = e.coordinator.ReceiptFor(ctx, current.ID)
		if err != nil {
			return nil, e.fail(span, err)
		}
	}

	status := &PlanStatus{
		PendingProposals: len(pending),
		LastReceipt:      receipt,
	}
	if current != nil {
		versionID := current.ID
		status.CurrentVersionID = &versionID
		status.CurrentPlanHash = current.PlanHash
		status.VersionNumber = current.VersionNumber
	}
	status.OverallState = deriveState(current, len(pending), receipt)
	span.SetAttributes(attribute.String("plan.state", string(status.OverallState)))
	return status, nil
}

// GetVersion returns one of the calling user's plan versions.
func (e *Engine) GetVersion(ctx context.Context, versionID id.VersionID) (*plan.Version, error) {
	ctx, span := e.startSpan(ctx, "liveplan.GetVersion",
		attribute.String("version.id", versionID.String()))
	defer span.End()

	userID, err := e.callingUser(ctx)
	if err != nil {
		return nil, e.fail(span, err)
	}
	v, err := e.builder.Get(ctx, versionID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	if v.UserID != userID {
		return nil, e.fail(span, dErrors.Newf(dErrors.CodeNotFound, "version %s not found", versionID))
	}
	return v, nil
}

// GetAudit returns the calling user's audit entries after the given entry
// ID, optionally filtered by action.
func (e *Engine) GetAudit(ctx context.Context, sinceEntryID int64, actions []audit.Action) ([]audit.Entry, error) {
	ctx, span := e.startSpan(ctx, "liveplan.GetAudit")
	defer span.End()

	userID, err := e.callingUser(ctx)
	if err != nil {
		return nil, e.fail(span, err)
	}
	entries, err := e.auditor.List(ctx, userID, audit.Query{SinceEntryID: sinceEntryID, Actions: actions})
	if err != nil {
		return nil, e.fail(span, err)
	}
	return entries, nil
}

func deriveState(current *plan.Version, pending int, receipt *anchor.Receipt) OverallState {
	if current == nil {
		return StateNotStarted
	}
	if pending > 0 {
		return StatePendingReview
	}
	if receipt != nil && receipt.Status == anchor.StatusConfirmed && receipt.VersionID == current.ID {
		return StateUpToDate
	}
	return StateActive
}

// ownedProposal loads a proposal and checks it belongs to the caller.
func (e *Engine) ownedProposal(ctx context.Context, proposalID id.ProposalID) (*proposal.Proposal, error) {
	p, err := e.workflow.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if caller := requestcontext.UserID(ctx); !caller.IsNil() && caller != p.UserID {
		// Hide other users' proposals entirely.
		return nil, dErrors.Newf(dErrors.CodeNotFound, "proposal %s not found", proposalID)
	}
	return p, nil
}

func (e *Engine) callingUser(ctx context.Context) (id.UserID, error) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		return "", dErrors.New(dErrors.CodeUnauthorized, "no authenticated user")
	}
	return userID, nil
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	return err
}
