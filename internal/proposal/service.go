package proposal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"heirloom/internal/audit"
	"heirloom/internal/platform/metrics"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// Builder assembles a new plan version from an approved proposal. The plan
// package implements it; the indirection keeps the state machine free of
// rendering concerns.
type Builder interface {
	Build(ctx context.Context, p *Proposal) (versionID id.VersionID, planHash string, err error)
}

// AnchorScheduler enqueues a freshly activated version for anchoring.
type AnchorScheduler interface {
	Schedule(ctx context.Context, userID id.UserID, versionID id.VersionID, planHash string) error
}

// Workflow drives proposals through pending → approved/rejected/expired.
type Workflow struct {
	store     Store
	builder   Builder
	scheduler AnchorScheduler
	auditor   *audit.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type WorkflowOption func(*Workflow)

func WithWorkflowLogger(logger *slog.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = logger }
}

func WithWorkflowMetrics(m *metrics.Metrics) WorkflowOption {
	return func(w *Workflow) { w.metrics = m }
}

func NewWorkflow(store Store, builder Builder, scheduler AnchorScheduler, auditor *audit.Publisher, opts ...WorkflowOption) (*Workflow, error) {
	if store == nil {
		return nil, fmt.Errorf("proposal store is required")
	}
	if builder == nil {
		return nil, fmt.Errorf("plan builder is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("anchor scheduler is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	w := &Workflow{
		store:     store,
		builder:   builder,
		scheduler: scheduler,
		auditor:   auditor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Approve transitions a pending proposal to approved, builds the new plan
// version, and schedules anchoring. A build failure reverts the proposal to
// pending so the user can try again.
func (w *Workflow) Approve(ctx context.Context, proposalID id.ProposalID) (id.VersionID, error) {
	p, err := w.Get(ctx, proposalID)
	if err != nil {
		return id.VersionID{}, err
	}
	switch p.State {
	case StateApproved:
		// Re-approval is idempotent: the builder returns the version
		// already tied to this proposal without building again.
		versionID, _, buildErr := w.builder.Build(ctx, p)
		if buildErr != nil {
			return id.VersionID{}, buildErr
		}
		return versionID, nil
	case StateRejected, StateExpired:
		return id.VersionID{}, dErrors.Newf(dErrors.CodeInvalidTransition,
			"proposal %s is %s, not pending", proposalID, p.State)
	}

	now := requestcontext.Now(ctx)
	p.State = StateApproved
	p.ResolvedAt = &now
	if err := w.updateWithRetry(ctx, p, StatePending); err != nil {
		return id.VersionID{}, err
	}
	if err := w.auditor.Emit(ctx, audit.Entry{
		UserID:  p.UserID,
		Actor:   audit.ActorUser,
		Action:  audit.ActionProposalApproved,
		Subject: audit.SubjectRef{Kind: audit.SubjectProposal, ID: p.ID.String()},
	}); err != nil {
		return id.VersionID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit approval")
	}

	versionID, planHash, buildErr := w.builder.Build(ctx, p)
	if buildErr != nil {
		w.revertToPending(ctx, p, buildErr)
		return id.VersionID{}, buildErr
	}

	if w.metrics != nil {
		w.metrics.ProposalsResolved.WithLabelValues("approved").Inc()
	}
	if err := w.scheduler.Schedule(ctx, p.UserID, versionID, planHash); err != nil {
		// The version is live; anchoring retries out of band.
		w.logger.WarnContext(ctx, "failed to schedule anchor",
			"version_id", versionID.String(), "error", err)
	}
	return versionID, nil
}

// Reject marks a pending proposal rejected. It is purely a state write.
func (w *Workflow) Reject(ctx context.Context, proposalID id.ProposalID, note string) error {
	p, err := w.getPending(ctx, proposalID)
	if err != nil {
		return err
	}

	now := requestcontext.Now(ctx)
	p.State = StateRejected
	p.ResolvedAt = &now
	p.ResolutionNote = note
	if err := w.updateWithRetry(ctx, p, StatePending); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.ProposalsResolved.WithLabelValues("rejected").Inc()
	}
	return w.auditor.Emit(ctx, audit.Entry{
		UserID:  p.UserID,
		Actor:   audit.ActorUser,
		Action:  audit.ActionProposalRejected,
		Subject: audit.SubjectRef{Kind: audit.SubjectProposal, ID: p.ID.String()},
		Notes:   note,
	})
}

// ExpireSweep transitions pending proposals past their deadline to
// expired. Individual failures are logged and skipped so one bad row
// cannot stall the sweep.
func (w *Workflow) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := w.store.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list expired proposals")
	}

	count := 0
	for i := range expired {
		p := &expired[i]
		resolved := now
		p.State = StateExpired
		p.ResolvedAt = &resolved
		if err := w.store.Update(ctx, p, StatePending); err != nil {
			if !errors.Is(err, ErrStale) {
				w.logger.WarnContext(ctx, "failed to expire proposal",
					"proposal_id", p.ID.String(), "error", err)
			}
			continue
		}
		if err := w.auditor.Emit(ctx, audit.Entry{
			UserID:     p.UserID,
			Action:     audit.ActionProposalExpired,
			Subject:    audit.SubjectRef{Kind: audit.SubjectProposal, ID: p.ID.String()},
			OccurredAt: now,
		}); err != nil {
			w.logger.WarnContext(ctx, "failed to audit expiry",
				"proposal_id", p.ID.String(), "error", err)
		}
		if w.metrics != nil {
			w.metrics.ProposalsResolved.WithLabelValues("expired").Inc()
		}
		count++
	}
	return count, nil
}

// List returns a user's proposals filtered by state.
func (w *Workflow) List(ctx context.Context, userID id.UserID, states []State) ([]Proposal, error) {
	out, err := w.store.ListByUser(ctx, userID, states)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list proposals")
	}
	return out, nil
}

// Get returns one proposal.
func (w *Workflow) Get(ctx context.Context, proposalID id.ProposalID) (*Proposal, error) {
	p, err := w.store.Get(ctx, proposalID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read proposal")
	}
	if p == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "proposal %s not found", proposalID)
	}
	return p, nil
}

func (w *Workflow) getPending(ctx context.Context, proposalID id.ProposalID) (*Proposal, error) {
	p, err := w.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State != StatePending {
		return nil, dErrors.Newf(dErrors.CodeInvalidTransition,
			"proposal %s is %s, not pending", proposalID, p.State)
	}
	return p, nil
}

// updateWithRetry applies an optimistic update, retrying once on a stale
// read before surfacing a conflict.
func (w *Workflow) updateWithRetry(ctx context.Context, p *Proposal, expected State) error {
	err := w.store.Update(ctx, p, expected)
	if errors.Is(err, ErrStale) {
		fresh, getErr := w.store.Get(ctx, p.ID)
		if getErr != nil {
			return dErrors.Wrap(getErr, dErrors.CodeInternal, "failed to re-read proposal")
		}
		if fresh == nil || fresh.State != expected {
			return dErrors.Newf(dErrors.CodeInvalidTransition,
				"proposal %s is no longer %s", p.ID, expected)
		}
		err = w.store.Update(ctx, p, expected)
		if errors.Is(err, ErrStale) {
			return dErrors.Wrap(err, dErrors.CodeConcurrencyRetried, "proposal update conflicted twice")
		}
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update proposal")
	}
	return nil
}

func (w *Workflow) revertToPending(ctx context.Context, p *Proposal, cause error) {
	p.State = StatePending
	p.ResolvedAt = nil
	if err := w.store.Update(ctx, p, StateApproved); err != nil {
		w.logger.ErrorContext(ctx, "failed to revert proposal after build failure",
			"proposal_id", p.ID.String(), "error", err)
	}
	if err := w.auditor.Emit(ctx, audit.Entry{
		UserID:  p.UserID,
		Action:  audit.ActionVersionBuilt,
		Subject: audit.SubjectRef{Kind: audit.SubjectProposal, ID: p.ID.String()},
		Notes:   fmt.Sprintf("failure: %s", dErrors.CodeOf(cause)),
	}); err != nil {
		w.logger.ErrorContext(ctx, "failed to audit build failure",
			"proposal_id", p.ID.String(), "error", err)
	}
}
