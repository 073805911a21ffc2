package liveplan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"heirloom/internal/anchor"
	"heirloom/internal/audit"
	"heirloom/internal/plan"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/metrics"
	"heirloom/internal/proposal"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	"heirloom/internal/watcher"
	id "heirloom/pkg/domain"
	"heirloom/pkg/requestcontext"
)

const checkinSweepInterval = 24 * time.Hour

// Orchestrator owns the background half of the engine: the law-change
// watcher, the anchor submit workers and confirmation poller, the proposal
// expiry sweep, and the periodic check-in sweep. It also runs the startup
// recovery pass.
type Orchestrator struct {
	watcher     *watcher.Watcher
	coordinator *anchor.Coordinator
	workflow    *proposal.Workflow
	builder     *plan.Builder
	ingestor    *trigger.Ingestor
	generator   *proposal.Generator
	directory   user.Directory
	locks       *UserLocks
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cfg         config.Config
}

type OrchestratorOption func(*Orchestrator)

func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithOrchestratorMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func NewOrchestrator(w *watcher.Watcher, coordinator *anchor.Coordinator, workflow *proposal.Workflow, builder *plan.Builder, ingestor *trigger.Ingestor, generator *proposal.Generator, directory user.Directory, locks *UserLocks, cfg config.Config, opts ...OrchestratorOption) (*Orchestrator, error) {
	if w == nil || coordinator == nil || workflow == nil || builder == nil ||
		ingestor == nil || generator == nil || directory == nil {
		return nil, fmt.Errorf("all orchestrator collaborators are required")
	}
	if locks == nil {
		locks = NewUserLocks()
	}
	o := &Orchestrator{
		watcher:     w,
		coordinator: coordinator,
		workflow:    workflow,
		builder:     builder,
		ingestor:    ingestor,
		generator:   generator,
		directory:   directory,
		locks:       locks,
		logger:      slog.Default(),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run recovers interrupted work, then drives every background loop until
// the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.watcher.Run(ctx) })
	g.Go(func() error { return o.coordinator.Run(ctx) })
	g.Go(func() error { return o.loop(ctx, o.cfg.Anchor.PollInterval, o.pollAnchors) })
	g.Go(func() error { return o.loop(ctx, o.cfg.Watcher.ExpirySweepInterval, o.expireProposals) })
	g.Go(func() error { return o.loop(ctx, checkinSweepInterval, o.checkinSweep) })
	return g.Wait()
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// recover rolls back draft versions stranded by a crash and re-schedules
// anchoring for current versions that never got a receipt. Both steps are
// idempotent.
func (o *Orchestrator) recover(ctx context.Context) error {
	rolledBack, err := o.builder.RecoverDrafts(ctx)
	if err != nil {
		return err
	}
	if rolledBack > 0 {
		o.logger.InfoContext(ctx, "startup recovery rolled back drafts", "count", rolledBack)
	}

	userIDs, err := o.directory.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		current, err := o.builder.Current(ctx, userID)
		if err != nil || current == nil {
			continue
		}
		if err := o.coordinator.Schedule(ctx, userID, current.ID, current.PlanHash); err != nil {
			o.logger.WarnContext(ctx, "failed to re-schedule anchor at startup",
				"user_id", userID.String(), "version_id", current.ID.String(), "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) pollAnchors(ctx context.Context) {
	settled, err := o.coordinator.PollOnce(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "anchor confirmation poll failed", "error", err)
		return
	}
	if settled > 0 {
		o.logger.InfoContext(ctx, "anchor receipts settled", "count", settled)
	}
}

func (o *Orchestrator) expireProposals(ctx context.Context) {
	started := time.Now()
	expired, err := o.workflow.ExpireSweep(ctx, requestcontext.Now(ctx))
	if err != nil {
		o.logger.ErrorContext(ctx, "proposal expiry sweep failed", "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.SweepDuration.WithLabelValues("expiry").Observe(time.Since(started).Seconds())
	}
	if expired > 0 {
		o.logger.InfoContext(ctx, "expired stale proposals", "count", expired)
	}
}

// checkinSweep ingests one periodic check-in trigger per user per year.
// The generator's quiet window decides whether it becomes a proposal.
func (o *Orchestrator) checkinSweep(ctx context.Context) {
	started := time.Now()
	userIDs, err := o.directory.ListUserIDs(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "check-in sweep failed to list users", "error", err)
		return
	}
	now := requestcontext.Now(ctx)
	for _, userID := range userIDs {
		if err := o.checkinUser(ctx, userID, now); err != nil {
			o.logger.WarnContext(ctx, "check-in failed for user",
				"user_id", userID.String(), "error", err)
		}
	}
	if o.metrics != nil {
		o.metrics.SweepDuration.WithLabelValues("checkin").Observe(time.Since(started).Seconds())
	}
}

func (o *Orchestrator) checkinUser(ctx context.Context, userID id.UserID, now time.Time) error {
	unlock := o.locks.Lock(userID)
	defer unlock()

	current, err := o.builder.Current(ctx, userID)
	if err != nil {
		return err
	}
	if current == nil {
		// Nothing to check in on before the first version exists.
		return nil
	}

	payload := map[string]any{"year": now.UTC().Year()}
	t := &trigger.Trigger{
		ID:         id.NewTriggerID(),
		UserID:     userID,
		Kind:       trigger.KindPeriodicCheckin,
		Subkind:    "annual",
		Payload:    payload,
		ObservedAt: now,
		DedupKey:   trigger.DedupKey(trigger.KindPeriodicCheckin, "annual", payload),
		Impact:     trigger.ImpactMedium,
	}
	result, ingested, err := o.ingestor.Ingest(ctx, t, audit.ActorSystem)
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}
	_, err = o.generator.FromTrigger(ctx, ingested)
	return err
}
