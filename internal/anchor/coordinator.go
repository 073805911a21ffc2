package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"heirloom/internal/audit"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/metrics"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

const queueCapacity = 1024

type job struct {
	userID    id.UserID
	versionID id.VersionID
	planHash  string
}

// Coordinator submits plan hashes to the anchoring provider. Submissions
// run on a bounded worker pool, retry transient failures with exponential
// backoff, and stop when the daily spend budget is exhausted. A version is
// submitted at most once: the receipt insert is the gate.
type Coordinator struct {
	store   Store
	client  Client
	auditor *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     config.AnchorConfig

	queue chan job
	sem   *semaphore.Weighted
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	budget   budgetWindow
	deferred []job
}

type budgetWindow struct {
	day   string // UTC date the spend belongs to
	spent float64
}

type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSleep replaces the backoff sleep. Tests use it to run retries
// instantly.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

func NewCoordinator(store Store, client Client, auditor *audit.Publisher, cfg config.AnchorConfig, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("anchor store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("anchor client is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	c := &Coordinator{
		store:   store,
		client:  client,
		auditor: auditor,
		logger:  slog.Default(),
		cfg:     cfg,
		queue:   make(chan job, queueCapacity),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		sleep:   sleepWithContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Schedule enqueues a version for anchoring. A version that already has a
// receipt is skipped silently.
func (c *Coordinator) Schedule(ctx context.Context, userID id.UserID, versionID id.VersionID, planHash string) error {
	existing, err := c.store.GetByVersion(ctx, versionID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check for existing receipt")
	}
	if existing != nil {
		return nil
	}
	select {
	case c.queue <- job{userID: userID, versionID: versionID, planHash: planHash}:
		return nil
	default:
		return dErrors.Newf(dErrors.CodeInternal, "anchor queue is full")
	}
}

// Run consumes the queue until the context is cancelled. Deferred jobs are
// re-enqueued when the budget day rolls over.
func (c *Coordinator) Run(ctx context.Context) error {
	rollover := time.NewTicker(time.Minute)
	defer rollover.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rollover.C:
			c.requeueDeferred(ctx)
		case j := <-c.queue:
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func(j job) {
				defer c.sem.Release(1)
				c.process(ctx, j)
			}(j)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, j job) {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if !c.reserveBudget(requestcontext.Now(ctx)) {
			c.deferJob(ctx, j)
			return
		}

		err := c.submit(ctx, j, attempt)
		if err == nil {
			return
		}
		if dErrors.CodeOf(err) == dErrors.CodeAnchorPermanent {
			c.fail(ctx, j, err)
			return
		}

		c.logger.WarnContext(ctx, "anchor submission failed, will retry",
			"version_id", j.versionID.String(), "attempt", attempt, "error", err)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
			return
		}
	}
	c.fail(ctx, j, dErrors.Newf(dErrors.CodeAnchorTransient,
		"gave up after %d attempts", c.cfg.MaxAttempts))
}

func (c *Coordinator) submit(ctx context.Context, j job, attempt int) error {
	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	sub, err := c.client.Submit(submitCtx, j.planHash)
	if err != nil {
		switch dErrors.CodeOf(err) {
		case dErrors.CodeAnchorTransient, dErrors.CodeAnchorPermanent:
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeAnchorTransient, "anchor submission failed")
	}

	now := requestcontext.Now(ctx)
	receipt := &Receipt{
		VersionID:    j.versionID,
		UserID:       j.userID,
		PlanHash:     j.planHash,
		AnchorID:     sub.AnchorID,
		Status:       StatusPending,
		ExternalURL:  sub.ExternalURL,
		AttemptCount: attempt,
		SubmittedAt:  now,
	}
	if err := c.store.Insert(ctx, receipt); err != nil {
		if err == ErrDuplicate {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeAnchorTransient, "failed to persist receipt")
	}

	if c.metrics != nil {
		c.metrics.AnchorSubmissions.WithLabelValues("submitted").Inc()
	}
	return c.auditor.Emit(ctx, audit.Entry{
		UserID:  j.userID,
		Action:  audit.ActionAnchorSubmitted,
		Subject: audit.SubjectRef{Kind: audit.SubjectReceipt, ID: j.versionID.String()},
		After:   map[string]any{"anchor_id": sub.AnchorID, "plan_hash": j.planHash},
	})
}

func (c *Coordinator) fail(ctx context.Context, j job, cause error) {
	if c.metrics != nil {
		c.metrics.AnchorSubmissions.WithLabelValues("failed").Inc()
	}
	if err := c.auditor.Emit(ctx, audit.Entry{
		UserID:  j.userID,
		Action:  audit.ActionAnchorFailed,
		Subject: audit.SubjectRef{Kind: audit.SubjectReceipt, ID: j.versionID.String()},
		Notes:   fmt.Sprintf("failure: %s", dErrors.CodeOf(cause)),
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to audit anchor failure",
			"version_id", j.versionID.String(), "error", err)
	}
}

// deferJob records a budget deferral. No receipt is written; the job waits
// for the next budget day.
func (c *Coordinator) deferJob(ctx context.Context, j job) {
	c.mu.Lock()
	c.deferred = append(c.deferred, j)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.AnchorSubmissions.WithLabelValues("deferred").Inc()
	}
	if err := c.auditor.Emit(ctx, audit.Entry{
		UserID:  j.userID,
		Action:  audit.ActionAnchorDeferred,
		Subject: audit.SubjectRef{Kind: audit.SubjectReceipt, ID: j.versionID.String()},
		Notes:   "daily anchoring budget exhausted",
	}); err != nil {
		c.logger.ErrorContext(ctx, "failed to audit anchor deferral",
			"version_id", j.versionID.String(), "error", err)
	}
	c.logger.InfoContext(ctx, "anchor submission deferred",
		"version_id", j.versionID.String())
}

func (c *Coordinator) requeueDeferred(ctx context.Context) {
	c.mu.Lock()
	sameDay := c.budget.day == budgetDay(requestcontext.Now(ctx))
	exhausted := c.budget.spent+c.cfg.SubmitCostUSD > c.cfg.DailyBudgetUSD
	if len(c.deferred) == 0 || (sameDay && exhausted) {
		c.mu.Unlock()
		return
	}
	pending := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	for _, j := range pending {
		select {
		case c.queue <- j:
		default:
			c.mu.Lock()
			c.deferred = append(c.deferred, j)
			c.mu.Unlock()
		}
	}
}

// reserveBudget charges one submission against the daily window. The
// window resets at UTC midnight.
func (c *Coordinator) reserveBudget(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := budgetDay(now)
	if c.budget.day != day {
		c.budget = budgetWindow{day: day}
	}
	if c.budget.spent+c.cfg.SubmitCostUSD > c.cfg.DailyBudgetUSD {
		return false
	}
	c.budget.spent += c.cfg.SubmitCostUSD
	return true
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.RetryCap {
			return c.cfg.RetryCap
		}
	}
	if d > c.cfg.RetryCap {
		return c.cfg.RetryCap
	}
	return d
}

func budgetDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
