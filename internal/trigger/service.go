package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"heirloom/internal/audit"
	"heirloom/internal/platform/metrics"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// Result reports the outcome of an ingestion attempt. A duplicate is not an
// error: the caller gets the existing trigger ID and no downstream effects
// occur.
type Result struct {
	TriggerID id.TriggerID
	Duplicate bool
}

// Ingestor normalises exogenous facts into triggers. It owns dedup and the
// ingestion audit trail; it does not generate proposals.
type Ingestor struct {
	store   Store
	auditor *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Ingestor)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Ingestor) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Ingestor) { s.metrics = m }
}

func New(store Store, auditor *audit.Publisher, opts ...Option) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("trigger store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	s := &Ingestor{store: store, auditor: auditor, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitLifeEvent validates and ingests a user-submitted life event.
func (s *Ingestor) SubmitLifeEvent(ctx context.Context, userID id.UserID, subkind string, payload map[string]any) (Result, *Trigger, error) {
	if userID.IsNil() {
		return Result{}, nil, dErrors.New(dErrors.CodeBadRequest, "user_id is required")
	}
	if err := ValidateLifeEvent(subkind, payload); err != nil {
		return Result{}, nil, err
	}

	t := &Trigger{
		ID:         id.NewTriggerID(),
		UserID:     userID,
		Kind:       KindLifeEvent,
		Subkind:    subkind,
		Payload:    payload,
		ObservedAt: requestcontext.Now(ctx),
		DedupKey:   DedupKey(KindLifeEvent, subkind, payload),
		Impact:     lifeEventImpact[subkind],
	}
	return s.Ingest(ctx, t, audit.ActorUser)
}

// Ingest persists a fully-formed trigger idempotently. The watcher and the
// check-in sweep construct their own triggers and enter here.
func (s *Ingestor) Ingest(ctx context.Context, t *Trigger, actor audit.Actor) (Result, *Trigger, error) {
	err := s.store.Insert(ctx, t)
	if errors.Is(err, ErrDuplicate) {
		existing, lookupErr := s.store.GetByDedupKey(ctx, t.UserID, t.DedupKey)
		if lookupErr != nil {
			return Result{}, nil, dErrors.Wrap(lookupErr, dErrors.CodeInternal, "failed to resolve duplicate trigger")
		}
		if existing == nil {
			return Result{}, nil, dErrors.New(dErrors.CodeInternal, "duplicate trigger vanished during lookup")
		}
		if auditErr := s.auditor.Emit(ctx, audit.Entry{
			UserID:  t.UserID,
			Actor:   actor,
			Action:  audit.ActionTriggerDuplicate,
			Subject: audit.SubjectRef{Kind: audit.SubjectTrigger, ID: existing.ID.String()},
			Notes:   fmt.Sprintf("dedup_key=%s", t.DedupKey),
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "failed to audit duplicate trigger", "error", auditErr)
		}
		return Result{TriggerID: existing.ID, Duplicate: true}, existing, nil
	}
	if err != nil {
		return Result{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist trigger")
	}

	if err := s.auditor.Emit(ctx, audit.Entry{
		UserID:  t.UserID,
		Actor:   actor,
		Action:  audit.ActionTriggerIngested,
		Subject: audit.SubjectRef{Kind: audit.SubjectTrigger, ID: t.ID.String()},
		After: map[string]any{
			"kind":    string(t.Kind),
			"subkind": t.Subkind,
			"impact":  string(t.Impact),
		},
	}); err != nil {
		return Result{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit trigger ingestion")
	}

	if s.metrics != nil {
		s.metrics.TriggersIngested.WithLabelValues(string(t.Kind)).Inc()
	}
	return Result{TriggerID: t.ID}, t, nil
}

// Get returns a trigger by ID.
func (s *Ingestor) Get(ctx context.Context, triggerID id.TriggerID) (*Trigger, error) {
	t, err := s.store.Get(ctx, triggerID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read trigger")
	}
	if t == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "trigger %s not found", triggerID)
	}
	return t, nil
}
