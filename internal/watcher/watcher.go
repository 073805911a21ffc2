// Package watcher turns rule-catalogue revisions into law-change triggers.
// It keeps a per-(user, state, doc type) water-mark in the audit log so a
// revision is examined at most once per user, across restarts.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"heirloom/internal/audit"
	"heirloom/internal/platform/config"
	"heirloom/internal/platform/metrics"
	"heirloom/internal/proposal"
	"heirloom/internal/rules"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// ProposalGenerator is the downstream that turns a freshly ingested
// trigger into a proposal.
type ProposalGenerator interface {
	FromTrigger(ctx context.Context, t *trigger.Trigger) (*proposal.Proposal, error)
}

// UserLocker serialises writes per user. The engine shares its lock table
// with the watcher so sweeps and API calls never interleave for one user.
type UserLocker interface {
	Lock(userID id.UserID) func()
}

type noopLocker struct{}

func (noopLocker) Lock(id.UserID) func() { return func() {} }

// Stats summarises one sweep.
type Stats struct {
	UsersSeen     int
	PairsExamined int
	Triggers      int
}

// Watcher compares each user's enabled documents against the current rule
// revisions and ingests a law-change trigger when a material attribute
// changed since the user's water-mark.
type Watcher struct {
	catalogue *rules.Catalogue
	directory user.Directory
	ingestor  *trigger.Ingestor
	generator ProposalGenerator
	auditor   *audit.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       config.WatcherConfig
	locks     UserLocker

	material map[string]bool
}

type Option func(*Watcher)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

func WithLocker(locks UserLocker) Option {
	return func(w *Watcher) { w.locks = locks }
}

func New(catalogue *rules.Catalogue, directory user.Directory, ingestor *trigger.Ingestor, generator ProposalGenerator, auditor *audit.Publisher, cfg config.WatcherConfig, opts ...Option) (*Watcher, error) {
	if catalogue == nil {
		return nil, fmt.Errorf("rule catalogue is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("trigger ingestor is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("proposal generator is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	fields := cfg.MaterialFields
	if len(fields) == 0 {
		fields = config.DefaultMaterialFields
	}
	material := make(map[string]bool, len(fields))
	for _, f := range fields {
		material[f] = true
	}
	w := &Watcher{
		catalogue: catalogue,
		directory: directory,
		ingestor:  ingestor,
		generator: generator,
		auditor:   auditor,
		logger:    slog.Default(),
		cfg:       cfg,
		locks:     noopLocker{},
		material:  material,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run sweeps on the configured interval and reacts to catalogue change
// notices between sweeps.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "law-change sweep failed", "error", err)
			}
		case notice, ok := <-w.catalogue.Watch():
			if !ok {
				return nil
			}
			w.HandleNotice(ctx, notice)
		}
	}
}

// SweepOnce examines every user's enabled documents once.
func (w *Watcher) SweepOnce(ctx context.Context) (Stats, error) {
	started := time.Now()
	var stats Stats

	userIDs, err := w.directory.ListUserIDs(ctx)
	if err != nil {
		return stats, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list users")
	}
	for _, userID := range userIDs {
		profile, err := w.directory.GetProfile(ctx, userID)
		if err != nil {
			w.logger.WarnContext(ctx, "failed to load profile during sweep",
				"user_id", userID.String(), "error", err)
			continue
		}
		if profile == nil {
			continue
		}
		stats.UsersSeen++
		unlock := w.locks.Lock(userID)
		for _, docType := range profile.EnabledDocTypes {
			stats.PairsExamined++
			fired, err := w.examine(ctx, profile, docType)
			if err != nil {
				w.logger.WarnContext(ctx, "failed to examine rule pair",
					"user_id", userID.String(), "doc_type", docType.String(), "error", err)
				continue
			}
			if fired {
				stats.Triggers++
			}
		}
		unlock()
	}

	if w.metrics != nil {
		w.metrics.SweepDuration.WithLabelValues("law_change").Observe(time.Since(started).Seconds())
	}
	w.logger.InfoContext(ctx, "law-change sweep finished",
		"users", stats.UsersSeen, "pairs", stats.PairsExamined, "triggers", stats.Triggers)
	return stats, nil
}

// HandleNotice runs the water-mark check for every user the changed rule
// could affect, without waiting for the next sweep.
func (w *Watcher) HandleNotice(ctx context.Context, notice rules.ChangeNotice) {
	userIDs, err := w.directory.ListUserIDs(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to list users for change notice",
			"rule", notice.Key.String(), "error", err)
		return
	}
	for _, userID := range userIDs {
		profile, err := w.directory.GetProfile(ctx, userID)
		if err != nil || profile == nil {
			continue
		}
		if profile.Jurisdiction != notice.Key.State || !profile.HasDocType(notice.Key.DocType) {
			continue
		}
		unlock := w.locks.Lock(userID)
		if _, err := w.examine(ctx, profile, notice.Key.DocType); err != nil {
			w.logger.WarnContext(ctx, "failed to examine rule pair after notice",
				"user_id", userID.String(), "rule", notice.Key.String(), "error", err)
		}
		unlock()
	}
}

// examine compares one user's water-mark for (jurisdiction, doc type)
// against the current revision. It reports whether a trigger was ingested.
func (w *Watcher) examine(ctx context.Context, profile *user.Profile, docType id.DocType) (bool, error) {
	key := rules.Key{State: profile.Jurisdiction, DocType: docType}
	current, err := w.catalogue.Get(ctx, key)
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeNotFound {
			return false, nil
		}
		return false, err
	}

	subject := audit.RuleSubject(key.State, key.DocType)
	last, err := w.auditor.LastBySubject(ctx, profile.UserID, audit.ActionLawObserved, subject)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read water-mark")
	}
	if last == nil {
		// First sight of this pair. Record the water-mark silently so
		// pre-existing law never fires a trigger.
		return false, w.observe(ctx, profile.UserID, subject, current.RevisionID)
	}

	observed := revisionFrom(last.After)
	if observed >= current.RevisionID {
		return false, nil
	}

	diffs, err := w.catalogue.Diff(ctx, key, observed, current.RevisionID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to diff revisions")
	}
	materialDiffs := w.filterMaterial(diffs)
	if len(materialDiffs) == 0 {
		return false, w.observe(ctx, profile.UserID, subject, current.RevisionID)
	}

	if err := w.fire(ctx, profile, key, current, observed, materialDiffs); err != nil {
		return false, err
	}
	return true, w.observe(ctx, profile.UserID, subject, current.RevisionID)
}

func (w *Watcher) fire(ctx context.Context, profile *user.Profile, key rules.Key, current *rules.Rule, fromRevision int64, diffs []rules.FieldDiff) error {
	changed := make([]string, len(diffs))
	for i, d := range diffs {
		changed[i] = d.Field
	}
	sort.Strings(changed)

	payload := map[string]any{
		"state":         key.State.String(),
		"doc_type":      key.DocType.String(),
		"from_revision": fromRevision,
		"to_revision":   current.RevisionID,
		"changed":       changed,
	}
	if len(current.Citations) > 0 {
		payload["citations"] = current.Citations
	}
	if current.EffectiveAt != nil {
		payload["effective_at"] = current.EffectiveAt.UTC().Format(time.RFC3339)
	}

	subkind := key.String()
	t := &trigger.Trigger{
		ID:         id.NewTriggerID(),
		UserID:     profile.UserID,
		Kind:       trigger.KindLawChange,
		Subkind:    subkind,
		Payload:    payload,
		ObservedAt: requestcontext.Now(ctx),
		DedupKey:   trigger.DedupKey(trigger.KindLawChange, subkind, payload),
		Impact:     impactOf(changed),
	}
	result, ingested, err := w.ingestor.Ingest(ctx, t, audit.ActorSystem)
	if err != nil {
		return err
	}
	if result.Duplicate {
		return nil
	}
	if _, err := w.generator.FromTrigger(ctx, ingested); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate proposal from law change")
	}
	return nil
}

// observe advances the water-mark. It runs after the trigger, so a crash
// in between re-fires the trigger and dedup absorbs it.
func (w *Watcher) observe(ctx context.Context, userID id.UserID, subject audit.SubjectRef, revision int64) error {
	return w.auditor.Emit(ctx, audit.Entry{
		UserID:  userID,
		Action:  audit.ActionLawObserved,
		Subject: subject,
		After:   map[string]any{"revision_id": revision},
	})
}

func (w *Watcher) filterMaterial(diffs []rules.FieldDiff) []rules.FieldDiff {
	var out []rules.FieldDiff
	for _, d := range diffs {
		if w.material[d.Field] {
			out = append(out, d)
		}
	}
	return out
}

// impactOf grades a law change: execution formality changes are critical,
// everything else material is high.
func impactOf(changed []string) trigger.Impact {
	for _, f := range changed {
		if f == rules.FieldNotarisationRequired || f == rules.FieldWitnessesRequired {
			return trigger.ImpactCritical
		}
	}
	return trigger.ImpactHigh
}

// revisionFrom decodes the water-mark revision out of an audit After map.
// Entries read back from storage carry JSON numbers.
func revisionFrom(after map[string]any) int64 {
	switch v := after["revision_id"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
