package rules

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/tx"
)

// Catalogue is the typed read model of per-state legal requirements. Reads
// go through the cache; snapshot loads are serialised by a catalogue-wide
// lock and broadcast their changes to the watcher.
type Catalogue struct {
	mu      sync.Mutex // serialises UpsertFromSnapshot
	store   Store
	cache   Cache
	db      *sql.DB // optional; snapshot loads run in one transaction when set
	logger  *slog.Logger
	notices chan ChangeNotice
}

type Option func(*Catalogue)

func WithCache(cache Cache) Option {
	return func(c *Catalogue) { c.cache = cache }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalogue) { c.logger = logger }
}

// WithDB enables transactional snapshot loads against PostgreSQL-backed
// stores.
func WithDB(db *sql.DB) Option {
	return func(c *Catalogue) { c.db = db }
}

func New(store Store, opts ...Option) (*Catalogue, error) {
	if store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	c := &Catalogue{
		store:   store,
		cache:   NoopCache{},
		logger:  slog.Default(),
		notices: make(chan ChangeNotice, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Watch returns the change broadcast channel. The law-change watcher is the
// single consumer.
func (c *Catalogue) Watch() <-chan ChangeNotice {
	return c.notices
}

// Get returns the current revision for a key.
func (c *Catalogue) Get(ctx context.Context, key Key) (*Rule, error) {
	if rule, ok := c.cache.Get(ctx, key); ok {
		return rule, nil
	}
	rule, err := c.store.GetCurrent(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read rule")
	}
	if rule == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no rule for %s", key)
	}
	c.cache.Set(ctx, rule)
	return rule, nil
}

// ListByState returns the current revision of every rule in a state.
func (c *Catalogue) ListByState(ctx context.Context, state id.StateCode) ([]Rule, error) {
	out, err := c.store.ListCurrentByState(ctx, state)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list rules")
	}
	return out, nil
}

// Diff returns the attribute changes between two revisions of a key.
func (c *Catalogue) Diff(ctx context.Context, key Key, fromRevision, toRevision int64) ([]FieldDiff, error) {
	if fromRevision == toRevision {
		return nil, nil
	}
	from, err := c.store.GetRevision(ctx, key, fromRevision)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read rule revision")
	}
	if from == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no revision %d for %s", fromRevision, key)
	}
	to, err := c.store.GetRevision(ctx, key, toRevision)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read rule revision")
	}
	if to == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "no revision %d for %s", toRevision, key)
	}
	return diffRules(from, to), nil
}

// UpsertFromSnapshot bulk-loads a rule snapshot. Rows whose attributes
// match the stored current revision are skipped; the rest get a new
// revision. The whole load validates first and fails on the first
// offending row; nothing is written on a validation failure.
func (c *Catalogue) UpsertFromSnapshot(ctx context.Context, snapshot []Rule) (changed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[Key]struct{}, len(snapshot))
	for i := range snapshot {
		row := &snapshot[i]
		if err := row.Validate(); err != nil {
			return 0, dErrors.Wrap(err, dErrors.CodeBadRequest,
				fmt.Sprintf("snapshot row %d (%s)", i, row.Key))
		}
		if _, dup := seen[row.Key]; dup {
			return 0, dErrors.Newf(dErrors.CodeBadRequest,
				"snapshot row %d (%s): duplicate key", i, row.Key)
		}
		seen[row.Key] = struct{}{}
	}

	var pending []ChangeNotice
	apply := func(ctx context.Context) error {
		pending = pending[:0]
		for i := range snapshot {
			notice, err := c.upsertOne(ctx, &snapshot[i])
			if err != nil {
				return err
			}
			if notice != nil {
				pending = append(pending, *notice)
			}
		}
		return nil
	}

	if err := c.inTx(ctx, apply); err != nil {
		return 0, err
	}

	for _, notice := range pending {
		c.cache.Invalidate(ctx, notice.Key)
		select {
		case c.notices <- notice:
		default:
			c.logger.Warn("rule change notice dropped; watcher will catch up on next sweep",
				"key", notice.Key.String())
		}
	}
	return len(pending), nil
}

func (c *Catalogue) upsertOne(ctx context.Context, row *Rule) (*ChangeNotice, error) {
	current, err := c.store.GetCurrent(ctx, row.Key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read rule")
	}

	next := *row
	next.UpdatedAt = time.Now()
	if current == nil {
		next.RevisionID = 1
	} else {
		if attributesEqual(current, &next) {
			return nil, nil
		}
		next.RevisionID = current.RevisionID + 1
	}

	if err := c.store.Insert(ctx, &next); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write rule revision")
	}

	notice := ChangeNotice{
		Key:         next.Key,
		ToRevision:  next.RevisionID,
		Citations:   next.Citations,
		EffectiveAt: next.EffectiveAt,
	}
	if current != nil {
		notice.FromRevision = current.RevisionID
		notice.Changed = diffRules(current, &next)
	}
	return &notice, nil
}

// inTx runs fn inside a SQL transaction when a DB is configured, else
// directly. The transaction rides the context so stores pick it up.
func (c *Catalogue) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.db == nil {
		return fn(ctx)
	}
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin snapshot transaction")
	}
	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit snapshot transaction")
	}
	return nil
}
