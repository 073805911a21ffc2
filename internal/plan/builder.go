package plan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"heirloom/internal/audit"
	"heirloom/internal/platform/metrics"
	"heirloom/internal/proposal"
	"heirloom/internal/user"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/platform/tx"
	"heirloom/pkg/requestcontext"
)

const defaultRenderTimeout = 30 * time.Second

// Builder assembles immutable plan versions from approved proposals. All
// documents are rendered before anything is persisted, so a renderer
// failure leaves no partial version behind.
type Builder struct {
	store         Store
	blobs         BlobStore
	renderer      Renderer
	directory     user.Directory
	auditor       *audit.Publisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	db            *sql.DB
	renderTimeout time.Duration
}

type Option func(*Builder)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithDB wraps version activation in a database transaction.
func WithDB(db *sql.DB) Option {
	return func(b *Builder) { b.db = db }
}

func WithRenderTimeout(d time.Duration) Option {
	return func(b *Builder) { b.renderTimeout = d }
}

func NewBuilder(store Store, blobs BlobStore, renderer Renderer, directory user.Directory, auditor *audit.Publisher, opts ...Option) (*Builder, error) {
	if store == nil {
		return nil, fmt.Errorf("plan store is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("audit publisher is required")
	}
	b := &Builder{
		store:         store,
		blobs:         blobs,
		renderer:      renderer,
		directory:     directory,
		auditor:       auditor,
		logger:        slog.Default(),
		renderTimeout: defaultRenderTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build renders a new version from an approved proposal and activates it.
// Calling Build again for the same proposal returns the version already
// built, without rendering.
func (b *Builder) Build(ctx context.Context, p *proposal.Proposal) (id.VersionID, string, error) {
	existing, err := b.store.GetByProposal(ctx, p.ID)
	if err != nil {
		return id.VersionID{}, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up existing version")
	}
	if existing != nil {
		return existing.ID, existing.PlanHash, nil
	}

	profile, err := b.profile(ctx, p.UserID)
	if err != nil {
		return id.VersionID{}, "", err
	}

	answers := applyChanges(profile.Answers, p.RequiredChanges)
	sourceID := p.ID
	return b.assemble(ctx, profile, answers, &sourceID)
}

// Baseline builds and activates a user's first version directly from their
// questionnaire answers, with no proposal involved.
func (b *Builder) Baseline(ctx context.Context, userID id.UserID) (id.VersionID, string, error) {
	max, err := b.store.MaxVersionNumber(ctx, userID)
	if err != nil {
		return id.VersionID{}, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to check existing versions")
	}
	if max > 0 {
		return id.VersionID{}, "", dErrors.Newf(dErrors.CodeConflict,
			"user %s already has a plan version", userID)
	}

	profile, err := b.profile(ctx, userID)
	if err != nil {
		return id.VersionID{}, "", err
	}
	return b.assemble(ctx, profile, copyAnswers(profile.Answers), nil)
}

// Current returns the user's active version, or nil when none exists.
func (b *Builder) Current(ctx context.Context, userID id.UserID) (*Version, error) {
	v, err := b.store.CurrentByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read current version")
	}
	return v, nil
}

// Get returns one version.
func (b *Builder) Get(ctx context.Context, versionID id.VersionID) (*Version, error) {
	v, err := b.store.Get(ctx, versionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read version")
	}
	if v == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "version %s not found", versionID)
	}
	return v, nil
}

// RecoverDrafts deletes versions stranded in draft by a crash between
// insert and activation. Run once at startup before any building begins.
func (b *Builder) RecoverDrafts(ctx context.Context) (int, error) {
	drafts, err := b.store.ListDrafts(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list draft versions")
	}
	count := 0
	for i := range drafts {
		d := &drafts[i]
		if err := b.store.DeleteDraft(ctx, d.ID); err != nil {
			b.logger.WarnContext(ctx, "failed to roll back draft version",
				"version_id", d.ID.String(), "error", err)
			continue
		}
		b.logger.InfoContext(ctx, "rolled back incomplete draft version",
			"version_id", d.ID.String(), "user_id", d.UserID.String())
		count++
	}
	return count, nil
}

func (b *Builder) assemble(ctx context.Context, profile *user.Profile, answers map[string]any, sourceID *id.ProposalID) (id.VersionID, string, error) {
	rendered := make(map[id.DocType]*RenderedDoc, len(profile.EnabledDocTypes))
	for _, docType := range profile.EnabledDocTypes {
		doc, err := b.render(ctx, docType, profile.Jurisdiction, answers)
		if err != nil {
			return id.VersionID{}, "", err
		}
		rendered[docType] = doc
	}

	artifacts := make(map[id.DocType]Artifact, len(rendered))
	for docType, doc := range rendered {
		hash := ContentHash(doc.Bytes)
		if err := b.blobs.Put(ctx, hash, doc.Bytes); err != nil {
			return id.VersionID{}, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to store document")
		}
		artifacts[docType] = Artifact{
			ContentHash:     hash,
			ByteSize:        int64(len(doc.Bytes)),
			RendererVersion: doc.RendererVersion,
		}
	}

	now := requestcontext.Now(ctx)
	v := &Version{
		ID:               id.NewVersionID(),
		UserID:           profile.UserID,
		SourceProposalID: sourceID,
		AnswersSnapshot:  answers,
		Artifacts:        artifacts,
		PlanHash:         ComputePlanHash(artifacts),
		Status:           StatusDraft,
		CreatedAt:        now,
	}

	if err := b.activate(ctx, v, now); err != nil {
		return id.VersionID{}, "", err
	}

	if b.metrics != nil {
		b.metrics.VersionsActivated.Inc()
	}
	b.logger.InfoContext(ctx, "activated plan version",
		"user_id", v.UserID.String(), "version_id", v.ID.String(),
		"version_number", v.VersionNumber, "plan_hash", v.PlanHash)
	return v.ID, v.PlanHash, nil
}

// activate inserts the draft and promotes it to current in one unit of
// work, demoting the previous current version first.
func (b *Builder) activate(ctx context.Context, v *Version, now time.Time) error {
	return b.inTx(ctx, func(ctx context.Context) error {
		max, err := b.store.MaxVersionNumber(ctx, v.UserID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to number version")
		}
		v.VersionNumber = max + 1

		if err := b.store.Insert(ctx, v); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to insert version")
		}
		if err := b.auditor.Emit(ctx, audit.Entry{
			UserID:  v.UserID,
			Action:  audit.ActionVersionBuilt,
			Subject: audit.SubjectRef{Kind: audit.SubjectVersion, ID: v.ID.String()},
			After:   map[string]any{"version_number": v.VersionNumber, "plan_hash": v.PlanHash},
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit version build")
		}

		prior, err := b.store.CurrentByUser(ctx, v.UserID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read current version")
		}
		if prior != nil {
			if err := b.store.UpdateStatus(ctx, prior.ID, StatusCurrent, StatusSuperseded, nil); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to supersede version")
			}
			if err := b.auditor.Emit(ctx, audit.Entry{
				UserID:  v.UserID,
				Action:  audit.ActionVersionSuperseded,
				Subject: audit.SubjectRef{Kind: audit.SubjectVersion, ID: prior.ID.String()},
				Before:  map[string]any{"version_number": prior.VersionNumber},
			}); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to audit supersession")
			}
		}

		if err := b.store.UpdateStatus(ctx, v.ID, StatusDraft, StatusCurrent, &now); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to activate version")
		}
		v.Status = StatusCurrent
		v.ActivatedAt = &now
		return b.auditor.Emit(ctx, audit.Entry{
			UserID:  v.UserID,
			Action:  audit.ActionVersionActivated,
			Subject: audit.SubjectRef{Kind: audit.SubjectVersion, ID: v.ID.String()},
			After:   map[string]any{"version_number": v.VersionNumber},
		})
	})
}

func (b *Builder) render(ctx context.Context, docType id.DocType, state id.StateCode, answers map[string]any) (*RenderedDoc, error) {
	renderCtx, cancel := context.WithTimeout(ctx, b.renderTimeout)
	defer cancel()

	doc, err := b.renderer.Render(renderCtx, docType, state, answers)
	if err != nil {
		switch dErrors.CodeOf(err) {
		case dErrors.CodeRendererTransient, dErrors.CodeRendererPermanent:
			return nil, err
		}
		if renderCtx.Err() != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeRendererTransient,
				fmt.Sprintf("rendering %s timed out", docType))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeRendererTransient,
			fmt.Sprintf("rendering %s failed", docType))
	}
	if doc == nil || len(doc.Bytes) == 0 {
		return nil, dErrors.Newf(dErrors.CodeRendererPermanent, "renderer returned empty %s document", docType)
	}
	return doc, nil
}

func (b *Builder) profile(ctx context.Context, userID id.UserID) (*user.Profile, error) {
	profile, err := b.directory.GetProfile(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user profile")
	}
	if profile == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "user %s not found", userID)
	}
	if len(profile.EnabledDocTypes) == 0 {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "user %s has no enabled document types", userID)
	}
	return profile, nil
}

func (b *Builder) inTx(ctx context.Context, fn func(context.Context) error) error {
	if b.db == nil {
		return fn(ctx)
	}
	dbTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to begin transaction")
	}
	if err := fn(tx.WithTx(ctx, dbTx)); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to commit transaction")
	}
	return nil
}

// applyChanges produces the new answers snapshot. The input map is never
// mutated.
func applyChanges(answers map[string]any, changes []proposal.RequiredChange) map[string]any {
	out := copyAnswers(answers)
	for _, c := range changes {
		switch c.Op {
		case proposal.OpSetField:
			out[c.Field] = c.Value
		case proposal.OpAddBeneficiary:
			out["beneficiaries"] = addBeneficiary(beneficiaries(out), c.Field, c.Value)
		case proposal.OpRemoveBeneficiary:
			out["beneficiaries"] = removeBeneficiary(beneficiaries(out), c.Field)
		case proposal.OpRebindDocType:
			// No answer change. The rebound document re-renders against
			// the current rules as part of this build.
		}
	}
	return out
}

func copyAnswers(answers map[string]any) map[string]any {
	out := make(map[string]any, len(answers))
	for k, v := range answers {
		out[k] = v
	}
	return out
}

func beneficiaries(answers map[string]any) []any {
	list, _ := answers["beneficiaries"].([]any)
	return list
}

func addBeneficiary(list []any, relation string, value any) []any {
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if ok && m["relation"] == relation && m["name"] == value {
			return list
		}
	}
	return append(list, map[string]any{"relation": relation, "name": value})
}

func removeBeneficiary(list []any, relation string) []any {
	out := make([]any, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if ok && m["relation"] == relation {
			continue
		}
		out = append(out, entry)
	}
	return out
}
