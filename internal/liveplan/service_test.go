package liveplan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"heirloom/internal/anchor"
	"heirloom/internal/audit"
	"heirloom/internal/plan"
	"heirloom/internal/platform/config"
	"heirloom/internal/proposal"
	"heirloom/internal/rules"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// =============================================================================
// Live-Plan Engine Test Suite
// =============================================================================
// End-to-end over in-memory collaborators: trigger ingestion through proposal
// decision, version activation, and status derivation, exactly as the HTTP
// layer drives it.

type EngineSuite struct {
	suite.Suite
	directory   *user.InMemoryDirectory
	auditStore  *audit.InMemoryStore
	anchorStore *anchor.InMemoryStore
	coordinator *anchor.Coordinator
	engine      *Engine
	userID      id.UserID
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.directory = user.NewInMemoryDirectory()
	s.auditStore = audit.NewInMemoryStore()
	s.anchorStore = anchor.NewInMemory()
	s.userID = id.UserID("alice")
	auditor := audit.NewPublisher(s.auditStore)

	s.directory.Put(&user.Profile{
		UserID:          s.userID,
		Jurisdiction:    "CA",
		EnabledDocTypes: []id.DocType{id.DocWill, id.DocBeneficiaries},
		Answers:         map[string]any{"marital_status": "single", "state": "CA"},
	})

	catalogue, err := rules.New(rules.NewInMemoryStore())
	s.Require().NoError(err)

	ingestor, err := trigger.New(trigger.NewInMemoryStore(), auditor)
	s.Require().NoError(err)

	proposalStore := proposal.NewInMemoryStore()
	generator, err := proposal.NewGenerator(proposalStore, s.directory, auditor)
	s.Require().NoError(err)

	builder, err := plan.NewBuilder(plan.NewInMemory(), plan.NewInMemoryBlobStore(),
		plan.NewLocalRenderer(catalogue), s.directory, auditor)
	s.Require().NoError(err)

	s.coordinator, err = anchor.NewCoordinator(s.anchorStore, anchor.NewInMemoryClient(),
		auditor, config.AnchorConfig{
			DailyBudgetUSD: 50,
			SubmitCostUSD:  0.25,
			RetryBase:      time.Millisecond,
			RetryCap:       time.Millisecond,
			MaxAttempts:    1,
			SubmitTimeout:  time.Second,
			PollTimeout:    time.Second,
			Workers:        1,
		})
	s.Require().NoError(err)

	workflow, err := proposal.NewWorkflow(proposalStore, builder, s.coordinator, auditor)
	s.Require().NoError(err)

	s.engine, err = NewEngine(ingestor, generator, workflow, builder, s.coordinator,
		auditor, s.directory, NewUserLocks())
	s.Require().NoError(err)
}

func (s *EngineSuite) ctxFor(userID id.UserID) context.Context {
	return requestcontext.WithUserID(context.Background(), userID)
}

func (s *EngineSuite) confirmAnchor(versionID id.VersionID, planHash string) {
	ctx := context.Background()
	now := time.Now()
	confirmed := now
	s.Require().NoError(s.anchorStore.Insert(ctx, &anchor.Receipt{
		VersionID:    versionID,
		UserID:       s.userID,
		PlanHash:     planHash,
		AnchorID:     "anchor-test",
		Status:       anchor.StatusConfirmed,
		AttemptCount: 1,
		SubmittedAt:  now,
		ConfirmedAt:  &confirmed,
	}))
}

// =============================================================================
// Authentication Tests
// =============================================================================

func (s *EngineSuite) TestRequiresAuthenticatedUser() {
	ctx := context.Background()

	_, _, err := s.engine.SubmitEvent(ctx, trigger.SubkindHome, map[string]any{})
	s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	_, err = s.engine.Baseline(ctx)
	s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))

	_, err = s.engine.GetStatus(ctx)
	s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

// =============================================================================
// Life Event Pipeline Tests
// =============================================================================

func (s *EngineSuite) TestLifeEventToActiveVersion() {
	ctx := s.ctxFor(s.userID)

	baselineID, err := s.engine.Baseline(ctx)
	s.Require().NoError(err)

	result, p, err := s.engine.SubmitEvent(ctx, trigger.SubkindMarriage,
		map[string]any{"date": "2026-06-01", "spouse": "Jordan"})
	s.Require().NoError(err)
	s.False(result.Duplicate)
	s.Require().NotNil(p)

	s.Run("status is pending review while the proposal waits", func() {
		status, err := s.engine.GetStatus(ctx)
		s.Require().NoError(err)
		s.Equal(StatePendingReview, status.OverallState)
		s.Equal(1, status.PendingProposals)
	})

	s.Run("duplicate submission yields no second proposal", func() {
		dup, p2, err := s.engine.SubmitEvent(ctx, trigger.SubkindMarriage,
			map[string]any{"date": "2026-06-01", "spouse": "Jordan"})
		s.Require().NoError(err)
		s.True(dup.Duplicate)
		s.Equal(result.TriggerID, dup.TriggerID)
		s.Nil(p2)
	})

	var versionID id.VersionID
	s.Run("approval activates the next version", func() {
		versionID, err = s.engine.ApproveProposal(ctx, p.ID)
		s.Require().NoError(err)
		s.NotEqual(baselineID, versionID)

		v, err := s.engine.GetVersion(ctx, versionID)
		s.Require().NoError(err)
		s.Equal(2, v.VersionNumber)
		s.Equal(plan.StatusCurrent, v.Status)
		s.Equal("married", v.AnswersSnapshot["marital_status"])
	})

	s.Run("re-approval returns the same version", func() {
		again, err := s.engine.ApproveProposal(ctx, p.ID)
		s.Require().NoError(err)
		s.Equal(versionID, again)
	})

	s.Run("status is active until the anchor confirms", func() {
		status, err := s.engine.GetStatus(ctx)
		s.Require().NoError(err)
		s.Equal(StateActive, status.OverallState)
		s.Zero(status.PendingProposals)
		s.Equal(2, status.VersionNumber)
	})

	s.Run("status is up to date once the anchor confirms", func() {
		v, err := s.engine.GetVersion(ctx, versionID)
		s.Require().NoError(err)
		s.confirmAnchor(versionID, v.PlanHash)

		status, err := s.engine.GetStatus(ctx)
		s.Require().NoError(err)
		s.Equal(StateUpToDate, status.OverallState)
		s.Require().NotNil(status.LastReceipt)
		s.Equal(anchor.StatusConfirmed, status.LastReceipt.Status)
	})
}

// =============================================================================
// Baseline Tests
// =============================================================================

func (s *EngineSuite) TestBaseline() {
	ctx := s.ctxFor(s.userID)

	s.Run("starts as not started", func() {
		status, err := s.engine.GetStatus(ctx)
		s.Require().NoError(err)
		s.Equal(StateNotStarted, status.OverallState)
		s.Nil(status.CurrentVersionID)
	})

	s.Run("baseline creates version one", func() {
		versionID, err := s.engine.Baseline(ctx)
		s.Require().NoError(err)

		status, err := s.engine.GetStatus(ctx)
		s.Require().NoError(err)
		s.Equal(StateActive, status.OverallState)
		s.Require().NotNil(status.CurrentVersionID)
		s.Equal(versionID, *status.CurrentVersionID)
		s.Equal(1, status.VersionNumber)
	})

	s.Run("second baseline conflicts", func() {
		_, err := s.engine.Baseline(ctx)
		s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))
	})
}

func (s *EngineSuite) TestStatusReceiptIsScopedToCurrentVersion() {
	ctx := s.ctxFor(s.userID)

	baselineID, err := s.engine.Baseline(ctx)
	s.Require().NoError(err)
	baseline, err := s.engine.GetVersion(ctx, baselineID)
	s.Require().NoError(err)
	s.confirmAnchor(baselineID, baseline.PlanHash)

	_, p, err := s.engine.SubmitEvent(ctx, trigger.SubkindMarriage,
		map[string]any{"date": "2026-06-01"})
	s.Require().NoError(err)
	s.Require().NotNil(p)
	_, err = s.engine.ApproveProposal(ctx, p.ID)
	s.Require().NoError(err)

	// The new current version is unanchored; the superseded version's
	// confirmed receipt must not show through as the last receipt.
	status, err := s.engine.GetStatus(ctx)
	s.Require().NoError(err)
	s.Equal(StateActive, status.OverallState)
	s.Nil(status.LastReceipt)
}

// =============================================================================
// Rejection Tests
// =============================================================================

func (s *EngineSuite) TestRejectProposal() {
	ctx := s.ctxFor(s.userID)

	_, p, err := s.engine.SubmitEvent(ctx, trigger.SubkindChild, map[string]any{"name": "Sam"})
	s.Require().NoError(err)
	s.Require().NotNil(p)

	s.Require().NoError(s.engine.RejectProposal(ctx, p.ID, "not yet"))

	s.Run("rejected proposal leaves the pending set", func() {
		pending, err := s.engine.ListProposals(ctx, []proposal.State{proposal.StatePending})
		s.Require().NoError(err)
		s.Empty(pending)

		rejected, err := s.engine.ListProposals(ctx, []proposal.State{proposal.StateRejected})
		s.Require().NoError(err)
		s.Require().Len(rejected, 1)
		s.Equal("not yet", rejected[0].ResolutionNote)
	})

	s.Run("rejected proposal cannot be approved", func() {
		_, err := s.engine.ApproveProposal(ctx, p.ID)
		s.Equal(dErrors.CodeInvalidTransition, dErrors.CodeOf(err))
	})
}

// =============================================================================
// Ownership Tests
// =============================================================================

func (s *EngineSuite) TestOwnership() {
	ctx := s.ctxFor(s.userID)

	s.directory.Put(&user.Profile{
		UserID:          "mallory",
		Jurisdiction:    "NY",
		EnabledDocTypes: []id.DocType{id.DocWill},
	})
	malloryCtx := s.ctxFor("mallory")

	_, p, err := s.engine.SubmitEvent(ctx, trigger.SubkindHome, map[string]any{})
	s.Require().NoError(err)
	s.Require().NotNil(p)

	versionID, err := s.engine.Baseline(ctx)
	s.Require().NoError(err)

	s.Run("another user's proposal reads as not found", func() {
		_, err := s.engine.ApproveProposal(malloryCtx, p.ID)
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))

		err = s.engine.RejectProposal(malloryCtx, p.ID, "")
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})

	s.Run("another user's version reads as not found", func() {
		_, err := s.engine.GetVersion(malloryCtx, versionID)
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})

	s.Run("proposal listings are scoped to the caller", func() {
		mine, err := s.engine.ListProposals(malloryCtx, nil)
		s.Require().NoError(err)
		s.Empty(mine)
	})
}

// =============================================================================
// Manual Trigger Tests
// =============================================================================

func (s *EngineSuite) TestSubmitManualTrigger() {
	ctx := context.Background()

	s.Run("operator trigger flows through the same pipeline", func() {
		result, p, err := s.engine.SubmitManualTrigger(ctx, s.userID, trigger.SubkindMarriage,
			map[string]any{"date": "2026-06-01"})
		s.Require().NoError(err)
		s.False(result.Duplicate)
		s.Require().NotNil(p)
		// Manual triggers carry medium impact regardless of subkind.
		s.Equal(proposal.SeverityMedium, p.Severity)
	})

	s.Run("empty user is rejected", func() {
		_, _, err := s.engine.SubmitManualTrigger(ctx, "", "review", nil)
		s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))
	})
}

// =============================================================================
// Audit Access Tests
// =============================================================================

func (s *EngineSuite) TestGetAudit() {
	ctx := s.ctxFor(s.userID)

	_, err := s.engine.Baseline(ctx)
	s.Require().NoError(err)
	_, p, err := s.engine.SubmitEvent(ctx, trigger.SubkindChild, map[string]any{"name": "Sam"})
	s.Require().NoError(err)
	s.Require().NotNil(p)

	s.Run("full trail covers the whole pipeline", func() {
		entries, err := s.engine.GetAudit(ctx, 0, nil)
		s.Require().NoError(err)

		actions := map[audit.Action]bool{}
		for _, e := range entries {
			actions[e.Action] = true
		}
		s.True(actions[audit.ActionVersionBuilt])
		s.True(actions[audit.ActionVersionActivated])
		s.True(actions[audit.ActionTriggerIngested])
		s.True(actions[audit.ActionProposalCreated])
	})

	s.Run("since cursor pages the trail", func() {
		all, err := s.engine.GetAudit(ctx, 0, nil)
		s.Require().NoError(err)
		s.Require().NotEmpty(all)

		rest, err := s.engine.GetAudit(ctx, all[0].EntryID, nil)
		s.Require().NoError(err)
		s.Len(rest, len(all)-1)
	})

	s.Run("action filter narrows the trail", func() {
		entries, err := s.engine.GetAudit(ctx, 0, []audit.Action{audit.ActionProposalCreated})
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(audit.ActionProposalCreated, entries[0].Action)
	})
}

// =============================================================================
// State Derivation Tests
// =============================================================================

func (s *EngineSuite) TestDeriveState() {
	current := &plan.Version{ID: id.NewVersionID()}
	confirmed := &anchor.Receipt{VersionID: current.ID, Status: anchor.StatusConfirmed}
	stale := &anchor.Receipt{VersionID: id.NewVersionID(), Status: anchor.StatusConfirmed}
	pendingReceipt := &anchor.Receipt{VersionID: current.ID, Status: anchor.StatusPending}

	s.Equal(StateNotStarted, deriveState(nil, 0, nil))
	s.Equal(StatePendingReview, deriveState(current, 2, confirmed))
	s.Equal(StateUpToDate, deriveState(current, 0, confirmed))
	s.Equal(StateActive, deriveState(current, 0, pendingReceipt))
	s.Equal(StateActive, deriveState(current, 0, stale), "receipt for an older version does not count")
	s.Equal(StateActive, deriveState(current, 0, nil))
}
