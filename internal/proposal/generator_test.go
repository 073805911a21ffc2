package proposal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"heirloom/internal/audit"
	"heirloom/internal/trigger"
	"heirloom/internal/user"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/requestcontext"
)

// =============================================================================
// Proposal Generator Test Suite
// =============================================================================
// Generation is pure policy: fixed subkind-to-document mappings, templated
// text, deterministic deadlines, and merge-instead-of-duplicate for matching
// pending proposals.

type GeneratorSuite struct {
	suite.Suite
	store      *InMemoryStore
	directory  *user.InMemoryDirectory
	auditStore *audit.InMemoryStore
	generator  *Generator
}

func TestGeneratorSuite(t *testing.T) {
	suite.Run(t, new(GeneratorSuite))
}

func (s *GeneratorSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.directory = user.NewInMemoryDirectory()
	s.auditStore = audit.NewInMemoryStore()

	var err error
	s.generator, err = NewGenerator(s.store, s.directory, audit.NewPublisher(s.auditStore))
	s.Require().NoError(err)
}

func (s *GeneratorSuite) newTrigger(userID id.UserID, kind trigger.Kind, subkind string, impact trigger.Impact, payload map[string]any, observedAt time.Time) *trigger.Trigger {
	return &trigger.Trigger{
		ID:         id.NewTriggerID(),
		UserID:     userID,
		Kind:       kind,
		Subkind:    subkind,
		Payload:    payload,
		ObservedAt: observedAt,
		DedupKey:   uuid.NewString(),
		Impact:     impact,
	}
}

// =============================================================================
// Life Event Tests
// =============================================================================

func (s *GeneratorSuite) TestFromTriggerLifeEvents() {
	ctx := context.Background()
	userID := id.UserID("alice")
	observed := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	s.Run("marriage maps to will and beneficiaries", func() {
		t := s.newTrigger(userID, trigger.KindLifeEvent, trigger.SubkindMarriage, trigger.ImpactHigh,
			map[string]any{"date": "2026-05-01", "spouse": "Jordan"}, observed)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Require().NotNil(p)
		s.Equal(StatePending, p.State)
		s.Equal(SeverityHigh, p.Severity)
		s.Equal([]id.DocType{id.DocBeneficiaries, id.DocWill}, p.AffectedDocTypes)
		s.Require().NotNil(p.Deadline)
		s.True(p.Deadline.Equal(observed.Add(30 * 24 * time.Hour)))

		var ops []ChangeOp
		for _, c := range p.RequiredChanges {
			ops = append(ops, c.Op)
		}
		s.Contains(ops, OpSetField)
		s.Contains(ops, OpAddBeneficiary)
		s.Contains(ops, OpRebindDocType)
	})

	s.Run("divorce removes the spouse beneficiary", func() {
		t := s.newTrigger(id.UserID("bob"), trigger.KindLifeEvent, trigger.SubkindDivorce, trigger.ImpactHigh,
			map[string]any{"date": "2026-05-01"}, observed)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Require().NotNil(p)

		var removed bool
		for _, c := range p.RequiredChanges {
			if c.Op == OpRemoveBeneficiary && c.Field == "spouse" {
				removed = true
			}
		}
		s.True(removed)
	})

	s.Run("other produces no proposal", func() {
		t := s.newTrigger(id.UserID("carol"), trigger.KindLifeEvent, trigger.SubkindOther, trigger.ImpactLow,
			map[string]any{}, observed)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Nil(p)
	})

	s.Run("creation is audited", func() {
		entries, err := s.auditStore.List(ctx, userID, audit.Query{Actions: []audit.Action{audit.ActionProposalCreated}})
		s.Require().NoError(err)
		s.Len(entries, 1)
	})
}

// =============================================================================
// Law Change Tests
// =============================================================================

func (s *GeneratorSuite) TestFromTriggerLawChange() {
	ctx := context.Background()
	userID := id.UserID("dana")
	observed := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	effective := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	s.directory.Put(&user.Profile{
		UserID:          userID,
		Jurisdiction:    "CA",
		EnabledDocTypes: []id.DocType{id.DocWill},
	})

	payload := map[string]any{
		"state":         "CA",
		"doc_type":      "will",
		"from_revision": int64(1),
		"to_revision":   int64(2),
		"citations":     []string{"CA-PROB-6110"},
		"effective_at":  effective.Format(time.RFC3339),
	}

	s.Run("affected document yields a proposal with legal basis and deadline", func() {
		t := s.newTrigger(userID, trigger.KindLawChange, "CA:will", trigger.ImpactCritical, payload, observed)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Require().NotNil(p)
		s.Equal(SeverityCritical, p.Severity)
		s.Equal([]id.DocType{id.DocWill}, p.AffectedDocTypes)
		s.Equal([]string{"CA-PROB-6110"}, p.LegalBasis)
		s.Require().NotNil(p.Deadline)
		s.True(p.Deadline.Equal(effective.Add(60 * 24 * time.Hour)))
		s.Require().Len(p.RequiredChanges, 1)
		s.Equal(OpRebindDocType, p.RequiredChanges[0].Op)
		s.Equal(id.DocWill, p.RequiredChanges[0].DocType)
	})

	s.Run("document the user does not carry yields nothing", func() {
		t := s.newTrigger(userID, trigger.KindLawChange, "CA:trust", trigger.ImpactHigh, payload, observed)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Nil(p)
	})

	s.Run("unknown user yields nothing", func() {
		t := s.newTrigger(id.UserID("ghost"), trigger.KindLawChange, "CA:will", trigger.ImpactHigh, payload, observed)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Nil(p)
	})

	s.Run("malformed subkind is rejected", func() {
		t := s.newTrigger(userID, trigger.KindLawChange, "no-separator", trigger.ImpactHigh, payload, observed)

		_, err := s.generator.FromTrigger(ctx, t)
		s.Require().Error(err)
		s.Equal(dErrors.CodeInvalidTrigger, dErrors.CodeOf(err))
	})
}

// =============================================================================
// Merge Tests
// =============================================================================

func (s *GeneratorSuite) TestMerge() {
	ctx := context.Background()
	userID := id.UserID("erin")
	first := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	earlier := first.Add(-10 * 24 * time.Hour)

	t1 := s.newTrigger(userID, trigger.KindLifeEvent, trigger.SubkindMarriage, trigger.ImpactHigh,
		map[string]any{"date": "2026-03-20", "spouse": "Kim"}, first)
	p1, err := s.generator.FromTrigger(ctx, t1)
	s.Require().NoError(err)
	s.Require().NotNil(p1)

	t2 := s.newTrigger(userID, trigger.KindLifeEvent, trigger.SubkindMarriage, trigger.ImpactHigh,
		map[string]any{"date": "2026-03-22", "spouse": "Kim"}, earlier)
	p2, err := s.generator.FromTrigger(ctx, t2)
	s.Require().NoError(err)
	s.Require().NotNil(p2)

	s.Run("matching candidate merges into the pending proposal", func() {
		s.Equal(p1.ID, p2.ID)

		all, err := s.store.ListByUser(ctx, userID, nil)
		s.Require().NoError(err)
		s.Len(all, 1)
	})

	s.Run("deadline is pulled to the earlier candidate", func() {
		s.Require().NotNil(p2.Deadline)
		s.True(p2.Deadline.Equal(earlier.Add(30 * 24 * time.Hour)))
	})

	s.Run("merge is audited", func() {
		entries, err := s.auditStore.List(ctx, userID, audit.Query{Actions: []audit.Action{audit.ActionProposalMerged}})
		s.Require().NoError(err)
		s.Len(entries, 1)
	})
}

func (s *GeneratorSuite) TestMergeLegalBasis() {
	s.Run("union keeps stable order and drops duplicates", func() {
		merged := MergeLegalBasis([]string{"a", "b"}, []string{"b", "c", "a", "d"})
		s.Equal([]string{"a", "b", "c", "d"}, merged)
	})

	s.Run("empty existing takes candidate order", func() {
		s.Equal([]string{"x", "y"}, MergeLegalBasis(nil, []string{"x", "y"}))
	})
}

// =============================================================================
// Periodic Check-in Tests
// =============================================================================

func (s *GeneratorSuite) TestFromTriggerCheckin() {
	userID := id.UserID("frank")
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// Pin the clock so the stored creation time matches the trigger times.
	ctx := requestcontext.WithTime(context.Background(), now)

	s.Run("first check-in produces a medium proposal", func() {
		t := s.newTrigger(userID, trigger.KindPeriodicCheckin, "annual", trigger.ImpactMedium,
			map[string]any{"year": 2026}, now)

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Require().NotNil(p)
		s.Equal(SeverityMedium, p.Severity)
		s.Equal([]id.DocType{id.DocWill}, p.AffectedDocTypes)
	})

	s.Run("recent proposal activity suppresses the check-in", func() {
		t := s.newTrigger(userID, trigger.KindPeriodicCheckin, "annual", trigger.ImpactMedium,
			map[string]any{"year": 2026}, now.Add(24*time.Hour))

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.Nil(p)
	})

	s.Run("check-in fires again after the quiet window", func() {
		t := s.newTrigger(userID, trigger.KindPeriodicCheckin, "annual", trigger.ImpactMedium,
			map[string]any{"year": 2027}, now.Add(340*24*time.Hour))

		p, err := s.generator.FromTrigger(ctx, t)
		s.Require().NoError(err)
		s.NotNil(p)
	})
}
