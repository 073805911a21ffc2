package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
)

// =============================================================================
// Rule Catalogue Test Suite
// =============================================================================
// The catalogue owns revision numbering and change detection. Snapshot loads
// must be idempotent for unchanged rows, assign dense revision IDs, and
// broadcast one notice per actually-changed rule.

type CatalogueSuite struct {
	suite.Suite
	store     *InMemoryStore
	catalogue *Catalogue
}

func TestCatalogueSuite(t *testing.T) {
	suite.Run(t, new(CatalogueSuite))
}

func (s *CatalogueSuite) SetupTest() {
	s.store = NewInMemoryStore()

	var err error
	s.catalogue, err = New(s.store)
	s.Require().NoError(err)
}

func caWillRule() Rule {
	return Rule{
		Key:                  Key{State: "CA", DocType: id.DocWill},
		NotarisationRequired: false,
		WitnessesRequired:    2,
		EsignAllowed:         true,
		Citations:            []string{"CA-PROB-6110"},
	}
}

func (s *CatalogueSuite) drainNotices() []ChangeNotice {
	var out []ChangeNotice
	for {
		select {
		case n := <-s.catalogue.Watch():
			out = append(out, n)
		default:
			return out
		}
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *CatalogueSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "rule store is required")
	})
}

// =============================================================================
// Snapshot Load Tests
// =============================================================================

func (s *CatalogueSuite) TestUpsertFromSnapshot() {
	ctx := context.Background()

	s.Run("first load creates revision one and broadcasts", func() {
		changed, err := s.catalogue.UpsertFromSnapshot(ctx, []Rule{caWillRule()})
		s.Require().NoError(err)
		s.Equal(1, changed)

		rule, err := s.catalogue.Get(ctx, Key{State: "CA", DocType: id.DocWill})
		s.Require().NoError(err)
		s.Equal(int64(1), rule.RevisionID)
		s.Equal(2, rule.WitnessesRequired)

		notices := s.drainNotices()
		s.Require().Len(notices, 1)
		s.Equal(int64(0), notices[0].FromRevision)
		s.Equal(int64(1), notices[0].ToRevision)
	})

	s.Run("identical reload writes nothing", func() {
		changed, err := s.catalogue.UpsertFromSnapshot(ctx, []Rule{caWillRule()})
		s.Require().NoError(err)
		s.Equal(0, changed)

		rule, err := s.catalogue.Get(ctx, Key{State: "CA", DocType: id.DocWill})
		s.Require().NoError(err)
		s.Equal(int64(1), rule.RevisionID)
		s.Empty(s.drainNotices())
	})

	s.Run("attribute change bumps the revision with a diff", func() {
		next := caWillRule()
		next.NotarisationRequired = true
		changed, err := s.catalogue.UpsertFromSnapshot(ctx, []Rule{next})
		s.Require().NoError(err)
		s.Equal(1, changed)

		rule, err := s.catalogue.Get(ctx, Key{State: "CA", DocType: id.DocWill})
		s.Require().NoError(err)
		s.Equal(int64(2), rule.RevisionID)

		notices := s.drainNotices()
		s.Require().Len(notices, 1)
		s.Equal(int64(1), notices[0].FromRevision)
		s.Equal(int64(2), notices[0].ToRevision)
		s.Require().Len(notices[0].Changed, 1)
		s.Equal(FieldNotarisationRequired, notices[0].Changed[0].Field)
		s.Equal(false, notices[0].Changed[0].Old)
		s.Equal(true, notices[0].Changed[0].New)
	})

	s.Run("invalid row fails the whole load", func() {
		bad := caWillRule()
		bad.WitnessesRequired = -1
		before, err := s.catalogue.Get(ctx, Key{State: "CA", DocType: id.DocWill})
		s.Require().NoError(err)

		_, err = s.catalogue.UpsertFromSnapshot(ctx, []Rule{bad})
		s.Require().Error(err)
		s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))

		after, err := s.catalogue.Get(ctx, Key{State: "CA", DocType: id.DocWill})
		s.Require().NoError(err)
		s.Equal(before.RevisionID, after.RevisionID)
	})

	s.Run("duplicate key in one snapshot is rejected", func() {
		_, err := s.catalogue.UpsertFromSnapshot(ctx, []Rule{caWillRule(), caWillRule()})
		s.Require().Error(err)
		s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))
		s.Contains(err.Error(), "duplicate key")
	})

	s.Run("lowercase state code is rejected", func() {
		bad := caWillRule()
		bad.Key.State = "ca"
		_, err := s.catalogue.UpsertFromSnapshot(ctx, []Rule{bad})
		s.Require().Error(err)
		s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))
	})
}

// =============================================================================
// Get and Diff Tests
// =============================================================================

func (s *CatalogueSuite) TestGet() {
	ctx := context.Background()

	s.Run("unknown key returns not found", func() {
		_, err := s.catalogue.Get(ctx, Key{State: "WY", DocType: id.DocTrust})
		s.Require().Error(err)
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})
}

func (s *CatalogueSuite) TestDiff() {
	ctx := context.Background()

	first := caWillRule()
	_, err := s.catalogue.UpsertFromSnapshot(ctx, []Rule{first})
	s.Require().NoError(err)

	second := caWillRule()
	second.WitnessesRequired = 3
	second.Citations = []string{"CA-PROB-6110", "CA-PROB-6112"}
	_, err = s.catalogue.UpsertFromSnapshot(ctx, []Rule{second})
	s.Require().NoError(err)

	key := Key{State: "CA", DocType: id.DocWill}

	s.Run("reports every changed attribute", func() {
		diffs, err := s.catalogue.Diff(ctx, key, 1, 2)
		s.Require().NoError(err)
		s.Require().Len(diffs, 2)

		fields := map[string]bool{}
		for _, d := range diffs {
			fields[d.Field] = true
		}
		s.True(fields[FieldWitnessesRequired])
		s.True(fields[FieldCitations])
	})

	s.Run("equal revisions diff to nothing", func() {
		diffs, err := s.catalogue.Diff(ctx, key, 2, 2)
		s.Require().NoError(err)
		s.Empty(diffs)
	})

	s.Run("missing revision returns not found", func() {
		_, err := s.catalogue.Diff(ctx, key, 1, 9)
		s.Require().Error(err)
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})
}

// =============================================================================
// Attribute Comparison Tests
// =============================================================================

func (s *CatalogueSuite) TestAttributesEqual() {
	s.Run("effective_at compares by instant", func() {
		at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
		inEastern := at.In(time.FixedZone("ET", -5*3600))

		a := caWillRule()
		a.EffectiveAt = &at
		b := caWillRule()
		b.EffectiveAt = &inEastern
		s.True(attributesEqual(&a, &b))
	})

	s.Run("nil and set effective_at differ", func() {
		at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
		a := caWillRule()
		b := caWillRule()
		b.EffectiveAt = &at
		s.False(attributesEqual(&a, &b))
	})
}
