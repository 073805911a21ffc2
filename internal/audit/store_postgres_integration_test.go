//go:build integration

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"heirloom/internal/audit"
	id "heirloom/pkg/domain"
	"heirloom/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *audit.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = audit.NewPostgres(s.pg.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "audit_entries"))
}

func (s *PostgresStoreSuite) append(userID id.UserID, action audit.Action, subjectID string) audit.Entry {
	entry := audit.Entry{
		UserID:     userID,
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Actor:      audit.ActorSystem,
		Action:     action,
		Subject:    audit.SubjectRef{Kind: audit.SubjectTrigger, ID: subjectID},
	}
	s.Require().NoError(s.store.Append(context.Background(), &entry))
	return entry
}

func (s *PostgresStoreSuite) TestAppendAssignsDenseIDs() {
	ctx := context.Background()

	first := s.append("alice", audit.ActionTriggerIngested, "t-1")
	second := s.append("alice", audit.ActionProposalCreated, "t-2")
	other := s.append("bob", audit.ActionTriggerIngested, "t-3")

	s.Equal(int64(1), first.EntryID)
	s.Equal(int64(2), second.EntryID)
	s.Equal(int64(1), other.EntryID, "entry ids count per user")

	entries, err := s.store.List(ctx, "alice", audit.Query{})
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.True(entries[0].OccurredAt.Equal(first.OccurredAt))
}

func (s *PostgresStoreSuite) TestListFilters() {
	ctx := context.Background()
	s.append("alice", audit.ActionTriggerIngested, "t-1")
	s.append("alice", audit.ActionProposalCreated, "p-1")
	s.append("alice", audit.ActionProposalApproved, "p-1")

	s.Run("since returns strictly newer entries", func() {
		entries, err := s.store.List(ctx, "alice", audit.Query{SinceEntryID: 2})
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(int64(3), entries[0].EntryID)
	})

	s.Run("action filter narrows the listing", func() {
		entries, err := s.store.List(ctx, "alice", audit.Query{
			Actions: []audit.Action{audit.ActionProposalCreated, audit.ActionProposalApproved},
		})
		s.Require().NoError(err)
		s.Len(entries, 2)
	})

	s.Run("users never see each other", func() {
		entries, err := s.store.List(ctx, "bob", audit.Query{})
		s.Require().NoError(err)
		s.Empty(entries)
	})
}

func (s *PostgresStoreSuite) TestLastBySubject() {
	ctx := context.Background()
	subject := audit.RuleSubject("CA", id.DocWill)

	s.Run("nil when nothing was recorded", func() {
		last, err := s.store.LastBySubject(ctx, "alice", audit.ActionLawObserved, subject)
		s.Require().NoError(err)
		s.Nil(last)
	})

	s.Run("returns the newest entry for the subject", func() {
		for _, rev := range []int64{1, 2} {
			entry := audit.Entry{
				UserID:  "alice",
				Actor:   audit.ActorSystem,
				Action:  audit.ActionLawObserved,
				Subject: subject,
				After:   map[string]any{"revision_id": rev},
			}
			s.Require().NoError(s.store.Append(ctx, &entry))
		}

		last, err := s.store.LastBySubject(ctx, "alice", audit.ActionLawObserved, subject)
		s.Require().NoError(err)
		s.Require().NotNil(last)
		s.Equal(int64(2), last.EntryID)
		// JSONB numbers come back as float64.
		s.EqualValues(2, last.After["revision_id"])
	})

	s.Run("other subjects do not match", func() {
		last, err := s.store.LastBySubject(ctx, "alice", audit.ActionLawObserved,
			audit.RuleSubject("CA", id.DocTrust))
		s.Require().NoError(err)
		s.Nil(last)
	})
}

func (s *PostgresStoreSuite) TestStateRoundTrip() {
	ctx := context.Background()
	entry := audit.Entry{
		UserID:  "alice",
		Actor:   audit.ActorUser,
		Action:  audit.ActionProposalRejected,
		Subject: audit.SubjectRef{Kind: audit.SubjectProposal, ID: "p-1"},
		Before:  map[string]any{"state": "pending"},
		After:   map[string]any{"state": "rejected"},
		Notes:   "changed my mind",
	}
	s.Require().NoError(s.store.Append(ctx, &entry))

	entries, err := s.store.List(ctx, "alice", audit.Query{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	got := entries[0]
	s.Equal(audit.ActorUser, got.Actor)
	s.Equal(map[string]any{"state": "pending"}, got.Before)
	s.Equal(map[string]any{"state": "rejected"}, got.After)
	s.Equal("changed my mind", got.Notes)
}
