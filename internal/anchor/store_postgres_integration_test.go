//go:build integration

package anchor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"heirloom/internal/anchor"
	id "heirloom/pkg/domain"
	"heirloom/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *anchor.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.store = anchor.NewPostgres(s.pg.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "anchor_receipts"))
}

func makeReceipt(userID id.UserID, submittedAt time.Time) *anchor.Receipt {
	return &anchor.Receipt{
		VersionID:    id.NewVersionID(),
		UserID:       userID,
		PlanHash:     "deadbeef",
		AnchorID:     "anchor-1",
		Status:       anchor.StatusPending,
		AttemptCount: 1,
		SubmittedAt:  submittedAt,
	}
}

func (s *PostgresStoreSuite) TestInsertIsAtMostOnce() {
	ctx := context.Background()
	receipt := makeReceipt("alice", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	s.Require().NoError(s.store.Insert(ctx, receipt))

	dup := *receipt
	dup.AnchorID = "anchor-2"
	s.ErrorIs(s.store.Insert(ctx, &dup), anchor.ErrDuplicate)
}

func (s *PostgresStoreSuite) TestUpdateSettles() {
	ctx := context.Background()
	receipt := makeReceipt("alice", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	s.Require().NoError(s.store.Insert(ctx, receipt))

	confirmed := time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC)
	receipt.Status = anchor.StatusConfirmed
	receipt.ExternalURL = "https://explorer.example/tx/anchor-1"
	receipt.ConfirmedAt = &confirmed
	s.Require().NoError(s.store.Update(ctx, receipt))

	got, err := s.store.GetByVersion(ctx, receipt.VersionID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(anchor.StatusConfirmed, got.Status)
	s.Equal("https://explorer.example/tx/anchor-1", got.ExternalURL)
	s.Require().NotNil(got.ConfirmedAt)
	s.True(got.ConfirmedAt.Equal(confirmed))
}

func (s *PostgresStoreSuite) TestListPending() {
	ctx := context.Background()
	older := makeReceipt("alice", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	newer := makeReceipt("bob", time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC))
	settled := makeReceipt("carol", time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	settled.Status = anchor.StatusConfirmed
	for _, r := range []*anchor.Receipt{newer, older, settled} {
		s.Require().NoError(s.store.Insert(ctx, r))
	}

	pending, err := s.store.ListPending(ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.Equal(older.VersionID, pending[0].VersionID, "oldest submission first")
	s.Equal(newer.VersionID, pending[1].VersionID)
}

func (s *PostgresStoreSuite) TestGetByVersion() {
	ctx := context.Background()

	s.Run("nil when the version has no receipt", func() {
		got, err := s.store.GetByVersion(ctx, id.NewVersionID())
		s.Require().NoError(err)
		s.Nil(got)
	})

	s.Run("returns only the requested version's receipt", func() {
		first := makeReceipt("alice", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
		second := makeReceipt("alice", time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC))
		s.Require().NoError(s.store.Insert(ctx, first))
		s.Require().NoError(s.store.Insert(ctx, second))

		got, err := s.store.GetByVersion(ctx, first.VersionID)
		s.Require().NoError(err)
		s.Require().NotNil(got)
		s.Equal(first.VersionID, got.VersionID)
	})
}
