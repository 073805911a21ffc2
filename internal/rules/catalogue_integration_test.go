//go:build integration

package rules_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	platformredis "heirloom/internal/platform/redis"
	"heirloom/internal/rules"
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
	"heirloom/pkg/testutil/containers"
)

// CatalogueIntegrationSuite runs the catalogue against real PostgreSQL and
// Redis: transactional snapshot loads over the revision table with the
// read-through cache in front.
type CatalogueIntegrationSuite struct {
	suite.Suite
	pg        *containers.PostgresContainer
	redis     *containers.RedisContainer
	catalogue *rules.Catalogue
}

func TestCatalogueIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(CatalogueIntegrationSuite))
}

func (s *CatalogueIntegrationSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *CatalogueIntegrationSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.pg.TruncateTables(ctx, "rule_revisions"))
	s.Require().NoError(s.redis.FlushAll(ctx))

	client, err := platformredis.New(s.redis.Addr)
	s.Require().NoError(err)

	s.catalogue, err = rules.New(rules.NewPostgres(s.pg.DB),
		rules.WithCache(rules.NewRedisCache(client, time.Minute)),
		rules.WithDB(s.pg.DB))
	s.Require().NoError(err)
}

func caWill(witnesses int) rules.Rule {
	return rules.Rule{
		Key:               rules.Key{State: "CA", DocType: id.DocWill},
		WitnessesRequired: witnesses,
		EsignAllowed:      true,
		Citations:         []string{"CA Prob. Code § 6110"},
	}
}

func (s *CatalogueIntegrationSuite) TestSnapshotAndGet() {
	ctx := context.Background()

	changed, err := s.catalogue.UpsertFromSnapshot(ctx, []rules.Rule{caWill(2)})
	s.Require().NoError(err)
	s.Equal(1, changed)

	s.Run("get returns the stored revision", func() {
		rule, err := s.catalogue.Get(ctx, rules.Key{State: "CA", DocType: id.DocWill})
		s.Require().NoError(err)
		s.Equal(int64(1), rule.RevisionID)
		s.Equal(2, rule.WitnessesRequired)
		s.Equal([]string{"CA Prob. Code § 6110"}, rule.Citations)
	})

	s.Run("the read populated the cache", func() {
		exists, err := s.redis.Client.Exists(ctx, "heirloom:rules:CA:will").Result()
		s.Require().NoError(err)
		s.EqualValues(1, exists)
	})

	s.Run("an identical reload changes nothing", func() {
		changed, err := s.catalogue.UpsertFromSnapshot(ctx, []rules.Rule{caWill(2)})
		s.Require().NoError(err)
		s.Zero(changed)
	})
}

func (s *CatalogueIntegrationSuite) TestChangeInvalidatesCache() {
	ctx := context.Background()
	key := rules.Key{State: "CA", DocType: id.DocWill}

	_, err := s.catalogue.UpsertFromSnapshot(ctx, []rules.Rule{caWill(2)})
	s.Require().NoError(err)
	_, err = s.catalogue.Get(ctx, key) // warm the cache
	s.Require().NoError(err)

	changed, err := s.catalogue.UpsertFromSnapshot(ctx, []rules.Rule{caWill(3)})
	s.Require().NoError(err)
	s.Equal(1, changed)

	rule, err := s.catalogue.Get(ctx, key)
	s.Require().NoError(err)
	s.Equal(int64(2), rule.RevisionID, "the stale cached revision must not survive the change")
	s.Equal(3, rule.WitnessesRequired)
}

func (s *CatalogueIntegrationSuite) TestDiffAcrossStoredRevisions() {
	ctx := context.Background()
	key := rules.Key{State: "CA", DocType: id.DocWill}

	_, err := s.catalogue.UpsertFromSnapshot(ctx, []rules.Rule{caWill(2)})
	s.Require().NoError(err)
	_, err = s.catalogue.UpsertFromSnapshot(ctx, []rules.Rule{caWill(3)})
	s.Require().NoError(err)

	diffs, err := s.catalogue.Diff(ctx, key, 1, 2)
	s.Require().NoError(err)
	s.Require().Len(diffs, 1)
	s.Equal(rules.FieldWitnessesRequired, diffs[0].Field)
	s.EqualValues(2, diffs[0].Old)
	s.EqualValues(3, diffs[0].New)
}

func (s *CatalogueIntegrationSuite) TestMissingRuleIsNotFound() {
	_, err := s.catalogue.Get(context.Background(), rules.Key{State: "WY", DocType: id.DocTrust})
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
}
