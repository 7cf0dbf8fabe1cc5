//go:build integration

package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"fpverify/internal/fingerprint/store"
	dErrors "fpverify/pkg/domain-errors"
	"fpverify/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "fingerprints"))
}

func (s *PostgresStoreSuite) TestExistsBatch() {
	ctx := context.Background()
	s.Require().NoError(s.store.Add(ctx, "a", "0f8fad5b-d9cb-469f-a165-70867728950e"))

	got, err := s.store.ExistsBatch(ctx, []string{"a", "b", "0f8fad5b-d9cb-469f-a165-70867728950e"})
	s.Require().NoError(err)
	s.Equal(map[string]bool{
		"a": true,
		"b": false,
		"0f8fad5b-d9cb-469f-a165-70867728950e": true,
	}, got)
}

func (s *PostgresStoreSuite) TestAddIsIdempotent() {
	ctx := context.Background()
	s.Require().NoError(s.store.Add(ctx, "a", "a"))
	s.Require().NoError(s.store.Add(ctx, "a"))

	var n int
	s.Require().NoError(s.postgres.QueryRow(ctx, `SELECT count(*) FROM fingerprints`).Scan(&n))
	s.Equal(1, n)
}

func (s *PostgresStoreSuite) TestLargeBatchIsOneQuery() {
	ctx := context.Background()
	ids := make([]string, 5000)
	for i := range ids {
		ids[i] = fmt.Sprintf("fp-%05d", i)
	}
	s.Require().NoError(s.store.Add(ctx, ids[:2500]...))

	got, err := s.store.ExistsBatch(ctx, ids)
	s.Require().NoError(err)
	s.Len(got, len(ids))
	s.True(got[ids[0]])
	s.False(got[ids[4999]])
}

func (s *PostgresStoreSuite) TestNulByteIsRejectedInput() {
	_, err := s.store.ExistsBatch(context.Background(), []string{"a", "a\x00b"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput), "got %v", err)
}

func (s *PostgresStoreSuite) TestHealth() {
	s.NoError(s.store.Health(context.Background()))
}

