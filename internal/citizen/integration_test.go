//go:build integration

package citizen

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/quocanhdayyy/QLDChehe/internal/model"
	"github.com/quocanhdayyy/QLDChehe/internal/testutil/containers"
)

type countingDirectory struct {
	next  Directory
	calls atomic.Int32
}

func (c *countingDirectory) GetCitizenWithHousehold(ctx context.Context, id string) (*model.CitizenProfile, error) {
	c.calls.Add(1)
	return c.next.GetCitizenWithHousehold(ctx, id)
}

type DirectoryIntegrationSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redis    *containers.RedisContainer
}

func TestDirectoryIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(DirectoryIntegrationSuite))
}

func (s *DirectoryIntegrationSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *DirectoryIntegrationSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx, "citizens", "households"))
	s.Require().NoError(s.redis.FlushAll(ctx))
}

func (s *DirectoryIntegrationSuite) TestPostgresDirectoryJoinsHousehold() {
	ctx := context.Background()
	want := sampleProfile()
	s.Require().NoError(UpsertPostgres(ctx, s.postgres.Pool, want))

	got, err := NewPostgresDirectory(s.postgres.Pool).GetCitizenWithHousehold(ctx, want.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(want.Address, got.Address)
	s.Equal(want.PovertyStatus, got.PovertyStatus)
	s.Require().NotNil(got.DateOfBirth)
	s.Equal(want.DateOfBirth.Format(time.DateOnly), got.DateOfBirth.Format(time.DateOnly))

	missing, err := NewPostgresDirectory(s.postgres.Pool).GetCitizenWithHousehold(ctx, "nobody")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *DirectoryIntegrationSuite) TestCachedDirectoryReadsThrough() {
	ctx := context.Background()
	backing := &countingDirectory{next: NewMemoryDirectory(sampleProfile())}
	cached := NewCachedDirectory(backing, s.redis.Client, time.Minute, zap.NewNop())

	first, err := cached.GetCitizenWithHousehold(ctx, "citizen-1")
	s.Require().NoError(err)
	s.Require().NotNil(first)

	second, err := cached.GetCitizenWithHousehold(ctx, "citizen-1")
	s.Require().NoError(err)
	s.Equal(first.FullName, second.FullName)
	s.Equal(int32(1), backing.calls.Load(), "second read should be served from redis")

	s.Require().NoError(cached.Invalidate(ctx, "citizen-1"))
	_, err = cached.GetCitizenWithHousehold(ctx, "citizen-1")
	s.Require().NoError(err)
	s.Equal(int32(2), backing.calls.Load())
}

func (s *DirectoryIntegrationSuite) TestCachedDirectoryDoesNotCacheMisses() {
	ctx := context.Background()
	backing := &countingDirectory{next: NewMemoryDirectory()}
	cached := NewCachedDirectory(backing, s.redis.Client, time.Minute, zap.NewNop())

	for range 2 {
		p, err := cached.GetCitizenWithHousehold(ctx, "ghost")
		s.Require().NoError(err)
		s.Nil(p)
	}
	s.Equal(int32(2), backing.calls.Load())
}
