//go:build integration

package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/quocanhdayyy/QLDChehe/internal/repository"
	"github.com/quocanhdayyy/QLDChehe/internal/repository/repotest"
	"github.com/quocanhdayyy/QLDChehe/internal/service"
	"github.com/quocanhdayyy/QLDChehe/internal/testutil/containers"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.NewPostgresContainer(t)

	suite.Run(t, &repotest.StoreSuite{
		NewStores: func(t *testing.T) (service.EventStore, service.RegistrationStore) {
			require.NoError(t, pg.TruncateTables(context.Background(), "gift_registrations", "gift_events"))
			return repository.NewEventRepository(pg.Pool), repository.NewRegistrationRepository(pg.Pool)
		},
	})
}
