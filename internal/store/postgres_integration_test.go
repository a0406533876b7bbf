//go:build integration

package store

import (
	"context"
	"os"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var postgresContainer *postgres.PostgresContainer

func TestMain(m *testing.M) {
	gatewayFactories["postgres"] = newPostgresGateway
	code := m.Run()
	if err := testcontainers.TerminateContainer(postgresContainer); err != nil {
		_, _ = os.Stderr.WriteString("terminate postgres: " + err.Error() + "\n")
	}
	os.Exit(code)
}

func newPostgresGateway(t *testing.T, clock clockwork.Clock) Gateway {
	ctx := context.Background()
	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("growth_test"),
			postgres.WithUsername("growth"),
			postgres.WithPassword("growth"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}
	dsn, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	gw, err := OpenSQL(ctx, DriverPostgres, dsn, clock, zap.NewNop())
	require.NoError(t, err)
	_, err = gw.db.ExecContext(ctx, `TRUNCATE workflow_definitions, workflow_instances, scheduled_tasks, execution_log, workflow_locks`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}
