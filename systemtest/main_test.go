package systemtest

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/systemtest/postgres"
	"github.com/EternisAI/silo-overlay/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system tests need Docker")
	}
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	container, err := postgres.StartPostgres(ctx, "silo", "silo", "silo_overlay")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = postgres.TerminatePostgres(context.Background(), container)
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(dbURL))

	pool, err := db.InitDB(ctx, db.Config{Url: dbURL, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	env := tests.NewEnv(t, pool, dbURL)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, env) })
	t.Run("SearchPathRestored", func(t *testing.T) { tests.TestSearchPathRestored(t, env) })
	t.Run("NamespaceIsolation", func(t *testing.T) { tests.TestNamespaceIsolation(t, env) })
	t.Run("ConcurrentAllocation", func(t *testing.T) { tests.TestConcurrentAllocation(t, env) })
	t.Run("ProvisioningFlow", func(t *testing.T) { tests.TestProvisioningFlow(t, env) })
	t.Run("SuspendedTenant", func(t *testing.T) { tests.TestSuspendedTenant(t, env) })
}
