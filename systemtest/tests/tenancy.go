package tests

import (
	"context"
	"errors"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func currentSearchPath(ctx context.Context, q db.DBTX) (string, error) {
	var sp string
	err := q.QueryRow(ctx, "SHOW search_path").Scan(&sp)
	return sp, err
}

func TestSearchPathRestored(t *testing.T, env *Env) {
	ctx := context.Background()
	tenant := env.NewTenant(t, "searchpath")
	errBoom := errors.New("boom")

	for i := 0; i < 25; i++ {
		err := env.Switcher.WithTenant(ctx, tenant.ID, func(ctx context.Context) error {
			conn, err := db.Conn(ctx)
			if err != nil {
				return err
			}
			sp, err := currentSearchPath(ctx, conn)
			if err != nil {
				return err
			}
			assert.Contains(t, sp, tenant.SchemaName)
			if i%2 == 1 {
				return errBoom
			}
			return nil
		})
		if i%2 == 1 {
			require.ErrorIs(t, err, errBoom)
		} else {
			require.NoError(t, err)
		}
	}

	// Every pooled connection must be back on public.
	for i := 0; i < 25; i++ {
		sp, err := currentSearchPath(ctx, env.Pool)
		require.NoError(t, err)
		assert.Equal(t, "public", sp)
	}
}

func TestNamespaceIsolation(t *testing.T, env *Env) {
	ctx := context.Background()
	alpha := env.NewTenant(t, "alpha")
	beta := env.NewTenant(t, "beta")

	device := &devices.Device{TenantID: alpha.ID, Name: "alpha-edge", Status: devices.StatusPending, Stage: "identity"}
	require.NoError(t, env.Switcher.WithTenant(ctx, alpha.ID, func(ctx context.Context) error {
		return env.Devices.Create(ctx, device)
	}))

	t.Run("owner sees the device", func(t *testing.T) {
		err := env.Switcher.WithTenant(ctx, alpha.ID, func(ctx context.Context) error {
			d, err := env.Devices.Get(ctx, device.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, "alpha-edge", d.Name)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("other tenant cannot see it", func(t *testing.T) {
		err := env.Switcher.WithTenant(ctx, beta.ID, func(ctx context.Context) error {
			list, err := env.Devices.List(ctx)
			if err != nil {
				return err
			}
			assert.Empty(t, list)
			_, err = env.Devices.Get(ctx, device.ID)
			return err
		})
		assert.ErrorIs(t, err, devices.ErrDeviceNotFound)
	})

	t.Run("nested scope of another tenant is refused", func(t *testing.T) {
		err := env.Switcher.WithTenant(ctx, alpha.ID, func(ctx context.Context) error {
			return env.Switcher.WithTenant(ctx, beta.ID, func(ctx context.Context) error {
				return nil
			})
		})
		assert.ErrorIs(t, err, tenancy.ErrCrossTenantScope)
	})

	t.Run("unscoped access is refused", func(t *testing.T) {
		_, err := env.Devices.Get(ctx, device.ID)
		assert.ErrorIs(t, err, db.ErrNoScope)
	})
}
