package tests

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDevices(t *testing.T, env *Env, tenant *tenancy.Tenant, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, n)
	err := env.Switcher.WithTenant(context.Background(), tenant.ID, func(ctx context.Context) error {
		for i := range ids {
			d := &devices.Device{TenantID: tenant.ID, Name: "edge", Status: devices.StatusPending, Stage: "identity"}
			if err := env.Devices.Create(ctx, d); err != nil {
				return err
			}
			ids[i] = d.ID
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestConcurrentAllocation(t *testing.T, env *Env) {
	ctx := context.Background()
	gamma := env.NewTenant(t, "gamma")
	delta := env.NewTenant(t, "delta")

	ids := createDevices(t, env, gamma, 20)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		artifacts []*tunnel.Artifact
		errs      []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			a, err := env.Tunnels.BuildPeerConfig(ctx, gamma.ID, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			artifacts = append(artifacts, a)
		}(id)
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, artifacts, 20)

	tun, err := env.Tunnels.EnsureTunnel(ctx, gamma.ID)
	require.NoError(t, err)

	seen := make(map[netip.Addr]bool)
	for _, a := range artifacts {
		assert.False(t, seen[a.ClientIP], "duplicate address %s", a.ClientIP)
		seen[a.ClientIP] = true
		assert.True(t, tun.Subnet.Contains(a.ClientIP))
		assert.NotEqual(t, tun.ServerAddress, a.ClientIP)
	}

	pool, err := env.Tunnels.PoolUsage(ctx, gamma.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, pool.Allocated)
	assert.Equal(t, pool.Total-20, pool.Available)

	t.Run("write-once", func(t *testing.T) {
		again, err := env.Tunnels.BuildPeerConfig(ctx, gamma.ID, ids[0])
		require.NoError(t, err)
		var first *tunnel.Artifact
		for _, a := range artifacts {
			if a.DeviceID == ids[0] {
				first = a
			}
		}
		require.NotNil(t, first)
		assert.Equal(t, first.ClientIP, again.ClientIP)
		assert.Equal(t, first.PrivateKey, again.PrivateKey)

		pool, err := env.Tunnels.PoolUsage(ctx, gamma.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, pool.Allocated)
	})

	t.Run("tenants get disjoint tunnels", func(t *testing.T) {
		other, err := env.Tunnels.EnsureTunnel(ctx, delta.ID)
		require.NoError(t, err)
		assert.False(t, other.Subnet.Overlaps(tun.Subnet))
		assert.NotEqual(t, tun.InterfaceName, other.InterfaceName)
		assert.NotEqual(t, tun.ListenPort, other.ListenPort)
	})
}
