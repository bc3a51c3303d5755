package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-overlay/internal/api/http/dto"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func provisionDevice(t *testing.T, env *Env, token, name string) dto.ProvisionDeviceResponse {
	t.Helper()
	rr := doJSONWithAuth(env.Router, "POST", "/api/v1/devices/provision", dto.ProvisionDeviceRequest{Name: name}, token)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp dto.ProvisionDeviceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func waitForStatus(t *testing.T, env *Env, token, deviceID string, done func(s dto.ProvisioningStatusResponse) bool) dto.ProvisioningStatusResponse {
	t.Helper()
	var last dto.ProvisioningStatusResponse
	var mu sync.Mutex
	require.Eventually(t, func() bool {
		rr := doJSONWithAuth(env.Router, "GET", "/api/v1/devices/"+deviceID+"/provisioning", nil, token)
		if rr.Code != http.StatusOK {
			return false
		}
		var s dto.ProvisioningStatusResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
			return false
		}
		mu.Lock()
		last = s
		mu.Unlock()
		return done(s)
	}, 10*time.Second, 20*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	return last
}

func TestProvisioningFlow(t *testing.T, env *Env) {
	tenant := env.NewTenant(t, "epsilon")
	token := env.OperatorToken(t, tenant)

	feed, cancel := env.Hub.Subscribe(events.TenantTopics(tenant.ID)...)
	defer cancel()

	started := provisionDevice(t, env, token, "edge-1")
	assert.Equal(t, "identity", started.Stage)
	require.NotEmpty(t, started.BootstrapToken)

	verifying := waitForStatus(t, env, token, started.DeviceID, func(s dto.ProvisioningStatusResponse) bool {
		return s.Stage == "verifying_connectivity" && s.ClientIP != ""
	})

	t.Run("bootstrap config while verifying", func(t *testing.T) {
		rr := doJSONWithHeaders(env.Router, "GET", started.ConfigURL, nil,
			map[string]string{"X-Bootstrap-Token": started.BootstrapToken})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Contains(t, rr.Body.String(), "Address = "+verifying.ClientIP+"/")
		assert.Contains(t, rr.Body.String(), "Endpoint = vpn.example.net:")

		rr = doJSONWithHeaders(env.Router, "GET", started.ConfigURL, nil,
			map[string]string{"X-Bootstrap-Token": started.BootstrapToken + "x"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	env.Agent.Open(netip.MustParseAddr(verifying.ClientIP))

	final := waitForStatus(t, env, token, started.DeviceID, func(s dto.ProvisioningStatusResponse) bool {
		return s.Outcome != "running"
	})
	require.Equal(t, "completed", final.Outcome, final.Error)
	stages := make([]string, len(final.History))
	for i, h := range final.History {
		stages[i] = h.Stage
	}
	assert.Equal(t, []string{"identity", "awaiting_tunnel", "verifying_connectivity", "discovering_capabilities", "completed"}, stages)

	t.Run("device is online with discovered capabilities", func(t *testing.T) {
		deviceID := uuid.MustParse(started.DeviceID)
		err := env.Switcher.WithTenant(context.Background(), tenant.ID, func(ctx context.Context) error {
			d, err := env.Devices.Get(ctx, deviceID)
			if err != nil {
				return err
			}
			assert.Equal(t, devices.StatusOnline, d.Status)
			assert.Equal(t, "RB5009", d.Model)
			assert.Equal(t, "7.14", d.FirmwareVersion)
			assert.Empty(t, d.BootstrapTokenHash)

			ifaces, err := env.Devices.ListInterfaces(ctx, deviceID)
			if err != nil {
				return err
			}
			assert.Len(t, ifaces, 2)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("bootstrap token is spent after completion", func(t *testing.T) {
		rr := doJSONWithHeaders(env.Router, "GET", started.ConfigURL, nil,
			map[string]string{"X-Bootstrap-Token": started.BootstrapToken})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("retry of a completed device is refused", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/v1/devices/"+started.DeviceID+"/provisioning/retry", nil, token)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("events reached the tenant feed", func(t *testing.T) {
		kinds := drainKinds(feed)
		assert.Contains(t, kinds, events.ProvisioningStage)
		assert.Contains(t, kinds, events.ConnectivityChecking)
		assert.Contains(t, kinds, events.ConnectivityVerified)
		assert.Contains(t, kinds, events.ProvisioningCompleted)
		assert.NotContains(t, kinds, events.ProvisioningFailed)
	})

	t.Run("other tenants cannot read the run", func(t *testing.T) {
		other := env.NewTenant(t, "zeta")
		otherToken := env.OperatorToken(t, other)
		rr := doJSONWithAuth(env.Router, "GET", "/api/v1/devices/"+started.DeviceID+"/provisioning", nil, otherToken)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestSuspendedTenant(t *testing.T, env *Env) {
	tenant := env.NewTenant(t, "eta")
	token := env.OperatorToken(t, tenant)
	adminHeaders := map[string]string{"X-API-Key": adminAPIKey}
	tenantPath := "/api/v1/admin/tenants/" + tenant.ID.String()

	started := provisionDevice(t, env, token, "edge-stuck")
	waitForStatus(t, env, token, started.DeviceID, func(s dto.ProvisioningStatusResponse) bool {
		return s.Stage == "verifying_connectivity"
	})

	rr := doJSONWithHeaders(env.Router, "POST", tenantPath+"/suspend", nil, adminHeaders)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var suspended dto.SuspendTenantResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &suspended))
	assert.Equal(t, 1, suspended.CancelledRuns)

	final := waitForStatus(t, env, token, started.DeviceID, func(s dto.ProvisioningStatusResponse) bool {
		return s.Outcome != "running"
	})
	assert.Equal(t, "cancelled", final.Outcome)
	assert.Equal(t, "verifying_connectivity", final.Stage)

	rr = doJSONWithAuth(env.Router, "POST", "/api/v1/devices/provision", dto.ProvisionDeviceRequest{Name: "edge-2"}, token)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSONWithHeaders(env.Router, "POST", tenantPath+"/tokens", map[string]string{"operator": "late"}, adminHeaders)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSONWithHeaders(env.Router, "POST", tenantPath+"/resume", nil, adminHeaders)
	require.Equal(t, http.StatusOK, rr.Code)

	// the cancelled run leaves the registry once its worker unwinds
	require.Eventually(t, func() bool {
		rr := doJSONWithAuth(env.Router, "POST", "/api/v1/devices/"+started.DeviceID+"/provisioning/retry", nil, token)
		return rr.Code == http.StatusAccepted
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("terminate drops the namespace", func(t *testing.T) {
		rr := doJSONWithHeaders(env.Router, "DELETE", tenantPath, nil, adminHeaders)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var exists bool
		err := env.Pool.QueryRow(context.Background(),
			`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
			tenant.SchemaName).Scan(&exists)
		require.NoError(t, err)
		assert.False(t, exists)

		err = env.Switcher.WithTenant(context.Background(), tenant.ID, func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, err, tenancy.ErrTenantUnavailable)
	})
}

func drainKinds(feed <-chan events.Notification) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case n, ok := <-feed:
			if !ok {
				return kinds
			}
			kinds = append(kinds, n.Kind)
		case <-time.After(100 * time.Millisecond):
			return kinds
		}
	}
}
