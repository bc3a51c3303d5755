package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	internalhttp "github.com/EternisAI/silo-overlay/internal/api/http"
	"github.com/EternisAI/silo-overlay/internal/auth"
	"github.com/EternisAI/silo-overlay/internal/connectivity"
	"github.com/EternisAI/silo-overlay/internal/devicerpc"
	"github.com/EternisAI/silo-overlay/internal/devices"
	"github.com/EternisAI/silo-overlay/internal/events"
	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/provisioning"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret   = "systemtest-secret"
	adminAPIKey = "systemtest-admin-key"
)

// Env is the full server stack on a real database. Devices are faked by a
// gated agent that reports a fixed identity.
type Env struct {
	Pool         *pgxpool.Pool
	DBURL        string
	Tenants      *tenancy.Store
	Manager      *tenancy.Manager
	Switcher     *tenancy.Switcher
	Devices      *devices.Service
	Tunnels      *tunnel.Service
	Hub          *events.Hub
	Orchestrator *provisioning.Orchestrator
	Router       *gin.Engine
	Agent        *gatedAgent
}

// gatedAgent stays unreachable until a test opens the device's address, so
// runs can be observed while they wait in connectivity verification.
type gatedAgent struct {
	open sync.Map
}

func (a *gatedAgent) Open(addr netip.Addr) {
	a.open.Store(addr, struct{}{})
}

func (a *gatedAgent) Probe(_ context.Context, addr netip.Addr) (*devicerpc.ProbeResult, error) {
	if _, ok := a.open.Load(addr); !ok {
		return nil, fmt.Errorf("%w: %s not open", devicerpc.ErrDeviceUnreachable, addr)
	}
	return &devicerpc.ProbeResult{Latency: 3 * time.Millisecond}, nil
}

func (a *gatedAgent) FetchIdentity(_ context.Context, _ netip.Addr) (*devicerpc.Identity, error) {
	return &devicerpc.Identity{Hostname: "edge", Model: "RB5009", FirmwareVersion: "7.14"}, nil
}

func (a *gatedAgent) FetchInterfaces(_ context.Context, _ netip.Addr) ([]devicerpc.Interface, error) {
	return []devicerpc.Interface{
		{Name: "ether1", Type: "ether", MacAddress: "aa:bb:cc:dd:ee:01", Running: true},
		{Name: "bridge", Type: "bridge", Running: true},
	}, nil
}

func NewEnv(t *testing.T, pool *pgxpool.Pool, dbURL string) *Env {
	t.Helper()

	store := tenancy.NewStore(pool)
	switcher := tenancy.NewSwitcher(store, tenancy.NewPgUnitOfWork(pool))
	deviceService := devices.NewService()

	tunnelService, err := tunnel.NewService(
		tunnel.Config{EndpointHost: "vpn.example.net"},
		switcher, tunnel.NewPgStore(), ipam.NewPgStore(), ipam.NewAllocator(ipam.NewPgStore()), nil,
	)
	require.NoError(t, err)

	archive, err := provisioning.OpenBoltArchive(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	agent := &gatedAgent{}
	hub := events.NewHub(256)
	verifier := connectivity.NewVerifier(
		connectivity.Config{Interval: 5 * time.Millisecond, MaxAttempts: 2000},
		agent, nil,
		provisioning.NewRecorder(switcher, deviceService, tunnelService),
	)

	orchestrator := provisioning.NewOrchestrator(provisioning.Config{Workers: 4, QueueSize: 32}, provisioning.Dependencies{
		Scoper:     switcher,
		Devices:    deviceService,
		Tunnels:    tunnelService,
		Verifier:   verifier,
		Discoverer: agent,
		Publisher:  hub,
		Archive:    archive,
	})
	orchestrator.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Stop(ctx)
	})

	manager := tenancy.NewManager(store, dbURL)

	router := gin.New()
	internalhttp.SetupRoute(router, &internalhttp.Services{
		Provisioner:  orchestrator,
		Bootstrapper: orchestrator,
		Events:       hub,
		Tenants:      manager,
		Runs:         orchestrator,
		Pools:        tunnelService,
		Tokens:       auth.NewService(store, auth.Config{JWTSecret: jwtSecret}),
		JWTSecret:    jwtSecret,
		AdminAPIKey:  adminAPIKey,
	})

	return &Env{
		Pool:         pool,
		DBURL:        dbURL,
		Tenants:      store,
		Manager:      manager,
		Switcher:     switcher,
		Devices:      deviceService,
		Tunnels:      tunnelService,
		Hub:          hub,
		Orchestrator: orchestrator,
		Router:       router,
		Agent:        agent,
	}
}

// NewTenant creates a tenant with a migrated namespace.
func (e *Env) NewTenant(t *testing.T, slug string) *tenancy.Tenant {
	t.Helper()
	tenant, err := e.Manager.CreateTenant(context.Background(), slug, slug)
	require.NoError(t, err)
	return tenant
}

// OperatorToken issues a token through the admin API.
func (e *Env) OperatorToken(t *testing.T, tenant *tenancy.Tenant) string {
	t.Helper()
	rr := doJSONWithHeaders(e.Router, "POST", "/api/v1/admin/tenants/"+tenant.ID.String()+"/tokens",
		map[string]string{"operator": "systemtest"}, map[string]string{"X-API-Key": adminAPIKey})
	require.Equal(t, 201, rr.Code, rr.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Token
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return doJSONWithHeaders(router, method, path, body, nil)
}

func doJSONWithAuth(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	return doJSONWithHeaders(router, method, path, body, map[string]string{"Authorization": "Bearer " + token})
}

func doJSONWithHeaders(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
