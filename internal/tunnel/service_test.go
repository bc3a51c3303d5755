package tunnel_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/EternisAI/silo-overlay/internal/testutil"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPeerApplier struct {
	mock.Mock
}

func (m *MockPeerApplier) ApplyPeer(iface string, peer *tunnel.PeerAllocation) error {
	args := m.Called(iface, peer)
	return args.Error(0)
}

func (m *MockPeerApplier) RemovePeer(iface string, publicKey string) error {
	args := m.Called(iface, publicKey)
	return args.Error(0)
}

type fixture struct {
	tenants *testutil.Tenants
	network *testutil.Network
	service *tunnel.Service
}

func newFixture(t *testing.T, applier tunnel.PeerApplier) *fixture {
	t.Helper()
	tenants := testutil.NewTenants()
	network := testutil.NewNetwork()
	svc, err := tunnel.NewService(
		tunnel.Config{EndpointHost: "vpn.example.net"},
		testutil.NewSwitcher(tenants),
		network,
		network,
		ipam.NewAllocator(network),
		applier,
	)
	require.NoError(t, err)
	return &fixture{tenants: tenants, network: network, service: svc}
}

func TestNewService_Validation(t *testing.T) {
	network := testutil.NewNetwork()
	_, err := tunnel.NewService(tunnel.Config{}, nil, network, network, nil, nil)
	assert.Error(t, err)

	_, err = tunnel.NewService(tunnel.Config{EndpointHost: "vpn", DNS: []string{"not-an-ip"}}, nil, network, network, nil, nil)
	assert.Error(t, err)

	_, err = tunnel.NewService(tunnel.Config{EndpointHost: "vpn", AllowedIPs: []string{"10.0.0.0"}}, nil, network, network, nil, nil)
	assert.Error(t, err)
}

func TestEnsureTunnel_CreatesOncePerTenant(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()

	first, err := f.service.EnsureTunnel(ctx, tenant.ID)
	require.NoError(t, err)
	second, err := f.service.EnsureTunnel(ctx, tenant.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, netip.MustParsePrefix("10.100.0.0/16"), first.Subnet)
	assert.Equal(t, netip.MustParseAddr("10.100.0.1"), first.ServerAddress)
	assert.Equal(t, "wg0", first.InterfaceName)
	assert.Equal(t, "vpn.example.net:51820", first.Endpoint)
	assert.NotEmpty(t, first.PublicKey)

	pool := f.network.Pool(tenant.ID)
	require.NotNil(t, pool)
	assert.Equal(t, 64770, pool.Total)
	assert.Equal(t, first.ID, pool.TunnelID)
}

func TestEnsureTunnel_ConcurrentCallersShareTunnel(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")

	ids := make(chan uuid.UUID, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tun, err := f.service.EnsureTunnel(context.Background(), tenant.ID)
			if assert.NoError(t, err) {
				ids <- tun.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	distinct := make(map[uuid.UUID]bool)
	for id := range ids {
		distinct[id] = true
	}
	assert.Len(t, distinct, 1)
}

func TestEnsureTunnel_TenantsGetDisjointSubnets(t *testing.T) {
	f := newFixture(t, nil)
	acme := f.tenants.AddTenant("acme")
	globex := f.tenants.AddTenant("globex")
	ctx := context.Background()

	a, err := f.service.EnsureTunnel(ctx, acme.ID)
	require.NoError(t, err)
	b, err := f.service.EnsureTunnel(ctx, globex.ID)
	require.NoError(t, err)

	assert.False(t, a.Subnet.Overlaps(b.Subnet))
	assert.NotEqual(t, a.InterfaceName, b.InterfaceName)
	assert.NotEqual(t, a.ListenPort, b.ListenPort)
}

func TestEnsureTunnel_UnavailableTenant(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")
	f.tenants.Suspend(tenant.ID)

	_, err := f.service.EnsureTunnel(context.Background(), tenant.ID)
	assert.ErrorIs(t, err, tenancy.ErrTenantUnavailable)
	assert.Nil(t, f.network.Tunnel(tenant.ID))
}

func TestBuildPeerConfig_AllocatesLowestAddresses(t *testing.T) {
	applier := new(MockPeerApplier)
	applier.On("ApplyPeer", "wg0", mock.Anything).Return(nil)
	f := newFixture(t, applier)
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()

	d1, d2 := uuid.New(), uuid.New()
	a1, err := f.service.BuildPeerConfig(ctx, tenant.ID, d1)
	require.NoError(t, err)
	a2, err := f.service.BuildPeerConfig(ctx, tenant.ID, d2)
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("10.100.1.1"), a1.ClientIP)
	assert.Equal(t, netip.MustParseAddr("10.100.1.2"), a2.ClientIP)
	assert.NotEqual(t, a1.PrivateKey, a2.PrivateKey)
	assert.NotEmpty(t, a1.PresharedKey)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.100.0.0/16")}, a1.AllowedIPs)
	assert.Equal(t, 25, a1.Keepalive)
	assert.Len(t, a1.DNS, 2)

	pool := f.network.Pool(tenant.ID)
	assert.Equal(t, 2, pool.Allocated)
	assert.Equal(t, pool.Total, pool.Allocated+pool.Available)
	applier.AssertNumberOfCalls(t, "ApplyPeer", 2)
}

func TestBuildPeerConfig_IsWriteOnce(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()
	device := uuid.New()

	first, err := f.service.BuildPeerConfig(ctx, tenant.ID, device)
	require.NoError(t, err)
	again, err := f.service.BuildPeerConfig(ctx, tenant.ID, device)
	require.NoError(t, err)

	assert.Equal(t, first.PeerID, again.PeerID)
	assert.Equal(t, first.PrivateKey, again.PrivateKey)
	assert.Equal(t, first.ClientIP, again.ClientIP)
	assert.Equal(t, 1, f.network.Pool(tenant.ID).Allocated)
}

func TestBuildPeerConfig_ConcurrentDevices(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")

	const devices = 25
	addrs := make(chan netip.Addr, devices)
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.service.BuildPeerConfig(context.Background(), tenant.ID, uuid.New())
			if assert.NoError(t, err) {
				addrs <- a.ClientIP
			}
		}()
	}
	wg.Wait()
	close(addrs)

	seen := make(map[netip.Addr]bool)
	for a := range addrs {
		assert.False(t, seen[a], "duplicate address %s", a)
		seen[a] = true
	}
	assert.Len(t, seen, devices)

	pool := f.network.Pool(tenant.ID)
	assert.Equal(t, devices, pool.Allocated)
	assert.Equal(t, pool.Total, pool.Allocated+pool.Available)
}

func TestBuildPeerConfig_PoolExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.network.PoolHook = func(p *ipam.Pool) {
		p.RangeEnd = p.RangeStart
		p.Total, p.Available = 1, 1
	}
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()

	_, err := f.service.BuildPeerConfig(ctx, tenant.ID, uuid.New())
	require.NoError(t, err)

	_, err = f.service.BuildPeerConfig(ctx, tenant.ID, uuid.New())
	assert.ErrorIs(t, err, ipam.ErrPoolExhausted)

	pool := f.network.Pool(tenant.ID)
	assert.Equal(t, 1, pool.Allocated)
	assert.Equal(t, 0, pool.Available)
}

func TestRotatePeer_ReleasesOldAllocation(t *testing.T) {
	applier := new(MockPeerApplier)
	applier.On("ApplyPeer", "wg0", mock.Anything).Return(nil)
	applier.On("RemovePeer", "wg0", mock.Anything).Return(nil)
	f := newFixture(t, applier)
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()
	device := uuid.New()

	original, err := f.service.BuildPeerConfig(ctx, tenant.ID, device)
	require.NoError(t, err)
	rotated, err := f.service.RotatePeer(ctx, tenant.ID, device)
	require.NoError(t, err)

	assert.NotEqual(t, original.PeerID, rotated.PeerID)
	assert.NotEqual(t, original.PrivateKey, rotated.PrivateKey)

	peers := f.network.Peers(tenant.ID)
	require.Len(t, peers, 2)
	revoked := 0
	for _, p := range peers {
		if p.Status == tunnel.PeerRevoked {
			revoked++
			assert.Equal(t, original.PeerID, p.ID)
		}
	}
	assert.Equal(t, 1, revoked)
	assert.Equal(t, 1, f.network.Pool(tenant.ID).Allocated)
	applier.AssertCalled(t, "RemovePeer", "wg0", mock.Anything)
}

func TestArtifactFor_RequiresAllocation(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()

	_, err := f.service.EnsureTunnel(ctx, tenant.ID)
	require.NoError(t, err)

	_, err = f.service.ArtifactFor(ctx, tenant.ID, uuid.New())
	assert.ErrorIs(t, err, tunnel.ErrPeerNotFound)
}

type staticSource struct {
	snap *tunnel.Snapshot
}

func (s staticSource) Snapshot(iface string) (*tunnel.Snapshot, error) {
	return s.snap, nil
}

func TestStatsRefresher_CopiesKernelCounters(t *testing.T) {
	f := newFixture(t, nil)
	tenant := f.tenants.AddTenant("acme")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.service.BuildPeerConfig(ctx, tenant.ID, uuid.New())
		require.NoError(t, err)
	}

	peers := f.network.Peers(tenant.ID)
	require.Len(t, peers, 2)
	recent := time.Now().Add(-30 * time.Second)
	stale := time.Now().Add(-time.Hour)
	source := staticSource{snap: &tunnel.Snapshot{Peers: map[string]tunnel.PeerStats{
		peers[0].PublicKey: {PublicKey: peers[0].PublicKey, LastHandshake: recent, RxBytes: 100, TxBytes: 200},
		peers[1].PublicKey: {PublicKey: peers[1].PublicKey, LastHandshake: stale, RxBytes: 1, TxBytes: 2},
	}}}

	r := tunnel.NewStatsRefresher(f.tenants, testutil.NewSwitcher(f.tenants), f.network, source, time.Minute)
	r.RefreshAll(ctx)

	tun := f.network.Tunnel(tenant.ID)
	assert.Equal(t, 1, tun.ConnectedPeers)
	assert.Equal(t, int64(101), tun.BytesReceived)
	assert.Equal(t, int64(202), tun.BytesSent)
	require.NotNil(t, tun.LastHandshakeAt)
	assert.WithinDuration(t, recent, *tun.LastHandshakeAt, time.Millisecond)
}
