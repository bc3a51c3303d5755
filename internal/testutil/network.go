package testutil

import (
	"context"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/EternisAI/silo-overlay/internal/tunnel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Network is an in-memory store for tunnels, pools and peers. It satisfies
// tunnel.Store, tunnel.PoolStore and ipam.Store.
type Network struct {
	mu       sync.Mutex
	networks map[uuid.UUID]tunnel.Network
	tunnels  map[uuid.UUID]*tunnel.Tunnel
	pools    map[uuid.UUID]*ipam.Pool
	peers    map[uuid.UUID]*tunnel.PeerAllocation

	// PoolHook, when set, adjusts every pool before it is stored.
	PoolHook func(p *ipam.Pool)
}

func NewNetwork() *Network {
	return &Network{
		networks: make(map[uuid.UUID]tunnel.Network),
		tunnels:  make(map[uuid.UUID]*tunnel.Tunnel),
		pools:    make(map[uuid.UUID]*ipam.Pool),
		peers:    make(map[uuid.UUID]*tunnel.PeerAllocation),
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func (n *Network) ActiveTunnel(ctx context.Context) (*tunnel.Tunnel, error) {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tunnels[tenantID]
	if !ok {
		return nil, tunnel.ErrTunnelNotFound
	}
	cp := *t
	return &cp, nil
}

func (n *Network) CreateTunnel(ctx context.Context, t *tunnel.Tunnel) error {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.tunnels[tenantID]; exists {
		return uniqueViolation()
	}
	t.CreatedAt = time.Now()
	cp := *t
	n.tunnels[tenantID] = &cp
	return nil
}

func (n *Network) ReserveNetwork(ctx context.Context, tenantID uuid.UUID) (*tunnel.Network, error) {
	if _, err := db.TenantID(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.networks[tenantID]; ok {
		return &existing, nil
	}
	taken := make(map[int]bool)
	for _, nw := range n.networks {
		taken[nw.SubnetOctet] = true
	}
	idx := len(n.networks)
	octet := 100
	for taken[octet] {
		octet++
	}
	nw := tunnel.Network{
		TenantID:      tenantID,
		SubnetOctet:   octet,
		InterfaceName: "wg" + strconv.Itoa(idx),
		ListenPort:    51820 + idx,
	}
	n.networks[tenantID] = nw
	return &nw, nil
}

func (n *Network) LivePeer(ctx context.Context, deviceID uuid.UUID) (*tunnel.PeerAllocation, error) {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if p.TenantID == tenantID && p.DeviceID == deviceID && p.Status != tunnel.PeerRevoked {
			cp := *p
			return &cp, nil
		}
	}
	return nil, tunnel.ErrPeerNotFound
}

func (n *Network) LivePeers(ctx context.Context, tunnelID uuid.UUID) ([]*tunnel.PeerAllocation, error) {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var result []*tunnel.PeerAllocation
	for _, p := range n.peers {
		if p.TenantID == tenantID && p.TunnelID == tunnelID && p.Status != tunnel.PeerRevoked {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientIP.Less(result[j].ClientIP) })
	return result, nil
}

func (n *Network) InsertPeer(ctx context.Context, p *tunnel.PeerAllocation) error {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.peers {
		if existing.Status == tunnel.PeerRevoked || existing.TenantID != tenantID {
			continue
		}
		if existing.TunnelID == p.TunnelID && existing.ClientIP == p.ClientIP {
			return uniqueViolation()
		}
		if existing.DeviceID == p.DeviceID {
			return uniqueViolation()
		}
	}
	p.CreatedAt = time.Now()
	cp := *p
	n.peers[p.ID] = &cp
	return nil
}

func (n *Network) MarkPeerActive(ctx context.Context, peerID uuid.UUID, handshakeAt *time.Time) error {
	return n.updatePeer(ctx, peerID, func(p *tunnel.PeerAllocation) {
		p.Status = tunnel.PeerActive
		if handshakeAt != nil {
			h := *handshakeAt
			p.LastHandshakeAt = &h
		}
	})
}

func (n *Network) UpdatePeerStats(ctx context.Context, peerID uuid.UUID, stats tunnel.PeerStats) error {
	return n.updatePeer(ctx, peerID, func(p *tunnel.PeerAllocation) {
		p.RxBytes = stats.RxBytes
		p.TxBytes = stats.TxBytes
		if !stats.LastHandshake.IsZero() {
			h := stats.LastHandshake
			p.LastHandshakeAt = &h
		}
	})
}

func (n *Network) updatePeer(ctx context.Context, peerID uuid.UUID, fn func(p *tunnel.PeerAllocation)) error {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[peerID]
	if !ok || p.TenantID != tenantID || p.Status == tunnel.PeerRevoked {
		return tunnel.ErrPeerNotFound
	}
	fn(p)
	return nil
}

func (n *Network) UpdateTunnelStats(ctx context.Context, t *tunnel.Tunnel) error {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cur, ok := n.tunnels[tenantID]
	if !ok || cur.ID != t.ID {
		return tunnel.ErrTunnelNotFound
	}
	cur.ConnectedPeers = t.ConnectedPeers
	cur.LastHandshakeAt = t.LastHandshakeAt
	cur.BytesReceived = t.BytesReceived
	cur.BytesSent = t.BytesSent
	return nil
}

func (n *Network) Create(ctx context.Context, p *ipam.Pool) error {
	if _, err := db.TenantID(ctx); err != nil {
		return err
	}
	if n.PoolHook != nil {
		n.PoolHook(p)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *p
	n.pools[p.ID] = &cp
	return nil
}

func (n *Network) GetByTunnel(ctx context.Context, tunnelID uuid.UUID) (*ipam.Pool, error) {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.pools {
		if p.TunnelID == tunnelID && p.TenantID == tenantID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ipam.ErrPoolNotFound
}

func (n *Network) LockPool(ctx context.Context, poolID uuid.UUID) (*ipam.Pool, error) {
	tenantID, err := db.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pools[poolID]
	if !ok || p.TenantID != tenantID {
		return nil, ipam.ErrPoolNotFound
	}
	cp := *p
	return &cp, nil
}

func (n *Network) ActiveAddresses(ctx context.Context, pool *ipam.Pool) (map[netip.Addr]struct{}, error) {
	if _, err := db.TenantID(ctx); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	used := make(map[netip.Addr]struct{})
	for _, p := range n.peers {
		if p.TunnelID == pool.TunnelID && p.Status != tunnel.PeerRevoked {
			used[p.ClientIP] = struct{}{}
		}
	}
	return used, nil
}

func (n *Network) SaveCounters(ctx context.Context, pool *ipam.Pool) error {
	if _, err := db.TenantID(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := *pool
	n.pools[pool.ID] = &cp
	return nil
}

func (n *Network) RevokeHolder(ctx context.Context, pool *ipam.Pool, addr netip.Addr) (bool, error) {
	if _, err := db.TenantID(ctx); err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if p.TunnelID == pool.TunnelID && p.ClientIP == addr && p.Status != tunnel.PeerRevoked {
			now := time.Now()
			p.Status = tunnel.PeerRevoked
			p.RevokedAt = &now
			return true, nil
		}
	}
	return false, nil
}

// Pool returns the stored pool of a tenant, for assertions.
func (n *Network) Pool(tenantID uuid.UUID) *ipam.Pool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.pools {
		if p.TenantID == tenantID {
			cp := *p
			return &cp
		}
	}
	return nil
}

// Peers returns every allocation of a tenant including revoked ones.
func (n *Network) Peers(tenantID uuid.UUID) []tunnel.PeerAllocation {
	n.mu.Lock()
	defer n.mu.Unlock()
	var result []tunnel.PeerAllocation
	for _, p := range n.peers {
		if p.TenantID == tenantID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientIP.Less(result[j].ClientIP) })
	return result
}

func (n *Network) Tunnel(tenantID uuid.UUID) *tunnel.Tunnel {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tunnels[tenantID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}
