package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/EternisAI/silo-overlay/internal/ipam"
	"github.com/google/uuid"
)

type Config struct {
	EndpointHost string   `mapstructure:"endpoint_host"`
	DNS          []string `mapstructure:"dns"`
	AllowedIPs   []string `mapstructure:"allowed_ips"`
	Keepalive    int      `mapstructure:"keepalive"`
}

// Scoper runs fn inside a tenant scope; tenancy.Switcher implements it.
type Scoper interface {
	WithTenant(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error
}

type Store interface {
	ActiveTunnel(ctx context.Context) (*Tunnel, error)
	CreateTunnel(ctx context.Context, t *Tunnel) error
	ReserveNetwork(ctx context.Context, tenantID uuid.UUID) (*Network, error)
	LivePeer(ctx context.Context, deviceID uuid.UUID) (*PeerAllocation, error)
	LivePeers(ctx context.Context, tunnelID uuid.UUID) ([]*PeerAllocation, error)
	InsertPeer(ctx context.Context, p *PeerAllocation) error
	MarkPeerActive(ctx context.Context, peerID uuid.UUID, handshakeAt *time.Time) error
	UpdatePeerStats(ctx context.Context, peerID uuid.UUID, stats PeerStats) error
	UpdateTunnelStats(ctx context.Context, t *Tunnel) error
}

type PoolStore interface {
	Create(ctx context.Context, p *ipam.Pool) error
	GetByTunnel(ctx context.Context, tunnelID uuid.UUID) (*ipam.Pool, error)
}

type AddressAllocator interface {
	Allocate(ctx context.Context, poolID uuid.UUID, claim ipam.ClaimFunc) (netip.Addr, error)
	Release(ctx context.Context, poolID uuid.UUID, addr netip.Addr) error
}

// PeerApplier pushes peers onto the server interface. Optional.
type PeerApplier interface {
	ApplyPeer(iface string, peer *PeerAllocation) error
	RemovePeer(iface string, publicKey string) error
}

type Service struct {
	scoper    Scoper
	store     Store
	pools     PoolStore
	allocator AddressAllocator
	applier   PeerApplier

	endpointHost string
	dns          []netip.Addr
	allowedIPs   []netip.Prefix
	keepalive    int

	ensureMu sync.Mutex
}

func NewService(cfg Config, scoper Scoper, store Store, pools PoolStore, allocator AddressAllocator, applier PeerApplier) (*Service, error) {
	s := &Service{
		scoper:       scoper,
		store:        store,
		pools:        pools,
		allocator:    allocator,
		applier:      applier,
		endpointHost: cfg.EndpointHost,
		keepalive:    cfg.Keepalive,
	}
	if s.keepalive <= 0 {
		s.keepalive = 25
	}

	dns := cfg.DNS
	if len(dns) == 0 {
		dns = []string{"8.8.8.8", "8.8.4.4"}
	}
	for _, d := range dns {
		addr, err := netip.ParseAddr(d)
		if err != nil {
			return nil, fmt.Errorf("invalid dns server %q: %w", d, err)
		}
		s.dns = append(s.dns, addr)
	}

	for _, r := range cfg.AllowedIPs {
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed ip %q: %w", r, err)
		}
		s.allowedIPs = append(s.allowedIPs, prefix)
	}

	if s.endpointHost == "" {
		return nil, errors.New("tunnel endpoint host is required")
	}
	return s, nil
}

// EnsureTunnel returns the tenant's tunnel, creating it with its subnet pool
// on first use.
func (s *Service) EnsureTunnel(ctx context.Context, tenantID uuid.UUID) (*Tunnel, error) {
	var tun *Tunnel
	err := s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		t, err := s.store.ActiveTunnel(ctx)
		if err == nil {
			tun = t
			return nil
		}
		if !errors.Is(err, ErrTunnelNotFound) {
			return err
		}

		s.ensureMu.Lock()
		defer s.ensureMu.Unlock()

		network, err := s.store.ReserveNetwork(ctx, tenantID)
		if err != nil {
			return err
		}

		// Another caller may have created it while we waited for the registry lock.
		if t, err := s.store.ActiveTunnel(ctx); err == nil {
			tun = t
			return nil
		} else if !errors.Is(err, ErrTunnelNotFound) {
			return err
		}

		tun, err = s.createTunnel(ctx, tenantID, network)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure tunnel: %w", err)
	}
	return tun, nil
}

func (s *Service) createTunnel(ctx context.Context, tenantID uuid.UUID, network *Network) (*Tunnel, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	t := &Tunnel{
		ID:            uuid.New(),
		TenantID:      tenantID,
		InterfaceName: network.InterfaceName,
		PrivateKey:    keys.PrivateKey,
		PublicKey:     keys.PublicKey,
		ServerAddress: network.ServerAddress(),
		Subnet:        network.Subnet(),
		ListenPort:    network.ListenPort,
		Endpoint:      net.JoinHostPort(s.endpointHost, strconv.Itoa(network.ListenPort)),
		Status:        "active",
	}
	if err := s.store.CreateTunnel(ctx, t); err != nil {
		return nil, err
	}

	pool, err := ipam.NewTunnelPool(tenantID, t.ID, t.Subnet)
	if err != nil {
		return nil, err
	}
	if err := s.pools.Create(ctx, pool); err != nil {
		return nil, err
	}

	slog.Info("Tenant tunnel created",
		"tenant_id", tenantID,
		"tunnel_id", t.ID,
		"interface", t.InterfaceName,
		"subnet", t.Subnet,
		"listen_port", t.ListenPort,
		"pool_total", pool.Total)
	return t, nil
}

// BuildPeerConfig returns the device's artifact. An existing live allocation
// is reused as-is; otherwise keys are generated and an address allocated.
func (s *Service) BuildPeerConfig(ctx context.Context, tenantID, deviceID uuid.UUID) (*Artifact, error) {
	tun, err := s.EnsureTunnel(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var peer *PeerAllocation
	created := false
	err = s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		existing, err := s.store.LivePeer(ctx, deviceID)
		if err == nil {
			peer = existing
			return nil
		}
		if !errors.Is(err, ErrPeerNotFound) {
			return err
		}

		peer, err = s.allocatePeer(ctx, tun, deviceID)
		created = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.applyPeer(tun, peer)
		slog.Info("Peer allocated",
			"tenant_id", tenantID,
			"device_id", deviceID,
			"client_ip", peer.ClientIP)
	}
	return s.artifact(tun, peer), nil
}

// RotatePeer releases the device's current address and allocates a new one
// with fresh keys.
func (s *Service) RotatePeer(ctx context.Context, tenantID, deviceID uuid.UUID) (*Artifact, error) {
	tun, err := s.EnsureTunnel(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var old, peer *PeerAllocation
	err = s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		current, err := s.store.LivePeer(ctx, deviceID)
		if err != nil && !errors.Is(err, ErrPeerNotFound) {
			return err
		}
		if current != nil {
			pool, err := s.pools.GetByTunnel(ctx, tun.ID)
			if err != nil {
				return err
			}
			if err := s.allocator.Release(ctx, pool.ID, current.ClientIP); err != nil {
				return err
			}
			old = current
		}

		peer, err = s.allocatePeer(ctx, tun, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if old != nil && s.applier != nil {
		if err := s.applier.RemovePeer(tun.InterfaceName, old.PublicKey); err != nil {
			slog.Warn("Failed to remove rotated peer from interface", "device_id", deviceID, "error", err)
		}
	}
	s.applyPeer(tun, peer)

	slog.Info("Peer rotated", "tenant_id", tenantID, "device_id", deviceID, "client_ip", peer.ClientIP)
	return s.artifact(tun, peer), nil
}

func (s *Service) allocatePeer(ctx context.Context, tun *Tunnel, deviceID uuid.UUID) (*PeerAllocation, error) {
	pool, err := s.pools.GetByTunnel(ctx, tun.ID)
	if err != nil {
		return nil, err
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	psk, err := GeneratePresharedKey()
	if err != nil {
		return nil, err
	}

	peer := &PeerAllocation{
		ID:           uuid.New(),
		TenantID:     tun.TenantID,
		TunnelID:     tun.ID,
		DeviceID:     deviceID,
		PrivateKey:   keys.PrivateKey,
		PublicKey:    keys.PublicKey,
		PresharedKey: psk,
		Status:       PeerPending,
	}

	_, err = s.allocator.Allocate(ctx, pool.ID, func(ctx context.Context, addr netip.Addr) error {
		peer.ClientIP = addr
		return s.store.InsertPeer(ctx, peer)
	})
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// PeerFor returns the live allocation of a device.
func (s *Service) PeerFor(ctx context.Context, tenantID, deviceID uuid.UUID) (*PeerAllocation, error) {
	var peer *PeerAllocation
	err := s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		p, err := s.store.LivePeer(ctx, deviceID)
		peer = p
		return err
	})
	return peer, err
}

// ArtifactFor renders the existing allocation of a device without allocating.
func (s *Service) ArtifactFor(ctx context.Context, tenantID, deviceID uuid.UUID) (*Artifact, error) {
	var tun *Tunnel
	var peer *PeerAllocation
	err := s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		t, err := s.store.ActiveTunnel(ctx)
		if err != nil {
			return err
		}
		p, err := s.store.LivePeer(ctx, deviceID)
		if err != nil {
			return err
		}
		tun, peer = t, p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.artifact(tun, peer), nil
}

func (s *Service) MarkPeerActive(ctx context.Context, tenantID, peerID uuid.UUID, handshakeAt *time.Time) error {
	return s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		return s.store.MarkPeerActive(ctx, peerID, handshakeAt)
	})
}

// PoolUsage reports the tenant's address pool.
func (s *Service) PoolUsage(ctx context.Context, tenantID uuid.UUID) (*ipam.Pool, error) {
	var pool *ipam.Pool
	err := s.scoper.WithTenant(ctx, tenantID, func(ctx context.Context) error {
		t, err := s.store.ActiveTunnel(ctx)
		if err != nil {
			return err
		}
		pool, err = s.pools.GetByTunnel(ctx, t.ID)
		return err
	})
	return pool, err
}

func (s *Service) applyPeer(tun *Tunnel, peer *PeerAllocation) {
	if s.applier == nil {
		return
	}
	if err := s.applier.ApplyPeer(tun.InterfaceName, peer); err != nil {
		slog.Warn("Failed to apply peer to interface",
			"interface", tun.InterfaceName,
			"device_id", peer.DeviceID,
			"error", err)
	}
}

func (s *Service) artifact(tun *Tunnel, peer *PeerAllocation) *Artifact {
	allowed := s.allowedIPs
	if len(allowed) == 0 {
		allowed = []netip.Prefix{tun.Subnet}
	}
	return &Artifact{
		TenantID:        tun.TenantID,
		DeviceID:        peer.DeviceID,
		PeerID:          peer.ID,
		InterfaceName:   deviceInterfaceName(peer.DeviceID),
		PrivateKey:      peer.PrivateKey,
		ClientIP:        peer.ClientIP,
		SubnetBits:      tun.Subnet.Bits(),
		ServerPublicKey: tun.PublicKey,
		Endpoint:        tun.Endpoint,
		ListenPort:      tun.ListenPort,
		PresharedKey:    peer.PresharedKey,
		AllowedIPs:      allowed,
		DNS:             s.dns,
		Keepalive:       s.keepalive,
	}
}
