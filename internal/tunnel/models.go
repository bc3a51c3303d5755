package tunnel

import (
	"errors"
	"net/netip"
	"time"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
)

var (
	ErrTunnelNotFound    = errors.New("tunnel not found")
	ErrPeerNotFound      = errors.New("peer allocation not found")
	ErrNoNetworkCapacity = errors.New("no free tenant network")
)

type Tunnel struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	InterfaceName   string
	PrivateKey      string
	PublicKey       string
	ServerAddress   netip.Addr
	Subnet          netip.Prefix
	ListenPort      int
	Endpoint        string
	ConnectedPeers  int
	LastHandshakeAt *time.Time
	BytesReceived   int64
	BytesSent       int64
	Status          string
	CreatedAt       time.Time
}

func (t *Tunnel) Owner() tenancy.Owner {
	return tenancy.Owner{Kind: tenancy.OwnerTenant, ID: t.TenantID, TenantID: t.TenantID}
}

type PeerStatus string

const (
	PeerPending PeerStatus = "pending"
	PeerActive  PeerStatus = "active"
	PeerRevoked PeerStatus = "revoked"
)

// PeerAllocation binds a device to a client address of its tenant tunnel.
type PeerAllocation struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	TunnelID        uuid.UUID
	DeviceID        uuid.UUID
	PrivateKey      string
	PublicKey       string
	PresharedKey    string
	ClientIP        netip.Addr
	Status          PeerStatus
	LastHandshakeAt *time.Time
	RxBytes         int64
	TxBytes         int64
	CreatedAt       time.Time
	RevokedAt       *time.Time
}

func (p *PeerAllocation) Owner() tenancy.Owner {
	return tenancy.Owner{Kind: tenancy.OwnerTunnel, ID: p.TunnelID, TenantID: p.TenantID}
}

// Network is a tenant's slot in the global registry of subnets, interfaces and ports.
type Network struct {
	TenantID      uuid.UUID
	SubnetOctet   int
	InterfaceName string
	ListenPort    int
}

func (n *Network) Subnet() netip.Prefix {
	return netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(n.SubnetOctet), 0, 0}), 16)
}

func (n *Network) ServerAddress() netip.Addr {
	return netip.AddrFrom4([4]byte{10, byte(n.SubnetOctet), 0, 1})
}

// PeerStats is what the kernel reports for one peer.
type PeerStats struct {
	PublicKey     string
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

type Snapshot struct {
	Interface string
	Peers     map[string]PeerStats
}
