package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tunnelColumns = `id, tenant_id, interface_name, server_private_key, server_public_key, server_address,
	subnet, listen_port, endpoint, connected_peers, last_handshake_at, bytes_received, bytes_sent, status, created_at`

const peerColumns = `id, tenant_id, tunnel_id, device_id, device_private_key, device_public_key,
	COALESCE(preshared_key, ''), client_ip, status, last_handshake_at, rx_bytes, tx_bytes, created_at, revoked_at`

// PgStore persists tunnels and peers in the scoped tenant schema. The network
// registry lives in public and is reached through the same transaction.
type PgStore struct{}

func NewPgStore() *PgStore {
	return &PgStore{}
}

func (s *PgStore) ActiveTunnel(ctx context.Context) (*Tunnel, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	t, err := scanTunnel(conn.QueryRow(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE status = 'active'`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTunnelNotFound
		}
		return nil, fmt.Errorf("failed to get tunnel: %w", err)
	}
	return t, nil
}

func (s *PgStore) CreateTunnel(ctx context.Context, t *Tunnel) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	err = conn.QueryRow(ctx, `
		INSERT INTO tunnels (id, tenant_id, interface_name, server_private_key, server_public_key,
			server_address, subnet, listen_port, endpoint, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		t.ID, t.TenantID, t.InterfaceName, t.PrivateKey, t.PublicKey,
		t.ServerAddress, t.Subnet, t.ListenPort, t.Endpoint, t.Status,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tunnel: %w", err)
	}
	return nil
}

// ReserveNetwork returns the tenant's registry slot, claiming one if needed.
// The table lock serializes concurrent reservations across processes.
func (s *PgStore) ReserveNetwork(ctx context.Context, tenantID uuid.UUID) (*Network, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, `LOCK TABLE public.tenant_networks IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return nil, fmt.Errorf("failed to lock network registry: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT tenant_id, subnet_octet, interface_name, listen_port FROM public.tenant_networks`)
	if err != nil {
		return nil, fmt.Errorf("failed to read network registry: %w", err)
	}
	taken, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Network, error) {
		var n Network
		err := row.Scan(&n.TenantID, &n.SubnetOctet, &n.InterfaceName, &n.ListenPort)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read network registry: %w", err)
	}

	for _, n := range taken {
		if n.TenantID == tenantID {
			return &n, nil
		}
	}

	n, err := nextNetwork(tenantID, taken)
	if err != nil {
		return nil, err
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO public.tenant_networks (tenant_id, subnet_octet, interface_name, listen_port)
		VALUES ($1, $2, $3, $4)`,
		n.TenantID, n.SubnetOctet, n.InterfaceName, n.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve network: %w", err)
	}
	return n, nil
}

func (s *PgStore) LivePeer(ctx context.Context, deviceID uuid.UUID) (*PeerAllocation, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	p, err := scanPeer(conn.QueryRow(ctx, `
		SELECT `+peerColumns+` FROM peer_allocations
		WHERE device_id = $1 AND status <> 'revoked'`, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeerNotFound
		}
		return nil, fmt.Errorf("failed to get peer: %w", err)
	}
	return p, nil
}

func (s *PgStore) LivePeers(ctx context.Context, tunnelID uuid.UUID) ([]*PeerAllocation, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, `
		SELECT `+peerColumns+` FROM peer_allocations
		WHERE tunnel_id = $1 AND status <> 'revoked' ORDER BY client_ip`, tunnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var result []*PeerAllocation
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *PgStore) InsertPeer(ctx context.Context, p *PeerAllocation) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	return conn.QueryRow(ctx, `
		INSERT INTO peer_allocations (id, tenant_id, tunnel_id, device_id, device_private_key, device_public_key,
			preshared_key, client_ip, status)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		RETURNING created_at`,
		p.ID, p.TenantID, p.TunnelID, p.DeviceID, p.PrivateKey, p.PublicKey,
		p.PresharedKey, p.ClientIP, string(p.Status),
	).Scan(&p.CreatedAt)
}

func (s *PgStore) MarkPeerActive(ctx context.Context, peerID uuid.UUID, handshakeAt *time.Time) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	tag, err := conn.Exec(ctx, `
		UPDATE peer_allocations
		SET status = 'active', last_handshake_at = COALESCE($2, last_handshake_at), updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`, peerID, handshakeAt)
	if err != nil {
		return fmt.Errorf("failed to activate peer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeerNotFound
	}
	return nil
}

func (s *PgStore) UpdatePeerStats(ctx context.Context, peerID uuid.UUID, stats PeerStats) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	var handshake *time.Time
	if !stats.LastHandshake.IsZero() {
		handshake = &stats.LastHandshake
	}
	_, err = conn.Exec(ctx, `
		UPDATE peer_allocations
		SET last_handshake_at = COALESCE($2, last_handshake_at), rx_bytes = $3, tx_bytes = $4, updated_at = NOW()
		WHERE id = $1`, peerID, handshake, stats.RxBytes, stats.TxBytes)
	return err
}

func (s *PgStore) UpdateTunnelStats(ctx context.Context, t *Tunnel) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `
		UPDATE tunnels
		SET connected_peers = $2, last_handshake_at = $3, bytes_received = $4, bytes_sent = $5, updated_at = NOW()
		WHERE id = $1`, t.ID, t.ConnectedPeers, t.LastHandshakeAt, t.BytesReceived, t.BytesSent)
	return err
}

func scanTunnel(row pgx.Row) (*Tunnel, error) {
	var t Tunnel
	err := row.Scan(&t.ID, &t.TenantID, &t.InterfaceName, &t.PrivateKey, &t.PublicKey, &t.ServerAddress,
		&t.Subnet, &t.ListenPort, &t.Endpoint, &t.ConnectedPeers, &t.LastHandshakeAt,
		&t.BytesReceived, &t.BytesSent, &t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanPeer(row pgx.Row) (*PeerAllocation, error) {
	var p PeerAllocation
	var status string
	err := row.Scan(&p.ID, &p.TenantID, &p.TunnelID, &p.DeviceID, &p.PrivateKey, &p.PublicKey,
		&p.PresharedKey, &p.ClientIP, &status, &p.LastHandshakeAt, &p.RxBytes, &p.TxBytes,
		&p.CreatedAt, &p.RevokedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PeerStatus(status)
	return &p, nil
}
