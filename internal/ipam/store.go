package ipam

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/EternisAI/silo-overlay/internal/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const poolColumns = `id, tenant_id, tunnel_id, cidr, gateway, range_start, range_end,
	total_ips, allocated_ips, available_ips, status`

// PgStore keeps pools in the tenant schema; the used set is rebuilt from
// peer_allocations on every scan.
type PgStore struct{}

func NewPgStore() *PgStore {
	return &PgStore{}
}

func (s *PgStore) Create(ctx context.Context, p *Pool) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `
		INSERT INTO subnet_pools (`+poolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TenantID, p.TunnelID, p.CIDR, p.Gateway, p.RangeStart, p.RangeEnd,
		p.Total, p.Allocated, p.Available, string(p.Status))
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	return nil
}

func (s *PgStore) GetByTunnel(ctx context.Context, tunnelID uuid.UUID) (*Pool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return scanPool(conn.QueryRow(ctx, `SELECT `+poolColumns+` FROM subnet_pools WHERE tunnel_id = $1`, tunnelID))
}

func (s *PgStore) LockPool(ctx context.Context, poolID uuid.UUID) (*Pool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return scanPool(conn.QueryRow(ctx, `SELECT `+poolColumns+` FROM subnet_pools WHERE id = $1 FOR UPDATE`, poolID))
}

func (s *PgStore) ActiveAddresses(ctx context.Context, pool *Pool) (map[netip.Addr]struct{}, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, `
		SELECT client_ip FROM peer_allocations
		WHERE tunnel_id = $1 AND status <> 'revoked'`, pool.TunnelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[netip.Addr]struct{})
	for rows.Next() {
		var addr netip.Addr
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		used[addr] = struct{}{}
	}
	return used, rows.Err()
}

func (s *PgStore) SaveCounters(ctx context.Context, pool *Pool) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(ctx, `
		UPDATE subnet_pools
		SET allocated_ips = $2, available_ips = $3, status = $4, updated_at = NOW()
		WHERE id = $1`,
		pool.ID, pool.Allocated, pool.Available, string(pool.Status))
	return err
}

func (s *PgStore) RevokeHolder(ctx context.Context, pool *Pool, addr netip.Addr) (bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, err
	}
	tag, err := conn.Exec(ctx, `
		UPDATE peer_allocations
		SET status = 'revoked', revoked_at = NOW(), updated_at = NOW()
		WHERE tunnel_id = $1 AND client_ip = $2 AND status <> 'revoked'`,
		pool.TunnelID, addr)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanPool(row pgx.Row) (*Pool, error) {
	var p Pool
	var status string
	err := row.Scan(&p.ID, &p.TenantID, &p.TunnelID, &p.CIDR, &p.Gateway, &p.RangeStart, &p.RangeEnd,
		&p.Total, &p.Allocated, &p.Available, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("failed to load pool: %w", err)
	}
	p.Status = Status(status)
	return &p, nil
}
