package ipam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/EternisAI/silo-overlay/internal/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Store persists pools. All calls run inside the caller's tenant scope.
type Store interface {
	// LockPool loads the pool and holds a row lock on it until the scope ends.
	LockPool(ctx context.Context, poolID uuid.UUID) (*Pool, error)
	// ActiveAddresses returns client addresses of non-revoked peers of the pool's tunnel.
	ActiveAddresses(ctx context.Context, pool *Pool) (map[netip.Addr]struct{}, error)
	SaveCounters(ctx context.Context, pool *Pool) error
	// RevokeHolder revokes the live holder of addr and reports whether one existed.
	RevokeHolder(ctx context.Context, pool *Pool, addr netip.Addr) (bool, error)
}

// ClaimFunc persists the holder of a freshly chosen address while the pool is locked.
type ClaimFunc func(ctx context.Context, addr netip.Addr) error

type Allocator struct {
	store Store

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewAllocator(store Store) *Allocator {
	return &Allocator{
		store: store,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (a *Allocator) lock(poolID uuid.UUID) func() {
	a.mu.Lock()
	l, ok := a.locks[poolID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[poolID] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Allocate hands out the lowest free address of the pool.
func (a *Allocator) Allocate(ctx context.Context, poolID uuid.UUID, claim ClaimFunc) (netip.Addr, error) {
	unlock := a.lock(poolID)
	defer unlock()

	pool, err := a.store.LockPool(ctx, poolID)
	if err != nil {
		metrics.RecordAllocation("error")
		return netip.Addr{}, fmt.Errorf("failed to lock pool: %w", err)
	}
	if err := pool.checkCounters(); err != nil {
		a.reportViolation(pool, err)
		return netip.Addr{}, err
	}

	if pool.Available <= 0 {
		metrics.RecordAllocation("exhausted")
		slog.Warn("Address pool exhausted",
			"pool_id", pool.ID,
			"tenant_id", pool.TenantID,
			"total", pool.Total)
		return netip.Addr{}, fmt.Errorf("%w: pool %s (%s)", ErrPoolExhausted, pool.ID, pool.CIDR)
	}

	used, err := a.store.ActiveAddresses(ctx, pool)
	if err != nil {
		metrics.RecordAllocation("error")
		return netip.Addr{}, fmt.Errorf("failed to load active addresses: %w", err)
	}

	addr, ok := nextFree(pool, used)
	if !ok {
		err := fmt.Errorf("%w: pool %s reports %d available but no free address was found",
			ErrInvariantViolation, pool.ID, pool.Available)
		a.reportViolation(pool, err)
		return netip.Addr{}, err
	}

	if claim != nil {
		if err := claim(ctx, addr); err != nil {
			if isUniqueViolation(err) {
				err = fmt.Errorf("%w: address %s already held in pool %s: %v", ErrInvariantViolation, addr, pool.ID, err)
				a.reportViolation(pool, err)
				return netip.Addr{}, err
			}
			metrics.RecordAllocation("error")
			return netip.Addr{}, fmt.Errorf("failed to claim address %s: %w", addr, err)
		}
	}

	pool.take()
	if err := a.store.SaveCounters(ctx, pool); err != nil {
		metrics.RecordAllocation("error")
		return netip.Addr{}, fmt.Errorf("failed to save pool counters: %w", err)
	}

	metrics.RecordAllocation("ok")
	metrics.RecordPoolUsage(pool.TenantID.String(), pool.UsagePercentage())
	slog.Debug("Address allocated",
		"pool_id", pool.ID,
		"tenant_id", pool.TenantID,
		"address", addr,
		"available", pool.Available)

	return addr, nil
}

// Release returns addr to the pool. An address with no live holder is a no-op.
func (a *Allocator) Release(ctx context.Context, poolID uuid.UUID, addr netip.Addr) error {
	unlock := a.lock(poolID)
	defer unlock()

	pool, err := a.store.LockPool(ctx, poolID)
	if err != nil {
		metrics.RecordRelease("error")
		return fmt.Errorf("failed to lock pool: %w", err)
	}

	revoked, err := a.store.RevokeHolder(ctx, pool, addr)
	if err != nil {
		metrics.RecordRelease("error")
		return fmt.Errorf("failed to revoke holder of %s: %w", addr, err)
	}
	if !revoked {
		metrics.RecordRelease("unknown")
		slog.Warn("Attempted to release address with no active holder",
			"pool_id", pool.ID,
			"address", addr)
		return nil
	}

	if pool.Allocated <= 0 {
		err := fmt.Errorf("%w: released %s from pool %s with no allocated addresses", ErrInvariantViolation, addr, pool.ID)
		a.reportViolation(pool, err)
		return err
	}

	pool.give()
	if err := a.store.SaveCounters(ctx, pool); err != nil {
		metrics.RecordRelease("error")
		return fmt.Errorf("failed to save pool counters: %w", err)
	}

	metrics.RecordRelease("ok")
	metrics.RecordPoolUsage(pool.TenantID.String(), pool.UsagePercentage())
	slog.Debug("Address released", "pool_id", pool.ID, "address", addr, "available", pool.Available)
	return nil
}

func (a *Allocator) reportViolation(pool *Pool, err error) {
	metrics.RecordAllocation("invariant_violation")
	slog.Error("Address pool invariant violated",
		"pool_id", pool.ID,
		"tenant_id", pool.TenantID,
		"tunnel_id", pool.TunnelID,
		"cidr", pool.CIDR,
		"total", pool.Total,
		"allocated", pool.Allocated,
		"available", pool.Available,
		"status", pool.Status,
		"error", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
