package tunnel

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
)

// activeHandshakeWindow is how recent a handshake must be for a peer to count as connected.
const activeHandshakeWindow = 3 * time.Minute

type StatsSource interface {
	Snapshot(iface string) (*Snapshot, error)
}

type TenantLister interface {
	List(ctx context.Context) ([]*tenancy.Tenant, error)
}

// StatsRefresher copies kernel counters into tunnel and peer rows on a ticker.
type StatsRefresher struct {
	tenants  TenantLister
	scoper   Scoper
	store    Store
	source   StatsSource
	interval time.Duration
	now      func() time.Time
}

func NewStatsRefresher(tenants TenantLister, scoper Scoper, store Store, source StatsSource, interval time.Duration) *StatsRefresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StatsRefresher{
		tenants:  tenants,
		scoper:   scoper,
		store:    store,
		source:   source,
		interval: interval,
		now:      time.Now,
	}
}

func (r *StatsRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

func (r *StatsRefresher) RefreshAll(ctx context.Context) {
	tenants, err := r.tenants.List(ctx)
	if err != nil {
		slog.Error("Failed to list tenants for stats refresh", "error", err)
		return
	}
	for _, t := range tenants {
		if t.Available() != nil {
			continue
		}
		if err := r.Refresh(ctx, t); err != nil {
			slog.Warn("Failed to refresh tunnel stats", "tenant_id", t.ID, "error", err)
		}
	}
}

func (r *StatsRefresher) Refresh(ctx context.Context, tenant *tenancy.Tenant) error {
	return r.scoper.WithTenant(ctx, tenant.ID, func(ctx context.Context) error {
		tun, err := r.store.ActiveTunnel(ctx)
		if err != nil {
			return err
		}
		snap, err := r.source.Snapshot(tun.InterfaceName)
		if err != nil {
			return err
		}
		peers, err := r.store.LivePeers(ctx, tun.ID)
		if err != nil {
			return err
		}

		now := r.now()
		tun.ConnectedPeers = 0
		tun.BytesReceived = 0
		tun.BytesSent = 0
		for _, p := range peers {
			stats, ok := snap.Peers[p.PublicKey]
			if !ok {
				continue
			}
			if err := r.store.UpdatePeerStats(ctx, p.ID, stats); err != nil {
				return err
			}
			tun.BytesReceived += stats.RxBytes
			tun.BytesSent += stats.TxBytes
			if stats.LastHandshake.IsZero() {
				continue
			}
			if now.Sub(stats.LastHandshake) < activeHandshakeWindow {
				tun.ConnectedPeers++
			}
			if tun.LastHandshakeAt == nil || stats.LastHandshake.After(*tun.LastHandshakeAt) {
				h := stats.LastHandshake
				tun.LastHandshakeAt = &h
			}
		}
		return r.store.UpdateTunnelStats(ctx, tun)
	})
}
