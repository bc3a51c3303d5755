package ipam

import (
	"errors"
	"fmt"
	"math"
	"net/netip"

	"github.com/EternisAI/silo-overlay/internal/tenancy"
	"github.com/google/uuid"
)

var (
	ErrPoolExhausted      = errors.New("address pool exhausted")
	ErrInvariantViolation = errors.New("address pool invariant violated")
	ErrPoolNotFound       = errors.New("address pool not found")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
)

// Pool is the address inventory of one tunnel subnet.
// Allocated + Available == Total at all times.
type Pool struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	TunnelID   uuid.UUID
	CIDR       netip.Prefix
	Gateway    netip.Addr
	RangeStart netip.Addr
	RangeEnd   netip.Addr
	Total      int
	Allocated  int
	Available  int
	Status     Status
}

// NewTunnelPool lays out a tunnel subnet: the gateway is the first host of
// block 0 and clients are drawn from block 1 to the last block.
func NewTunnelPool(tenantID, tunnelID uuid.UUID, subnet netip.Prefix) (*Pool, error) {
	subnet = subnet.Masked()
	if !subnet.Addr().Is4() || subnet.Bits() < 8 || subnet.Bits() > 16 {
		return nil, fmt.Errorf("unsupported tunnel subnet %s", subnet)
	}

	base := toUint32(subnet.Addr())
	last := base | (math.MaxUint32 >> subnet.Bits())

	p := &Pool{
		ID:         uuid.New(),
		TenantID:   tenantID,
		TunnelID:   tunnelID,
		CIDR:       subnet,
		Gateway:    fromUint32(base + 1),
		RangeStart: fromUint32(base + 256 + 1),
		RangeEnd:   fromUint32(last - 1),
		Status:     StatusActive,
	}
	p.Total = countUsable(p)
	p.Available = p.Total
	return p, nil
}

func (p *Pool) Owner() tenancy.Owner {
	return tenancy.Owner{Kind: tenancy.OwnerTunnel, ID: p.TunnelID, TenantID: p.TenantID}
}

// UsagePercentage is allocated/total*100 rounded to two places.
func (p *Pool) UsagePercentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return math.Round(float64(p.Allocated)/float64(p.Total)*100*100) / 100
}

func (p *Pool) NeedsExpansion(thresholdPercent float64) bool {
	return p.UsagePercentage() >= 100-thresholdPercent
}

func (p *Pool) checkCounters() error {
	if p.Allocated < 0 || p.Available < 0 || p.Allocated+p.Available != p.Total {
		return fmt.Errorf("%w: pool %s allocated=%d available=%d total=%d",
			ErrInvariantViolation, p.ID, p.Allocated, p.Available, p.Total)
	}
	return nil
}

func (p *Pool) take() {
	p.Allocated++
	p.Available--
	if p.Available == 0 {
		p.Status = StatusExhausted
	}
}

func (p *Pool) give() {
	p.Allocated--
	p.Available++
	p.Status = StatusActive
}
