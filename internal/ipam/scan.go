package ipam

import (
	"encoding/binary"
	"net/netip"
)

// nextFree walks /24 blocks from the start of the usable range, host octets
// 1..254 in each, and returns the first address not in used. Addresses
// outside [RangeStart, RangeEnd] and the gateway are skipped.
func nextFree(p *Pool, used map[netip.Addr]struct{}) (netip.Addr, bool) {
	var found netip.Addr
	walk(p, func(a netip.Addr) bool {
		if _, taken := used[a]; taken {
			return true
		}
		found = a
		return false
	})
	return found, found.IsValid()
}

func countUsable(p *Pool) int {
	n := 0
	walk(p, func(netip.Addr) bool {
		n++
		return true
	})
	return n
}

func walk(p *Pool, visit func(netip.Addr) bool) {
	if !p.RangeStart.Is4() || !p.RangeEnd.Is4() {
		return
	}
	start := uint64(toUint32(p.RangeStart))
	end := uint64(toUint32(p.RangeEnd))

	for block := start &^ 0xff; block <= end; block += 256 {
		for host := uint64(1); host <= 254; host++ {
			v := block | host
			if v < start || v > end {
				continue
			}
			a := fromUint32(uint32(v))
			if a == p.Gateway || !p.CIDR.Contains(a) {
				continue
			}
			if !visit(a) {
				return
			}
		}
	}
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
