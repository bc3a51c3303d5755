package tunnel

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	firstSubnetOctet = 100
	lastSubnetOctet  = 254
	maxInterfaces    = 100
	firstListenPort  = 51820
	lastListenPort   = 51920
)

// nextNetwork picks the lowest free subnet octet, interface and port.
func nextNetwork(tenantID uuid.UUID, taken []Network) (*Network, error) {
	octets := make(map[int]bool, len(taken))
	ifaces := make(map[string]bool, len(taken))
	ports := make(map[int]bool, len(taken))
	for _, n := range taken {
		octets[n.SubnetOctet] = true
		ifaces[n.InterfaceName] = true
		ports[n.ListenPort] = true
	}

	n := &Network{TenantID: tenantID}
	for o := firstSubnetOctet; o <= lastSubnetOctet; o++ {
		if !octets[o] {
			n.SubnetOctet = o
			break
		}
	}
	for i := 0; i < maxInterfaces; i++ {
		name := fmt.Sprintf("wg%d", i)
		if !ifaces[name] {
			n.InterfaceName = name
			break
		}
	}
	for p := firstListenPort; p <= lastListenPort; p++ {
		if !ports[p] {
			n.ListenPort = p
			break
		}
	}

	if n.SubnetOctet == 0 || n.InterfaceName == "" || n.ListenPort == 0 {
		return nil, ErrNoNetworkCapacity
	}
	return n, nil
}
