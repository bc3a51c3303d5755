package tunnel

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextNetwork_LowestFree(t *testing.T) {
	n, err := nextNetwork(uuid.New(), nil)
	require.NoError(t, err)
	assert.Equal(t, 100, n.SubnetOctet)
	assert.Equal(t, "wg0", n.InterfaceName)
	assert.Equal(t, 51820, n.ListenPort)
	assert.Equal(t, netip.MustParsePrefix("10.100.0.0/16"), n.Subnet())
	assert.Equal(t, netip.MustParseAddr("10.100.0.1"), n.ServerAddress())

	taken := []Network{
		{SubnetOctet: 100, InterfaceName: "wg0", ListenPort: 51820},
		{SubnetOctet: 102, InterfaceName: "wg2", ListenPort: 51822},
	}
	n, err = nextNetwork(uuid.New(), taken)
	require.NoError(t, err)
	assert.Equal(t, 101, n.SubnetOctet)
	assert.Equal(t, "wg1", n.InterfaceName)
	assert.Equal(t, 51821, n.ListenPort)
}

func TestNextNetwork_Capacity(t *testing.T) {
	var taken []Network
	for i := 0; i < maxInterfaces; i++ {
		taken = append(taken, Network{
			SubnetOctet:   firstSubnetOctet + i,
			InterfaceName: fmt.Sprintf("wg%d", i),
			ListenPort:    firstListenPort + i,
		})
	}

	_, err := nextNetwork(uuid.New(), taken)
	assert.ErrorIs(t, err, ErrNoNetworkCapacity)
}
