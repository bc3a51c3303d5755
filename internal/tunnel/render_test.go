package tunnel

import (
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testArtifact() *Artifact {
	deviceID := uuid.MustParse("531ddd0e-6a2f-4a53-9c35-0f4e0c8b1a11")
	return &Artifact{
		DeviceID:        deviceID,
		InterfaceName:   deviceInterfaceName(deviceID),
		PrivateKey:      "cHJpdmF0ZS1rZXk=",
		ClientIP:        netip.MustParseAddr("10.100.1.1"),
		SubnetBits:      16,
		ServerPublicKey: "c2VydmVyLWtleQ==",
		Endpoint:        "vpn.example.net:51820",
		ListenPort:      51820,
		PresharedKey:    "cHNr",
		AllowedIPs:      []netip.Prefix{netip.MustParsePrefix("10.100.0.0/16")},
		DNS:             []netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")},
		Keepalive:       25,
	}
}

func TestArtifact_WGQuick(t *testing.T) {
	out := testArtifact().WGQuick()

	assert.Contains(t, out, "[Interface]\nPrivateKey = cHJpdmF0ZS1rZXk=\nAddress = 10.100.1.1/16\nDNS = 8.8.8.8, 8.8.4.4\n")
	assert.Contains(t, out, "[Peer]\nPublicKey = c2VydmVyLWtleQ==\nPresharedKey = cHNr\n")
	assert.Contains(t, out, "Endpoint = vpn.example.net:51820\n")
	assert.Contains(t, out, "AllowedIPs = 10.100.0.0/16\n")
	assert.Contains(t, out, "PersistentKeepalive = 25\n")
}

func TestArtifact_RouterOS(t *testing.T) {
	out := testArtifact().RouterOS()

	assert.Contains(t, out, `/interface wireguard add name=wg-531ddd0e listen-port=51820 private-key="cHJpdmF0ZS1rZXk="`)
	assert.Contains(t, out, "/ip address add address=10.100.1.1/32 interface=wg-531ddd0e")
	assert.Contains(t, out, `preshared-key="cHNr"`)
	assert.Contains(t, out, "endpoint-address=vpn.example.net endpoint-port=51820")
	assert.Contains(t, out, "allowed-address=10.100.0.0/16 persistent-keepalive=00:00:25")
}

func TestArtifact_WithoutPresharedKey(t *testing.T) {
	a := testArtifact()
	a.PresharedKey = ""

	assert.NotContains(t, a.WGQuick(), "PresharedKey")
	assert.NotContains(t, a.RouterOS(), "preshared-key")
}

func TestServerConfig_SkipsRevokedPeers(t *testing.T) {
	tun := &Tunnel{
		ServerAddress: netip.MustParseAddr("10.100.0.1"),
		Subnet:        netip.MustParsePrefix("10.100.0.0/16"),
		ListenPort:    51820,
		PrivateKey:    "c2VydmVyLXByaXY=",
	}
	peers := []*PeerAllocation{
		{DeviceID: uuid.New(), PublicKey: "live", ClientIP: netip.MustParseAddr("10.100.1.1"), Status: PeerActive},
		{DeviceID: uuid.New(), PublicKey: "gone", ClientIP: netip.MustParseAddr("10.100.1.2"), Status: PeerRevoked},
	}

	out := ServerConfig(tun, peers)
	assert.Contains(t, out, "Address = 10.100.0.1/16\nListenPort = 51820\n")
	assert.Contains(t, out, "PublicKey = live\n")
	assert.Contains(t, out, "AllowedIPs = 10.100.1.1/32\n")
	assert.NotContains(t, out, "gone")
}

func TestKeepaliveDuration(t *testing.T) {
	assert.Equal(t, "00:00:25", keepaliveDuration(25))
	assert.Equal(t, "00:01:30", keepaliveDuration(90))
}
