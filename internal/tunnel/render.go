package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Artifact is the configuration handed to one device. It is rendered from the
// persisted peer allocation and never regenerated behind the device's back.
type Artifact struct {
	TenantID        uuid.UUID      `json:"tenant_id"`
	DeviceID        uuid.UUID      `json:"device_id"`
	PeerID          uuid.UUID      `json:"peer_id"`
	InterfaceName   string         `json:"interface_name"`
	PrivateKey      string         `json:"private_key"`
	ClientIP        netip.Addr     `json:"client_ip"`
	SubnetBits      int            `json:"subnet_bits"`
	ServerPublicKey string         `json:"server_public_key"`
	Endpoint        string         `json:"endpoint"`
	ListenPort      int            `json:"listen_port"`
	PresharedKey    string         `json:"preshared_key,omitempty"`
	AllowedIPs      []netip.Prefix `json:"allowed_ips"`
	DNS             []netip.Addr   `json:"dns"`
	Keepalive       int            `json:"keepalive"`
}

// deviceInterfaceName is wg- plus the first eight characters of the device id.
func deviceInterfaceName(deviceID uuid.UUID) string {
	return "wg-" + deviceID.String()[:8]
}

func (a *Artifact) WGQuick() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# WireGuard configuration for device %s\n", a.DeviceID)
	fmt.Fprintf(&b, "# Client IP: %s\n\n", a.ClientIP)
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", a.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/%d\n", a.ClientIP, a.SubnetBits)
	if len(a.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", joinAddrs(a.DNS))
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", a.ServerPublicKey)
	if a.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", a.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s\n", a.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", joinPrefixes(a.AllowedIPs))
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", a.Keepalive)
	return b.String()
}

// RouterOS renders the artifact as a MikroTik script.
func (a *Artifact) RouterOS() string {
	host, port := splitEndpoint(a.Endpoint)
	var b strings.Builder
	fmt.Fprintf(&b, "/interface wireguard add name=%s listen-port=%d private-key=\"%s\"\n",
		a.InterfaceName, a.ListenPort, a.PrivateKey)
	fmt.Fprintf(&b, "/ip address add address=%s/32 interface=%s\n", a.ClientIP, a.InterfaceName)
	fmt.Fprintf(&b, "/interface wireguard peers add interface=%s public-key=\"%s\"", a.InterfaceName, a.ServerPublicKey)
	if a.PresharedKey != "" {
		fmt.Fprintf(&b, " preshared-key=\"%s\"", a.PresharedKey)
	}
	fmt.Fprintf(&b, " endpoint-address=%s endpoint-port=%s allowed-address=%s persistent-keepalive=%s\n",
		host, port, joinPrefixes(a.AllowedIPs), keepaliveDuration(a.Keepalive))
	fmt.Fprintf(&b, "/ip firewall filter add chain=input action=accept protocol=udp dst-port=%d comment=\"Allow WireGuard VPN\"\n",
		a.ListenPort)
	return b.String()
}

// ServerConfig renders the wg-quick file of the tenant tunnel with its live peers.
func ServerConfig(t *Tunnel, peers []*PeerAllocation) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", t.ServerAddress, t.Subnet.Bits())
	fmt.Fprintf(&b, "ListenPort = %d\n", t.ListenPort)
	fmt.Fprintf(&b, "PrivateKey = %s\n", t.PrivateKey)
	for _, p := range peers {
		if p.Status == PeerRevoked {
			continue
		}
		fmt.Fprintf(&b, "\n# device %s\n[Peer]\n", p.DeviceID)
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.ClientIP)
	}
	return b.String()
}

func splitEndpoint(endpoint string) (string, string) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, strconv.Itoa(firstListenPort)
	}
	return host, port
}

func keepaliveDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

func joinAddrs(addrs []netip.Addr) string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return strings.Join(s, ", ")
}

func joinPrefixes(prefixes []netip.Prefix) string {
	s := make([]string, len(prefixes))
	for i, p := range prefixes {
		s[i] = p.String()
	}
	return strings.Join(s, ",")
}
