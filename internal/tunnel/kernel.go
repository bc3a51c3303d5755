package tunnel

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Kernel talks to the server-side WireGuard interfaces through wgctrl.
type Kernel struct {
	client *wgctrl.Client
}

func OpenKernel() (*Kernel, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open wgctrl client: %w", err)
	}
	return &Kernel{client: client}, nil
}

func (k *Kernel) Close() error {
	return k.client.Close()
}

func (k *Kernel) ApplyPeer(iface string, peer *PeerAllocation) error {
	cfg, err := peerConfig(peer)
	if err != nil {
		return err
	}
	if err := k.client.ConfigureDevice(iface, wgtypes.Config{Peers: []wgtypes.PeerConfig{cfg}}); err != nil {
		return fmt.Errorf("failed to configure WireGuard device: %w", err)
	}
	return nil
}

func (k *Kernel) RemovePeer(iface string, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid peer public key: %w", err)
	}
	cfg := wgtypes.Config{Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}}}
	if err := k.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("failed to configure WireGuard device: %w", err)
	}
	return nil
}

func (k *Kernel) Snapshot(iface string) (*Snapshot, error) {
	device, err := k.client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	snap := &Snapshot{
		Interface: device.Name,
		Peers:     make(map[string]PeerStats, len(device.Peers)),
	}
	for _, p := range device.Peers {
		snap.Peers[p.PublicKey.String()] = PeerStats{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
	}
	return snap, nil
}

// LatestHandshake returns the peer's last handshake on iface, zero if never.
func (k *Kernel) LatestHandshake(iface string, publicKey string) (time.Time, error) {
	snap, err := k.Snapshot(iface)
	if err != nil {
		return time.Time{}, err
	}
	return snap.Peers[publicKey].LastHandshake, nil
}

func peerConfig(peer *PeerAllocation) (wgtypes.PeerConfig, error) {
	pub, err := wgtypes.ParseKey(peer.PublicKey)
	if err != nil {
		return wgtypes.PeerConfig{}, fmt.Errorf("invalid peer public key: %w", err)
	}

	cfg := wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
		AllowedIPs: []net.IPNet{{
			IP:   net.IP(peer.ClientIP.AsSlice()),
			Mask: net.CIDRMask(32, 32),
		}},
	}
	if peer.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(peer.PresharedKey)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("invalid preshared key: %w", err)
		}
		cfg.PresharedKey = &psk
	}
	return cfg, nil
}
