package connectivity

import (
	"errors"
	"fmt"
	"time"
)

var errStaleHandshake = errors.New("no recent wireguard handshake")

// HandshakeSource reports the latest handshake of a peer on a server
// interface. tunnel.Kernel implements it.
type HandshakeSource interface {
	LatestHandshake(iface string, publicKey string) (time.Time, error)
}

func (v *Verifier) checkHandshake(target Target) (*time.Time, error) {
	if v.handshakes == nil {
		return nil, nil
	}
	at, err := v.handshakes.LatestHandshake(target.Interface, target.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStaleHandshake, err)
	}
	if at.IsZero() {
		return nil, errStaleHandshake
	}
	if age := v.now().Sub(at); age > v.cfg.HandshakeMaxAge {
		return nil, fmt.Errorf("%w: last handshake %s ago", errStaleHandshake, age.Round(time.Second))
	}
	return &at, nil
}
