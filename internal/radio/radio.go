// Package radio defines the short-range radio boundary: the transport
// primitives this system consumes, and the native packet types that travel
// on it outside the command-message framing.
package radio

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies a radio peer.
type Address [6]byte

// Broadcast is the all-stations address.
var Broadcast = Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a Address) String() string {
	var b strings.Builder
	for i, c := range a {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", c)
	}
	return b.String()
}

// IsBroadcast reports whether the address targets all stations.
func (a Address) IsBroadcast() bool { return a == Broadcast }

// ParseAddress reads the "AA:BB:CC:DD:EE:FF" form back into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return Address{}, fmt.Errorf("radio address %q: want 6 hex pairs", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("radio address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// Inbound is one received radio payload with its sender.
type Inbound struct {
	From    Address
	Payload []byte
}

// Radio is the transport primitive. Sends are fire-and-forget: a returned
// error means the local send call failed, not that delivery failed.
type Radio interface {
	LocalAddress() Address
	Send(to Address, payload []byte) error
	Broadcast(payload []byte) error
	// RegisterPeer must be called before unicasting to an address;
	// DeregisterPeer frees the slot when a peer is evicted.
	RegisterPeer(addr Address) error
	DeregisterPeer(addr Address) error
	// Receive delivers inbound payloads. The channel is closed when the
	// radio shuts down.
	Receive() <-chan Inbound
	Close() error
}
