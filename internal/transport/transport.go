// Package transport moves fixed-size event packets between this device and
// the bridge over a byte-oriented serial link.
package transport

import (
	"context"

	"meshsync/internal/wire"
)

// Transport is the byte-transport boundary. Reads block until a whole
// packet arrives or the context ends; writes are serialized internally.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadPacket(ctx context.Context) (wire.Packet, error)
	WritePacket(ctx context.Context, p wire.Packet) error
}
