package transport

import (
	"context"
	"errors"
	"sync"

	"meshsync/internal/wire"
)

// MemTransport is an in-process Transport: packets written by the peer side
// appear on ReadPacket and vice versa. It backs tests and the --no-serial
// daemon mode.
type MemTransport struct {
	in  chan wire.Packet
	out chan wire.Packet

	mu     sync.Mutex
	closed bool
}

func NewMemTransport() *MemTransport {
	return &MemTransport{
		in:  make(chan wire.Packet, 256),
		out: make(chan wire.Packet, 256),
	}
}

func (t *MemTransport) Name() string { return "mem" }

func (t *MemTransport) Connect(_ context.Context) error { return nil }

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
	}
	return nil
}

func (t *MemTransport) ReadPacket(ctx context.Context) (wire.Packet, error) {
	select {
	case <-ctx.Done():
		return wire.Packet{}, ctx.Err()
	case p, ok := <-t.in:
		if !ok {
			return wire.Packet{}, errors.New("transport closed")
		}
		return p, nil
	}
}

func (t *MemTransport) WritePacket(ctx context.Context, p wire.Packet) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.out <- p:
		return nil
	}
}

// PeerWrite injects a packet as if the bridge had sent it.
func (t *MemTransport) PeerWrite(p wire.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.in <- p
}

// PeerRead drains one packet the device wrote, without blocking.
func (t *MemTransport) PeerRead() (wire.Packet, bool) {
	select {
	case p := <-t.out:
		return p, true
	default:
		return wire.Packet{}, false
	}
}
