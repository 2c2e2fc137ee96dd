package radio

import (
	"errors"
	"sync"
)

// LoopbackHub wires several in-process radios together. Broadcasts reach
// every other endpoint; unicasts require the sender to have registered the
// peer first, mirroring the real radio's peer-slot contract.
type LoopbackHub struct {
	mu        sync.Mutex
	endpoints map[Address]*LoopbackRadio
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{endpoints: make(map[Address]*LoopbackRadio)}
}

// Endpoint creates and attaches a radio with the given address.
func (h *LoopbackHub) Endpoint(addr Address) *LoopbackRadio {
	r := &LoopbackRadio{
		hub:   h,
		addr:  addr,
		peers: make(map[Address]bool),
		rx:    make(chan Inbound, 64),
	}
	h.mu.Lock()
	h.endpoints[addr] = r
	h.mu.Unlock()
	return r
}

func (h *LoopbackHub) deliver(from, to Address, payload []byte) bool {
	h.mu.Lock()
	dst, ok := h.endpoints[to]
	h.mu.Unlock()
	if !ok {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.closed {
		return false
	}
	select {
	case dst.rx <- Inbound{From: from, Payload: buf}:
		return true
	default:
		// Receiver backlogged; radio delivery is not guaranteed.
		return false
	}
}

func (h *LoopbackHub) broadcast(from Address, payload []byte) {
	h.mu.Lock()
	targets := make([]Address, 0, len(h.endpoints))
	for addr := range h.endpoints {
		if addr != from {
			targets = append(targets, addr)
		}
	}
	h.mu.Unlock()
	for _, addr := range targets {
		h.deliver(from, addr, payload)
	}
}

// LoopbackRadio is a hub endpoint implementing Radio.
type LoopbackRadio struct {
	hub  *LoopbackHub
	addr Address

	mu     sync.Mutex
	peers  map[Address]bool
	closed bool
	rx     chan Inbound
}

func (r *LoopbackRadio) LocalAddress() Address { return r.addr }

func (r *LoopbackRadio) Send(to Address, payload []byte) error {
	if to.IsBroadcast() {
		return r.Broadcast(payload)
	}
	r.mu.Lock()
	registered := r.peers[to]
	r.mu.Unlock()
	if !registered {
		return errors.New("peer not registered")
	}
	r.hub.deliver(r.addr, to, payload)
	return nil
}

func (r *LoopbackRadio) Broadcast(payload []byte) error {
	r.hub.broadcast(r.addr, payload)
	return nil
}

func (r *LoopbackRadio) RegisterPeer(addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[addr] = true
	return nil
}

func (r *LoopbackRadio) DeregisterPeer(addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, addr)
	return nil
}

func (r *LoopbackRadio) Receive() <-chan Inbound { return r.rx }

func (r *LoopbackRadio) Close() error {
	r.hub.mu.Lock()
	delete(r.hub.endpoints, r.addr)
	r.hub.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.rx)
	return nil
}
