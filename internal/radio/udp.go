package radio

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// UDPRadio carries radio traffic over UDP broadcast on a LAN segment, which
// is the closest host-side analogue of a short-range broadcast radio. Every
// datagram is prefixed with the sender's 6-byte address; unicast goes to the
// UDP endpoint learned from that peer's last datagram, so delivery remains
// best-effort exactly like the real thing.
type UDPRadio struct {
	logger *slog.Logger
	addr   Address
	port   int
	conn   *net.UDPConn

	mu        sync.Mutex
	peers     map[Address]bool
	endpoints map[Address]*net.UDPAddr
	closed    bool
	rx        chan Inbound
	closeOnce sync.Once
}

// NewUDPRadio binds the broadcast port. If localAddr is the zero value a
// random address is generated.
func NewUDPRadio(logger *slog.Logger, port int, localAddr Address) (*UDPRadio, error) {
	if localAddr == (Address{}) {
		if _, err := rand.Read(localAddr[:]); err != nil {
			return nil, fmt.Errorf("generate radio address: %w", err)
		}
		localAddr[0] &^= 0x01 // keep the multicast bit clear
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind radio port %d: %w", port, err)
	}

	r := &UDPRadio{
		logger:    logger,
		addr:      localAddr,
		port:      port,
		conn:      conn,
		peers:     make(map[Address]bool),
		endpoints: make(map[Address]*net.UDPAddr),
		rx:        make(chan Inbound, 64),
	}
	go r.readLoop()
	return r, nil
}

func (r *UDPRadio) LocalAddress() Address { return r.addr }

func (r *UDPRadio) Send(to Address, payload []byte) error {
	if to.IsBroadcast() {
		return r.Broadcast(payload)
	}
	r.mu.Lock()
	registered := r.peers[to]
	endpoint := r.endpoints[to]
	r.mu.Unlock()
	if !registered {
		return fmt.Errorf("peer %s not registered", to)
	}
	if endpoint == nil {
		return fmt.Errorf("peer %s has no known endpoint yet", to)
	}
	_, err := r.conn.WriteToUDP(r.envelope(payload), endpoint)
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (r *UDPRadio) Broadcast(payload []byte) error {
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: r.port}
	if _, err := r.conn.WriteToUDP(r.envelope(payload), dst); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// RegisterPeer allows unicasting to the address. The UDP endpoint itself is
// learned from the peer's own traffic.
func (r *UDPRadio) RegisterPeer(addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[addr] = true
	return nil
}

func (r *UDPRadio) DeregisterPeer(addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, addr)
	delete(r.endpoints, addr)
	return nil
}

func (r *UDPRadio) Receive() <-chan Inbound { return r.rx }

func (r *UDPRadio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		err = r.conn.Close()
	})
	return err
}

func (r *UDPRadio) envelope(payload []byte) []byte {
	out := make([]byte, 0, AddrLen+len(payload))
	out = append(out, r.addr[:]...)
	return append(out, payload...)
}

const AddrLen = 6

func (r *UDPRadio) readLoop() {
	defer close(r.rx)
	buf := make([]byte, 1500)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed && !errors.Is(err, net.ErrClosed) {
				r.logger.Warn("radio read failed", "error", err)
			}
			return
		}
		if n < AddrLen {
			continue
		}

		var src Address
		copy(src[:], buf[:AddrLen])
		if src == r.addr {
			continue // our own broadcast echoed back
		}

		// Learn or refresh the sender's endpoint for future unicasts.
		r.mu.Lock()
		r.endpoints[src] = from
		r.mu.Unlock()

		payload := make([]byte, n-AddrLen)
		copy(payload, buf[AddrLen:n])
		select {
		case r.rx <- Inbound{From: src, Payload: payload}:
		default:
			r.logger.Warn("radio rx backlog, dropping packet", "from", src.String())
		}
	}
}
