package peers

import (
	"log/slog"
	"sync"
	"time"

	"meshsync/internal/radio"
)

type coordinatorSlot struct {
	everRegistered bool
	inUse          bool
	addr           radio.Address
	lastSeen       time.Time
}

// CoordinatorTable holds the upstream coordinators a subscriber has heard
// beacons from. No intermediate missing state: the subscriber re-announces
// itself proactively, so a silent coordinator is simply evicted on timeout
// and re-registered on its next beacon.
type CoordinatorTable struct {
	logger  *slog.Logger
	peers   RadioPeers
	now     func() time.Time
	timeout time.Duration

	mu    sync.Mutex
	slots [Capacity]coordinatorSlot
}

func NewCoordinatorTable(logger *slog.Logger, rp RadioPeers, timeout time.Duration) *CoordinatorTable {
	return &CoordinatorTable{
		logger:  logger,
		peers:   rp,
		now:     time.Now,
		timeout: timeout,
	}
}

// SetNowFunc overrides the clock for tests.
func (t *CoordinatorTable) SetNowFunc(now func() time.Time) { t.now = now }

// Observe records a beacon from addr and returns true when the coordinator
// is new.
func (t *CoordinatorTable) Observe(addr radio.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	free := -1
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			if free == -1 {
				free = i
			}
			continue
		}
		if s.addr == addr {
			s.lastSeen = now
			return false
		}
	}

	if free == -1 {
		t.logger.Warn("coordinator table full, beacon dropped", "addr", addr.String())
		return false
	}

	s := &t.slots[free]
	s.inUse = true
	s.addr = addr
	s.lastSeen = now
	if err := t.peers.RegisterPeer(addr); err != nil {
		t.logger.Warn("radio peer registration failed", "addr", addr.String(), "error", err)
	} else {
		s.everRegistered = true
	}
	t.logger.Info("coordinator registered", "addr", addr.String(), "total", t.countLocked())
	return true
}

// Cleanup evicts coordinators not heard within the timeout.
func (t *CoordinatorTable) Cleanup() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	changed := false
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse || now.Sub(s.lastSeen) <= t.timeout {
			continue
		}
		// Only slots whose radio registration succeeded are deregistered.
		if s.everRegistered {
			if err := t.peers.DeregisterPeer(s.addr); err != nil {
				t.logger.Warn("radio peer deregistration failed", "addr", s.addr.String(), "error", err)
			}
		}
		t.logger.Warn("coordinator timed out", "addr", s.addr.String(), "remaining", t.countLocked()-1)
		s.everRegistered = false
		s.inUse = false
		s.addr = radio.Address{}
		changed = true
	}
	return changed
}

// Addresses returns the in-use coordinator addresses.
func (t *CoordinatorTable) Addresses() []radio.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]radio.Address, 0, Capacity)
	for i := range t.slots {
		if t.slots[i].inUse {
			out = append(out, t.slots[i].addr)
		}
	}
	return out
}

// Count returns the number of in-use entries.
func (t *CoordinatorTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

func (t *CoordinatorTable) countLocked() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].inUse {
			n++
		}
	}
	return n
}
