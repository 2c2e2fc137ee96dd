// Package peers tracks the devices heard over the radio: the subscribers a
// coordinator fans sync traffic out to, and the coordinators a subscriber
// announces itself to. Both tables are fixed capacity with linear scan,
// keeping memory bounded the way the target hardware requires.
package peers

import (
	"log/slog"
	"sync"
	"time"

	"meshsync/internal/radio"
)

// Capacity is the maximum number of tracked peers per role.
const Capacity = 10

// RadioPeers is the slice of the radio needed for table side effects.
type RadioPeers interface {
	RegisterPeer(addr radio.Address) error
	DeregisterPeer(addr radio.Address) error
}

// Subscriber is one downstream peer as seen by a coordinator.
type Subscriber struct {
	Addr         radio.Address
	Group        string
	Version      string
	LastSeen     time.Time
	Responding   bool
	ContentIndex uint8
}

type subscriberSlot struct {
	everRegistered bool
	inUse          bool
	entry          Subscriber
}

// SubscriberTable holds downstream subscribers. An entry that stops
// announcing is first marked not-responding after the liveness timeout and
// only evicted after the longer eviction window, so a graceful stop signal
// can still reach a peer that silently dropped out.
type SubscriberTable struct {
	logger   *slog.Logger
	peers    RadioPeers
	now      func() time.Time
	liveness time.Duration
	eviction time.Duration

	mu    sync.Mutex
	slots [Capacity]subscriberSlot
}

func NewSubscriberTable(logger *slog.Logger, rp RadioPeers, liveness, eviction time.Duration) *SubscriberTable {
	return &SubscriberTable{
		logger:   logger,
		peers:    rp,
		now:      time.Now,
		liveness: liveness,
		eviction: eviction,
	}
}

// SetNowFunc overrides the clock; tests drive the lifecycle with it.
func (t *SubscriberTable) SetNowFunc(now func() time.Time) { t.now = now }

// ObserveResult describes what an announcement changed.
type ObserveResult struct {
	New          bool
	Reconnected  bool
	GroupChanged bool
	// TableFull is set when the announcement had to be dropped because no
	// slot was free.
	TableFull bool
}

// Observe records an announcement from addr. New peers are registered with
// the radio; a not-responding peer flips back to responding.
func (t *SubscriberTable) Observe(addr radio.Address, ann radio.Announcement) ObserveResult {
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
		if s.entry.Addr != addr {
			continue
		}

		var res ObserveResult
		s.entry.LastSeen = now
		if !s.entry.Responding {
			s.entry.Responding = true
			res.Reconnected = true
			t.logger.Info("subscriber reconnected", "addr", addr.String(), "group", ann.Group)
		}
		if s.entry.Group != ann.Group {
			t.logger.Info("subscriber group changed", "addr", addr.String(), "from", s.entry.Group, "to", ann.Group)
			s.entry.Group = ann.Group
			res.GroupChanged = true
		}
		s.entry.Version = ann.Version
		s.entry.ContentIndex = ann.ContentIndex
		return res
	}

	if free == -1 {
		t.logger.Warn("subscriber table full, announcement dropped", "addr", addr.String())
		return ObserveResult{TableFull: true}
	}

	s := &t.slots[free]
	s.inUse = true
	s.entry = Subscriber{
		Addr:         addr,
		Group:        ann.Group,
		Version:      ann.Version,
		LastSeen:     now,
		Responding:   true,
		ContentIndex: ann.ContentIndex,
	}
	if err := t.peers.RegisterPeer(addr); err != nil {
		t.logger.Warn("radio peer registration failed", "addr", addr.String(), "error", err)
	} else {
		s.everRegistered = true
	}
	t.logger.Info("subscriber registered",
		"addr", addr.String(), "group", ann.Group, "version", ann.Version, "total", t.countLocked())
	return ObserveResult{New: true}
}

// Cleanup ages entries: responding→missing after the liveness timeout,
// eviction after the eviction window. Returns true if anything changed.
func (t *SubscriberTable) Cleanup() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	changed := false
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}
		idle := now.Sub(s.entry.LastSeen)
		if s.entry.Responding && idle > t.liveness {
			s.entry.Responding = false
			changed = true
			t.logger.Warn("subscriber not responding", "addr", s.entry.Addr.String(), "group", s.entry.Group)
		}
		if idle > t.eviction {
			// Only slots whose radio registration succeeded are deregistered.
			if s.everRegistered {
				if err := t.peers.DeregisterPeer(s.entry.Addr); err != nil {
					t.logger.Warn("radio peer deregistration failed", "addr", s.entry.Addr.String(), "error", err)
				}
			}
			t.logger.Warn("subscriber evicted", "addr", s.entry.Addr.String(), "group", s.entry.Group)
			s.everRegistered = false
			s.inUse = false
			s.entry = Subscriber{}
			changed = true
		}
	}
	return changed
}

// MatchingGroup returns every in-use entry assigned to group, including
// not-responding ones: stop signals must still reach silent peers.
func (t *SubscriberTable) MatchingGroup(group string) []Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Subscriber
	for i := range t.slots {
		if t.slots[i].inUse && t.slots[i].entry.Group == group {
			out = append(out, t.slots[i].entry)
		}
	}
	return out
}

// Find returns the in-use entry for addr.
func (t *SubscriberTable) Find(addr radio.Address) (Subscriber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].inUse && t.slots[i].entry.Addr == addr {
			return t.slots[i].entry, true
		}
	}
	return Subscriber{}, false
}

// Snapshot returns all in-use entries in slot order.
func (t *SubscriberTable) Snapshot() []Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Subscriber, 0, Capacity)
	for i := range t.slots {
		if t.slots[i].inUse {
			out = append(out, t.slots[i].entry)
		}
	}
	return out
}

// Count returns the number of in-use entries.
func (t *SubscriberTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

func (t *SubscriberTable) countLocked() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].inUse {
			n++
		}
	}
	return n
}
