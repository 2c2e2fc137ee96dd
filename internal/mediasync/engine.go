// Package mediasync runs the per-subscriber synchronization state machine:
// it ingests forwarded sync packets, compensates for radio-hop latency
// against mesh time, drives output emission and reacts to loss of sync.
package mediasync

import (
	"log/slog"
	"sync"
	"time"

	"meshsync/internal/meshclock"
	"meshsync/internal/radio"
)

// Play states carried in sync packets.
const (
	StateStopped uint8 = 0
	StatePlaying uint8 = 1
)

// Defaults per the protocol.
const (
	DefaultDesyncThresholdMs uint32 = 200
	DefaultLinkLostTimeout          = 3000 * time.Millisecond
)

// Output receives the engine's emissions. EmitControl carries the content
// index (0 means stop); EmitTimecode carries the extrapolated position.
type Output interface {
	EmitControl(index uint8)
	EmitTimecode(positionMs uint32)
}

// Config tunes the engine's policies.
type Config struct {
	// DesyncThresholdMs is the maximum |mesh delta| a packet may show
	// before it is discarded as clock disagreement.
	DesyncThresholdMs uint32
	// LinkLostTimeout is how long playing may continue without a sync
	// packet before the link counts as lost.
	LinkLostTimeout time.Duration
	// StopOnLinkLost stops output on link loss instead of freewheeling.
	StopOnLinkLost bool
	// RepeatInterval re-emits the current index while steadily playing so
	// late joiners catch up; zero disables it.
	RepeatInterval time.Duration
}

// State is a point-in-time copy of the engine's condition.
type State struct {
	Group      string
	Index      uint8
	PositionMs uint32
	Playing    bool
	LinkLost   bool
}

// Engine is the singleton sync state for one subscriber. A fresh sync
// packet always overwrites state; between packets the periodic tick
// extrapolates position from the local clock.
type Engine struct {
	logger *slog.Logger
	clock  meshclock.Clock
	out    Output
	cfg    Config
	now    func() time.Time

	mu             sync.Mutex
	group          string
	index          uint8
	positionMs     uint32
	state          uint8
	lastSync       time.Time
	anchor         time.Time
	lastControl    time.Time
	linkLost       bool
	lastEmitted    int // -1 until the first emission
	lastDiscardLog time.Time
}

func New(logger *slog.Logger, clock meshclock.Clock, out Output, cfg Config) *Engine {
	if cfg.DesyncThresholdMs == 0 {
		cfg.DesyncThresholdMs = DefaultDesyncThresholdMs
	}
	if cfg.LinkLostTimeout == 0 {
		cfg.LinkLostTimeout = DefaultLinkLostTimeout
	}
	return &Engine{
		logger:      logger,
		clock:       clock,
		out:         out,
		cfg:         cfg,
		now:         time.Now,
		lastEmitted: -1,
	}
}

// SetNowFunc overrides the local clock for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// SetGroup changes the assigned group this engine accepts sync for.
func (e *Engine) SetGroup(group string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.group = group
}

// Group returns the assigned group.
func (e *Engine) Group() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.group
}

// OnSyncPacket ingests one forwarded sync packet. Packets for other groups
// are ignored; packets whose mesh timestamp disagrees with local mesh time
// beyond the threshold are discarded, since compensating against a wrong
// clock is worse than waiting for the next packet.
func (e *Engine) OnSyncPacket(p radio.SyncPacket) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Group != e.group {
		return
	}

	now := e.now()
	delta := int32(e.clock.MeshMillis() - p.MeshTimestamp)
	if delta > int32(e.cfg.DesyncThresholdMs) || -delta > int32(e.cfg.DesyncThresholdMs) {
		if now.Sub(e.lastDiscardLog) > time.Second {
			e.logger.Warn("sync packet discarded, mesh clock disagreement",
				"delta_ms", delta, "threshold_ms", e.cfg.DesyncThresholdMs)
			e.lastDiscardLog = now
		}
		return
	}

	position := p.PositionMs
	if p.State == StatePlaying && delta > 0 {
		position += uint32(delta)
	}

	stoppedNow := e.state == StatePlaying && p.State == StateStopped
	startedNow := e.state == StateStopped && p.State == StatePlaying

	e.index = p.ContentIndex
	e.positionMs = position
	e.state = p.State
	e.lastSync = now
	e.linkLost = false
	if p.State == StatePlaying {
		// Extrapolation restarts from this fresh fix.
		e.anchor = now
	}

	if e.lastEmitted != int(p.ContentIndex) && p.ContentIndex != 0 {
		e.emitControlLocked(p.ContentIndex, now)
	}

	switch {
	case startedNow:
		e.logger.Info("media started", "index", p.ContentIndex, "position_ms", position)
	case stoppedNow:
		// The only place a stop value is emitted from packet ingestion.
		e.logger.Info("media stopped")
		e.emitControlLocked(0, now)
	case e.cfg.RepeatInterval > 0 && e.state == StatePlaying && e.index > 0 &&
		now.Sub(e.lastControl) >= e.cfg.RepeatInterval:
		e.emitControlLocked(e.index, now)
	}
}

// Tick advances the periodic policy checks: link-loss detection while
// playing, and timecode emission from the extrapolated position.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.state == StatePlaying && !e.linkLost && now.Sub(e.lastSync) > e.cfg.LinkLostTimeout {
		e.linkLost = true
		if e.cfg.StopOnLinkLost {
			e.logger.Warn("sync link lost, stopping output")
			e.positionMs = e.positionLocked(now)
			e.state = StateStopped
			e.emitControlLocked(0, now)
		} else {
			e.logger.Warn("sync link lost, freewheeling from last anchor")
		}
	}

	if e.state == StatePlaying {
		e.out.EmitTimecode(e.positionLocked(now))
	}
}

// PositionMs returns the current position, extrapolated while playing.
func (e *Engine) PositionMs() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked(e.now())
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Group:      e.group,
		Index:      e.index,
		PositionMs: e.positionLocked(e.now()),
		Playing:    e.state == StatePlaying,
		LinkLost:   e.linkLost,
	}
}

func (e *Engine) positionLocked(now time.Time) uint32 {
	if e.state != StatePlaying {
		return e.positionMs
	}
	return e.positionMs + uint32(now.Sub(e.anchor).Milliseconds())
}

func (e *Engine) emitControlLocked(index uint8, now time.Time) {
	e.out.EmitControl(index)
	e.lastEmitted = int(index)
	e.lastControl = now
}
