// Package node ties the protocol together: it dispatches inbound commands,
// fans sync traffic out to radio peers, runs the periodic beacon and
// announcement schedule and renders the engine's emissions as transport
// packets.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"meshsync/internal/bus"
	"meshsync/internal/mediasync"
	"meshsync/internal/meshclock"
	"meshsync/internal/peers"
	"meshsync/internal/radio"
	"meshsync/internal/transport"
	"meshsync/internal/wire"
)

// GroupSaver persists the assigned group so it survives restarts. Saves are
// fire-and-forget; a nil saver disables persistence.
type GroupSaver interface {
	SaveGroup(group string)
}

// Config carries the node's identity and scheduling knobs.
type Config struct {
	Version    string
	BootReason byte
	// Group is the assigned group restored from the settings store.
	Group string
	// BeaconEvery and AnnounceEvery are the base periods; Jitter adds a
	// random extra delay so colliding nodes drift apart.
	BeaconEvery   time.Duration
	AnnounceEvery time.Duration
	Jitter        time.Duration
}

const (
	defaultBeaconEvery   = time.Second
	defaultAnnounceEvery = time.Second
	defaultJitter        = 250 * time.Millisecond

	// maxDelayedSends bounds the simulated-bad-network queue.
	maxDelayedSends = 20

	outboxCapacity = 256

	// controlNumber is the control slot the engine's index emissions use.
	controlNumber = 100
	// timecodeRate is the framerate code for 30 fps non-drop.
	timecodeRate = 3
)

type delayedSync struct {
	due time.Time
	to  radio.Address
	cmd wire.SyncCommand
}

// Node is one device on the mesh. Every node is a subscriber; receiving a
// config query over the transport additionally activates the coordinator
// role for the lifetime of the process.
type Node struct {
	logger *slog.Logger
	bus    bus.MessageBus
	clock  meshclock.Clock
	radio  radio.Radio
	subs   *peers.SubscriberTable
	coords *peers.CoordinatorTable
	engine *mediasync.Engine
	saver  GroupSaver

	version    string
	bootReason byte
	bootTime   time.Time
	now        func() time.Time
	rand       *rand.Rand

	beaconEvery   time.Duration
	announceEvery time.Duration
	jitter        time.Duration

	outbox chan wire.Packet

	mu                sync.Mutex
	coordinatorActive bool
	group             string
	simEnabled        bool
	simMaxDelayMs     uint16
	delayed           []delayedSync
	nextBeaconAt      time.Time
	nextAnnounceAt    time.Time
	lastClockLostLog  time.Time
}

// New builds a node and its sync engine. The node itself is the engine's
// output, so the engine is constructed here rather than injected.
func New(
	logger *slog.Logger,
	b bus.MessageBus,
	clk meshclock.Clock,
	r radio.Radio,
	subs *peers.SubscriberTable,
	coords *peers.CoordinatorTable,
	saver GroupSaver,
	syncCfg mediasync.Config,
	cfg Config,
) *Node {
	if cfg.BeaconEvery == 0 {
		cfg.BeaconEvery = defaultBeaconEvery
	}
	if cfg.AnnounceEvery == 0 {
		cfg.AnnounceEvery = defaultAnnounceEvery
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = defaultJitter
	}
	n := &Node{
		logger:        logger,
		bus:           b,
		clock:         clk,
		radio:         r,
		subs:          subs,
		coords:        coords,
		saver:         saver,
		version:       cfg.Version,
		bootReason:    cfg.BootReason,
		bootTime:      time.Now(),
		now:           time.Now,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		beaconEvery:   cfg.BeaconEvery,
		announceEvery: cfg.AnnounceEvery,
		jitter:        cfg.Jitter,
		outbox:        make(chan wire.Packet, outboxCapacity),
		group:         cfg.Group,
	}
	n.engine = mediasync.New(logger, clk, n, syncCfg)
	n.engine.SetGroup(cfg.Group)
	return n
}

// Engine exposes the sync engine for state inspection.
func (n *Node) Engine() *mediasync.Engine { return n.engine }

// SetNowFunc overrides the scheduling clock for tests.
func (n *Node) SetNowFunc(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// Outbox exposes the outbound transport packet stream. The transport write
// loop drains it; tests read it directly.
func (n *Node) Outbox() <-chan wire.Packet { return n.outbox }

// Group returns the currently assigned group.
func (n *Node) Group() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.group
}

// CoordinatorActive reports whether the coordinator role has been activated.
func (n *Node) CoordinatorActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.coordinatorActive
}

// BootHello announces this node to whatever sits on the other end of the
// transport. Called once at startup.
func (n *Node) BootHello() {
	n.enqueueMessage(wire.BuildHello(n.version, n.uptimeMs(), n.bootReason))
}

// HandleCommand dispatches one complete inbound command message.
func (n *Node) HandleCommand(msg wire.Message) {
	switch msg.Command {
	case wire.CmdQueryConfig:
		n.handleQueryConfig()
	case wire.CmdPushConfig:
		n.handlePushConfig(msg.Payload)
	case wire.CmdQueryRunningState:
		n.handleQueryRunningState()
	case wire.CmdMediaSync:
		n.handleMediaSync(msg.Payload)
	case wire.CmdReassignGroup:
		n.handleReassign(msg.Payload)
	default:
		// Unrecognized codes count as parse failures; the offending command
		// byte rides along as context.
		n.logger.Warn("unknown command", "command", msg.Command)
		n.reportError(wire.ErrCodeParse, []byte{msg.Command})
	}
}

// handleQueryConfig activates the coordinator role and replies with a hello
// plus the current configuration. Repeat queries just refresh the reply.
func (n *Node) handleQueryConfig() {
	n.mu.Lock()
	first := !n.coordinatorActive
	n.coordinatorActive = true
	simEnabled, simDelay := n.simEnabled, n.simMaxDelayMs
	n.mu.Unlock()

	if first {
		n.logger.Info("coordinator role activated")
	}
	n.enqueueMessage(wire.BuildHello(n.version, n.uptimeMs(), n.bootReason))
	n.enqueueMessage(wire.BuildConfigState(simEnabled, simDelay))
}

// handlePushConfig activates the coordinator role like a config query does:
// only the bridge side of the link pushes configuration.
func (n *Node) handlePushConfig(payload []byte) {
	n.mu.Lock()
	first := !n.coordinatorActive
	n.coordinatorActive = true
	n.mu.Unlock()
	if first {
		n.logger.Info("coordinator role activated")
	}

	if len(payload) < 3 {
		n.reportError(wire.ErrCodeConfigInvalid, payload)
		return
	}
	enabled := payload[0] != 0
	delay := wire.Unpack14(payload[1], payload[2])

	n.mu.Lock()
	n.simEnabled = enabled
	n.simMaxDelayMs = delay
	if !enabled {
		n.delayed = n.delayed[:0]
	}
	n.mu.Unlock()

	n.logger.Info("simulated network config applied", "enabled", enabled, "max_delay_ms", delay)
	n.enqueueMessage(wire.BuildConfigState(enabled, delay))
}

func (n *Node) handleQueryRunningState() {
	n.mu.Lock()
	active := n.coordinatorActive
	now := n.now()
	n.mu.Unlock()
	if !active {
		n.logger.Debug("running state query ignored, coordinator inactive")
		return
	}

	subs := n.subs.Snapshot()
	reports := make([]wire.PeerReport, 0, len(subs))
	for _, s := range subs {
		var r wire.PeerReport
		r.Addr = [wire.AddrLen]byte(s.Addr)
		r.Group = s.Group
		r.Version = s.Version
		r.LastSeenMsgo = uint32(now.Sub(s.LastSeen).Milliseconds())
		r.Responding = s.Responding
		r.ContentIndex = s.ContentIndex
		reports = append(reports, r)
	}
	n.enqueueMessage(wire.BuildRunningState(n.uptimeMs(), n.clock.Synced(), reports))
}

// handleMediaSync forwards one sync command to every subscriber in its
// group. The mesh timestamp is stamped at the moment each radio send
// actually happens, so latency compensation covers the radio hop only.
func (n *Node) handleMediaSync(payload []byte) {
	cmd, err := wire.ParseSyncCommand(payload)
	if err != nil {
		n.logger.Warn("sync command rejected", "error", err)
		n.reportError(wire.ErrCodeParse, payload)
		return
	}

	if !n.clock.Synced() {
		n.mu.Lock()
		now := n.now()
		report := now.Sub(n.lastClockLostLog) > time.Second
		if report {
			n.lastClockLostLog = now
		}
		n.mu.Unlock()
		if report {
			n.logger.Warn("sync command dropped, mesh clock not synced")
			n.reportError(wire.ErrCodeMeshClockLost, nil)
		}
		return
	}

	n.mu.Lock()
	simEnabled := n.simEnabled && n.simMaxDelayMs > 0
	maxDelay := n.simMaxDelayMs
	now := n.now()
	n.mu.Unlock()

	for _, sub := range n.subs.MatchingGroup(cmd.Group) {
		if simEnabled {
			n.queueDelayed(sub.Addr, cmd, now, maxDelay)
			continue
		}
		n.sendSync(sub.Addr, cmd)
	}

	// The coordinator renders its own assigned group too.
	n.engine.OnSyncPacket(radio.SyncPacket{
		Group:         cmd.Group,
		ContentIndex:  cmd.Index,
		PositionMs:    cmd.PositionMs,
		State:         cmd.State,
		MeshTimestamp: n.clock.MeshMillis(),
	})
}

func (n *Node) handleReassign(payload []byte) {
	cmd, err := wire.ParseReassignCommand(payload)
	if err != nil {
		n.logger.Warn("reassign command rejected", "error", err)
		n.reportError(wire.ErrCodeParse, payload)
		return
	}
	addr := radio.Address(cmd.Addr)

	if addr == n.radio.LocalAddress() {
		n.applyGroup(cmd.Group)
		return
	}

	if _, ok := n.subs.Find(addr); !ok {
		n.logger.Warn("reassign target not in subscriber table", "addr", addr.String())
		n.reportError(wire.ErrCodePeerNotFound, cmd.Addr[:])
		return
	}
	if err := n.radio.Send(addr, wire.MarshalRadioReassign(cmd.Group)); err != nil {
		n.logger.Warn("reassign send failed", "addr", addr.String(), "error", err)
		n.reportError(wire.ErrCodeRadioSendFailed, cmd.Addr[:])
		return
	}
	n.logger.Info("reassign sent", "addr", addr.String(), "group", cmd.Group)
}

// OnRadioPacket demultiplexes one inbound radio payload. The mesh clock gets
// first claim on every packet.
func (n *Node) OnRadioPacket(in radio.Inbound) {
	if n.clock.HandleReceive([6]byte(in.From), in.Payload) {
		return
	}
	if len(in.Payload) == 0 {
		return
	}

	switch in.Payload[0] {
	case radio.PacketBeacon:
		n.coords.Observe(in.From)

	case radio.PacketAnnouncement:
		if !n.CoordinatorActive() {
			return
		}
		ann, err := radio.ParseAnnouncement(in.Payload)
		if err != nil {
			n.logger.Debug("announcement rejected", "from", in.From.String(), "error", err)
			return
		}
		res := n.subs.Observe(in.From, ann)
		if res.TableFull {
			return
		}
		n.bus.Publish(bus.TopicPeerUpdate, bus.PeerUpdate{
			Addr:         in.From,
			Group:        ann.Group,
			Version:      ann.Version,
			Responding:   true,
			ContentIndex: ann.ContentIndex,
			SeenAt:       n.now(),
		})

	case radio.PacketMediaSync:
		p, err := radio.ParseSyncPacket(in.Payload)
		if err != nil {
			n.logger.Debug("sync packet rejected", "from", in.From.String(), "error", err)
			return
		}
		n.engine.OnSyncPacket(p)

	case wire.MsgStart:
		n.onRadioMessage(in)

	default:
		n.logger.Debug("unknown radio packet", "from", in.From.String(), "type", in.Payload[0])
	}
}

// onRadioMessage handles a command message carried over the radio. Only the
// point-to-point reassign is defined there; its payload is the bare group.
func (n *Node) onRadioMessage(in radio.Inbound) {
	msg, err := wire.ParseMessage(in.Payload)
	if err != nil {
		if !errors.Is(err, wire.ErrWrongNamespace) {
			n.logger.Debug("radio message rejected", "from", in.From.String(), "error", err)
		}
		return
	}
	if msg.Command != wire.CmdReassignGroup {
		n.logger.Debug("unexpected radio command", "from", in.From.String(), "command", msg.Command)
		return
	}
	n.applyGroup(string(msg.Payload))
}

// applyGroup switches the assigned group, persists it and announces the
// change right away so coordinators update their tables without waiting for
// the next scheduled announcement.
func (n *Node) applyGroup(group string) {
	n.mu.Lock()
	old := n.group
	n.group = group
	n.nextAnnounceAt = time.Time{}
	n.mu.Unlock()

	n.engine.SetGroup(group)
	if n.saver != nil {
		n.saver.SaveGroup(group)
	}
	n.logger.Info("group reassigned", "from", old, "to", group)
}

// Tick advances all periodic work. The radio loop calls it on a fixed cadence.
func (n *Node) Tick() {
	n.mu.Lock()
	now := n.now()
	beacon := n.coordinatorActive && !now.Before(n.nextBeaconAt)
	if beacon {
		n.nextBeaconAt = now.Add(n.beaconEvery + n.randJitterLocked())
	}
	announce := !now.Before(n.nextAnnounceAt)
	if announce {
		n.nextAnnounceAt = now.Add(n.announceEvery + n.randJitterLocked())
	}
	due := n.takeDueLocked(now)
	group := n.group
	n.mu.Unlock()

	for _, d := range due {
		n.sendSync(d.to, d.cmd)
	}

	if beacon {
		if err := n.radio.Broadcast(radio.MarshalBeacon()); err != nil {
			n.logger.Warn("beacon broadcast failed", "error", err)
		}
	}
	// An unconfigured subscriber has nothing to announce; it stays quiet
	// until a group is assigned.
	if announce && group != "" {
		ann := radio.Announcement{
			Group:        group,
			Version:      n.version,
			ContentIndex: n.engine.Snapshot().Index,
		}
		for _, addr := range n.coords.Addresses() {
			if err := n.radio.Send(addr, ann.Marshal()); err != nil {
				n.logger.Warn("announcement send failed", "addr", addr.String(), "error", err)
			}
		}
	}

	n.subs.Cleanup()
	n.coords.Cleanup()
	n.engine.Tick()
}

func (n *Node) randJitterLocked() time.Duration {
	if n.jitter <= 0 {
		return 0
	}
	return time.Duration(n.rand.Int63n(int64(n.jitter)))
}

func (n *Node) queueDelayed(to radio.Address, cmd wire.SyncCommand, now time.Time, maxDelayMs uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.delayed) >= maxDelayedSends {
		n.logger.Warn("delayed send queue full, sync dropped", "addr", to.String())
		return
	}
	n.delayed = append(n.delayed, delayedSync{
		due: now.Add(time.Duration(n.rand.Int63n(int64(maxDelayMs)+1)) * time.Millisecond),
		to:  to,
		cmd: cmd,
	})
}

func (n *Node) takeDueLocked(now time.Time) []delayedSync {
	var due []delayedSync
	kept := n.delayed[:0]
	for _, d := range n.delayed {
		if now.Before(d.due) {
			kept = append(kept, d)
			continue
		}
		due = append(due, d)
	}
	n.delayed = kept
	return due
}

func (n *Node) sendSync(to radio.Address, cmd wire.SyncCommand) {
	p := radio.SyncPacket{
		Group:         cmd.Group,
		ContentIndex:  cmd.Index,
		PositionMs:    cmd.PositionMs,
		State:         cmd.State,
		MeshTimestamp: n.clock.MeshMillis(),
	}
	if err := n.radio.Send(to, p.Marshal()); err != nil {
		n.logger.Warn("sync send failed", "addr", to.String(), "error", err)
		n.reportError(wire.ErrCodeRadioSendFailed, to[:])
	}
}

// EmitControl renders an engine emission as a control-value packet.
func (n *Node) EmitControl(index uint8) {
	n.enqueuePacket(wire.Packet{wire.PacketControl, 0xB0, controlNumber, index & 0x7F})
	n.bus.Publish(bus.TopicControlOut, bus.ControlOut{Index: index})
}

// EmitTimecode renders the extrapolated position as eight timecode quarter
// frames at 30 fps.
func (n *Node) EmitTimecode(positionMs uint32) {
	hh := positionMs / 3600000 % 24
	mm := positionMs / 60000 % 60
	ss := positionMs / 1000 % 60
	ff := positionMs % 1000 * 30 / 1000

	pieces := [8]byte{
		byte(ff) & 0x0F,
		byte(ff >> 4),
		byte(ss) & 0x0F,
		byte(ss >> 4),
		byte(mm) & 0x0F,
		byte(mm >> 4),
		byte(hh) & 0x0F,
		byte(hh>>4)&0x01 | timecodeRate<<1,
	}
	for i, v := range pieces {
		n.enqueuePacket(wire.Packet{wire.PacketRealtime, 0xF1, byte(i)<<4 | v, 0})
	}
}

func (n *Node) reportError(code byte, context []byte) {
	n.enqueueMessage(wire.BuildErrorReport(code, context))
	n.bus.Publish(bus.TopicErrorReport, bus.ErrorReport{Code: code, Context: context})
}

func (n *Node) enqueueMessage(msg []byte) {
	for _, p := range wire.Chunk(msg) {
		n.enqueuePacket(p)
	}
}

func (n *Node) enqueuePacket(p wire.Packet) {
	select {
	case n.outbox <- p:
	default:
		n.logger.Warn("transport outbox full, packet dropped", "header", p.Header())
	}
}

func (n *Node) uptimeMs() uint32 {
	return uint32(time.Since(n.bootTime).Milliseconds())
}

// RunTransportRead reads packets off the transport, reassembles messages and
// dispatches them until the context ends.
func (n *Node) RunTransportRead(ctx context.Context, t transport.Transport) error {
	var asm wire.Assembler
	for {
		p, err := t.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		n.bus.Publish(bus.TopicRawPacket, bus.RawPacket{
			Hex: hex.EncodeToString(p[:]),
			Len: len(p),
		})
		for _, raw := range asm.Push(p) {
			msg, err := wire.ParseMessage(raw)
			if err != nil {
				if errors.Is(err, wire.ErrWrongNamespace) {
					continue
				}
				n.logger.Warn("inbound message rejected", "error", err)
				n.reportError(wire.ErrCodeParse, raw)
				continue
			}
			n.bus.Publish(bus.TopicCommandIn, bus.CommandIn{Command: msg.Command, Payload: msg.Payload})
			n.HandleCommand(msg)
		}
	}
}

// RunTransportWrite drains the outbox onto the transport until the context
// ends.
func (n *Node) RunTransportWrite(ctx context.Context, t transport.Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-n.outbox:
			if err := t.WritePacket(ctx, p); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// RunRadio consumes inbound radio traffic and drives the periodic tick until
// the context ends.
func (n *Node) RunRadio(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	rx := n.radio.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-rx:
			if !ok {
				return errors.New("radio receive channel closed")
			}
			n.OnRadioPacket(in)
		case <-ticker.C:
			n.Tick()
		}
	}
}
