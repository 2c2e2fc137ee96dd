package node

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meshsync/internal/bus"
	"meshsync/internal/mediasync"
	"meshsync/internal/meshclock"
	"meshsync/internal/peers"
	"meshsync/internal/radio"
	"meshsync/internal/wire"
)

var (
	subAddr1  = radio.Address{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	subAddr2  = radio.Address{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	subAddr3  = radio.Address{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	nodeAddr  = radio.Address{0x02, 0x00, 0x00, 0x00, 0x00, 0x10}
	coordAddr = radio.Address{0x02, 0x00, 0x00, 0x00, 0x00, 0x20}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSaver struct {
	mu     sync.Mutex
	groups []string
}

func (s *recordingSaver) SaveGroup(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, group)
}

func (s *recordingSaver) saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups...)
}

type fixture struct {
	node  *Node
	hub   *radio.LoopbackHub
	rad   *radio.LoopbackRadio
	subs  *peers.SubscriberTable
	clock *fakeClock
	mesh  *meshclock.Fixed
	bus   bus.MessageBus
	saver *recordingSaver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureGroup(t, "stage")
}

func newFixtureGroup(t *testing.T, group string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)

	hub := radio.NewLoopbackHub()
	rad := hub.Endpoint(nodeAddr)
	t.Cleanup(func() { _ = rad.Close() })

	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	mesh := &meshclock.Fixed{Now: 1000, IsSynced: true}
	subs := peers.NewSubscriberTable(logger, rad, 5*time.Second, 30*time.Second)
	subs.SetNowFunc(clock.Now)
	coords := peers.NewCoordinatorTable(logger, rad, 5*time.Second)
	coords.SetNowFunc(clock.Now)
	saver := &recordingSaver{}

	n := New(logger, b, mesh, rad, subs, coords, saver,
		mediasync.Config{}, Config{Version: "1.0", Group: group})
	n.SetNowFunc(clock.Now)
	return &fixture{node: n, hub: hub, rad: rad, subs: subs, clock: clock, mesh: mesh, bus: b, saver: saver}
}

// drainMessages reassembles every complete outbound message currently in the
// outbox; realtime and control packets pass through the assembler unclaimed.
func drainMessages(n *Node) []wire.Message {
	var asm wire.Assembler
	var out []wire.Message
	for {
		select {
		case p := <-n.Outbox():
			for _, raw := range asm.Push(p) {
				if m, err := wire.ParseMessage(raw); err == nil {
					out = append(out, m)
				}
			}
		default:
			return out
		}
	}
}

func drainRadio(r *radio.LoopbackRadio) []radio.Inbound {
	var out []radio.Inbound
	for {
		select {
		case in := <-r.Receive():
			out = append(out, in)
		default:
			return out
		}
	}
}

// announce registers a subscriber endpoint with the coordinator under test.
func (f *fixture) announce(t *testing.T, addr radio.Address, group string) *radio.LoopbackRadio {
	t.Helper()
	sub := f.hub.Endpoint(addr)
	t.Cleanup(func() { _ = sub.Close() })
	if err := sub.RegisterPeer(nodeAddr); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.node.OnRadioPacket(radio.Inbound{
		From:    addr,
		Payload: radio.Announcement{Group: group, Version: "1.0"}.Marshal(),
	})
	return sub
}

func TestUnknownCommandReportsOnce(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: 0x42})

	msgs := drainMessages(f.node)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly one error report", len(msgs))
	}
	m := msgs[0]
	if m.Command != wire.CmdErrorReport {
		t.Fatalf("command %#02x, want error report", m.Command)
	}
	if m.Payload[0] != wire.ErrCodeParse {
		t.Fatalf("error code %#02x, want parse error", m.Payload[0])
	}
	if m.Payload[1] != 1 || m.Payload[2] != 0x42 {
		t.Fatalf("error context % 02x, want the command byte", m.Payload[1:])
	}
}

func TestQueryConfigActivatesCoordinator(t *testing.T) {
	f := newFixture(t)
	if f.node.CoordinatorActive() {
		t.Fatal("coordinator active before any query")
	}

	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	if !f.node.CoordinatorActive() {
		t.Fatal("coordinator not activated by config query")
	}
	msgs := drainMessages(f.node)
	if len(msgs) != 2 || msgs[0].Command != wire.CmdHello || msgs[1].Command != wire.CmdConfigState {
		t.Fatalf("reply messages %+v, want hello then config state", msgs)
	}

	// A repeat query refreshes the reply without changing anything.
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	msgs = drainMessages(f.node)
	if len(msgs) != 2 {
		t.Fatalf("repeat query produced %d messages", len(msgs))
	}
}

func TestPushConfigEchoAndValidation(t *testing.T) {
	f := newFixture(t)

	hi, lo := wire.Pack14(500)
	f.node.HandleCommand(wire.Message{Command: wire.CmdPushConfig, Payload: []byte{1, hi, lo}})
	msgs := drainMessages(f.node)
	if len(msgs) != 1 || msgs[0].Command != wire.CmdConfigState {
		t.Fatalf("got %+v, want one config state echo", msgs)
	}
	if msgs[0].Payload[0] != 1 || wire.Unpack14(msgs[0].Payload[1], msgs[0].Payload[2]) != 500 {
		t.Fatalf("echo payload % 02x", msgs[0].Payload)
	}

	f.node.HandleCommand(wire.Message{Command: wire.CmdPushConfig, Payload: []byte{1}})
	msgs = drainMessages(f.node)
	if len(msgs) != 1 || msgs[0].Command != wire.CmdErrorReport || msgs[0].Payload[0] != wire.ErrCodeConfigInvalid {
		t.Fatalf("truncated push got %+v, want config-invalid report", msgs)
	}
}

func TestPushConfigActivatesCoordinator(t *testing.T) {
	f := newFixture(t)
	if f.node.CoordinatorActive() {
		t.Fatal("coordinator active before any command")
	}

	hi, lo := wire.Pack14(100)
	f.node.HandleCommand(wire.Message{Command: wire.CmdPushConfig, Payload: []byte{1, hi, lo}})
	if !f.node.CoordinatorActive() {
		t.Fatal("coordinator not activated by push config")
	}
	drainMessages(f.node)

	// Announcements from subscribers must now land in the table.
	f.announce(t, subAddr1, "A")
	if got := f.subs.Count(); got != 1 {
		t.Fatalf("subscriber count %d after push-config activation", got)
	}
}

func TestMediaSyncFanOutByGroup(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	drainMessages(f.node)

	subA1 := f.announce(t, subAddr1, "A")
	subA2 := f.announce(t, subAddr2, "A")
	subB := f.announce(t, subAddr3, "B")

	// subA1 goes silent past the liveness window but must keep receiving.
	f.clock.Advance(6 * time.Second)
	f.node.OnRadioPacket(radio.Inbound{
		From:    subAddr2,
		Payload: radio.Announcement{Group: "A", Version: "1.0"}.Marshal(),
	})
	f.subs.Cleanup()
	if s, ok := f.subs.Find(subAddr1); !ok || s.Responding {
		t.Fatalf("subA1 state %+v %v, want present and not responding", s, ok)
	}

	msg, err := wire.ParseMessage(wire.MarshalSyncCommand(wire.SyncCommand{
		Group: "A", Index: 2, PositionMs: 4000, State: mediasync.StatePlaying,
	}))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f.node.HandleCommand(msg)

	for name, sub := range map[string]*radio.LoopbackRadio{"subA1": subA1, "subA2": subA2} {
		got := drainRadio(sub)
		if len(got) != 1 {
			t.Fatalf("%s received %d packets, want 1", name, len(got))
		}
		p, err := radio.ParseSyncPacket(got[0].Payload)
		if err != nil {
			t.Fatalf("%s payload: %v", name, err)
		}
		if p.Group != "A" || p.ContentIndex != 2 || p.PositionMs != 4000 || p.MeshTimestamp != 1000 {
			t.Fatalf("%s sync packet %+v", name, p)
		}
	}
	if got := drainRadio(subB); len(got) != 0 {
		t.Fatalf("group B subscriber received %d packets, want none", len(got))
	}
}

func TestMediaSyncDroppedWithoutMeshClock(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	drainMessages(f.node)
	sub := f.announce(t, subAddr1, "A")
	f.mesh.IsSynced = false

	msg, _ := wire.ParseMessage(wire.MarshalSyncCommand(wire.SyncCommand{
		Group: "A", Index: 1, PositionMs: 0, State: mediasync.StatePlaying,
	}))
	f.node.HandleCommand(msg)

	if got := drainRadio(sub); len(got) != 0 {
		t.Fatalf("forwarded %d packets with mesh clock lost", len(got))
	}
	msgs := drainMessages(f.node)
	if len(msgs) != 1 || msgs[0].Payload[0] != wire.ErrCodeMeshClockLost {
		t.Fatalf("got %+v, want one mesh-clock-lost report", msgs)
	}
}

func TestSimulatedDelayDefersSends(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	sub := f.announce(t, subAddr1, "A")

	hi, lo := wire.Pack14(200)
	f.node.HandleCommand(wire.Message{Command: wire.CmdPushConfig, Payload: []byte{1, hi, lo}})
	drainMessages(f.node)

	msg, _ := wire.ParseMessage(wire.MarshalSyncCommand(wire.SyncCommand{
		Group: "A", Index: 1, PositionMs: 100, State: mediasync.StatePlaying,
	}))
	f.node.HandleCommand(msg)
	if got := drainRadio(sub); len(got) != 0 {
		t.Fatalf("sync sent immediately despite simulated delay")
	}

	// Past the maximum delay every queued send is due.
	f.clock.Advance(201 * time.Millisecond)
	f.node.Tick()
	var syncs int
	for _, in := range drainRadio(sub) {
		if len(in.Payload) > 0 && in.Payload[0] == radio.PacketMediaSync {
			syncs++
		}
	}
	if syncs != 1 {
		t.Fatalf("got %d delayed sync packets, want 1", syncs)
	}
}

func TestReassignUnknownPeer(t *testing.T) {
	f := newFixture(t)
	raw := wire.MarshalReassignCommand(wire.ReassignCommand{Addr: [6]byte(subAddr1), Group: "B"})
	msg, _ := wire.ParseMessage(raw)
	f.node.HandleCommand(msg)

	msgs := drainMessages(f.node)
	if len(msgs) != 1 || msgs[0].Payload[0] != wire.ErrCodePeerNotFound {
		t.Fatalf("got %+v, want peer-not-found report", msgs)
	}
	if got := msgs[0].Payload[2:]; len(got) != 6 || radio.Address(got) != subAddr1 {
		t.Fatalf("report context % 02x, want the target address", got)
	}
}

func TestReassignForwardsRadioForm(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	sub := f.announce(t, subAddr1, "A")
	drainMessages(f.node)

	raw := wire.MarshalReassignCommand(wire.ReassignCommand{Addr: [6]byte(subAddr1), Group: "B"})
	msg, _ := wire.ParseMessage(raw)
	f.node.HandleCommand(msg)

	got := drainRadio(sub)
	if len(got) != 1 {
		t.Fatalf("subscriber received %d packets, want the reassign message", len(got))
	}
	fwd, err := wire.ParseMessage(got[0].Payload)
	if err != nil {
		t.Fatalf("forwarded payload: %v", err)
	}
	if fwd.Command != wire.CmdReassignGroup || string(fwd.Payload) != "B" {
		t.Fatalf("forwarded %+v, want bare-group reassign", fwd)
	}
	if msgs := drainMessages(f.node); len(msgs) != 0 {
		t.Fatalf("unexpected reports %+v", msgs)
	}
}

func TestRadioReassignAppliesAndPersists(t *testing.T) {
	f := newFixture(t)
	f.node.OnRadioPacket(radio.Inbound{From: coordAddr, Payload: wire.MarshalRadioReassign("backdrop")})

	if got := f.node.Group(); got != "backdrop" {
		t.Fatalf("group %q after radio reassign", got)
	}
	if got := f.node.Engine().Group(); got != "backdrop" {
		t.Fatalf("engine group %q after radio reassign", got)
	}
	if got := f.saver.saved(); len(got) != 1 || got[0] != "backdrop" {
		t.Fatalf("persisted groups %v", got)
	}
}

func TestRunningStateOnlyWhenCoordinator(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryRunningState})
	if msgs := drainMessages(f.node); len(msgs) != 0 {
		t.Fatalf("inactive node replied %+v", msgs)
	}

	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	f.announce(t, subAddr1, "A")
	drainMessages(f.node)

	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryRunningState})
	msgs := drainMessages(f.node)
	if len(msgs) != 1 || msgs[0].Command != wire.CmdRunningState {
		t.Fatalf("got %+v, want one running state", msgs)
	}
	// uptime(5 encoded) + synced(1) + count(1) precede the peer blocks.
	payload := msgs[0].Payload
	if payload[5] != 1 {
		t.Fatalf("meshSynced byte %d, want 1", payload[5])
	}
	if payload[6] != 1 {
		t.Fatalf("peer count %d, want 1", payload[6])
	}
}

func TestAnnouncementPublishesPeerUpdate(t *testing.T) {
	f := newFixture(t)
	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	sub := f.bus.Subscribe(bus.TopicPeerUpdate)
	defer f.bus.Unsubscribe(sub, bus.TopicPeerUpdate)

	f.announce(t, subAddr1, "A")

	select {
	case msg := <-sub:
		update, ok := msg.(bus.PeerUpdate)
		if !ok {
			t.Fatalf("payload type %T", msg)
		}
		if update.Addr != subAddr1 || update.Group != "A" || !update.Responding {
			t.Fatalf("peer update %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("no peer update published")
	}
}

func TestBeaconsOnlyWhenCoordinator(t *testing.T) {
	f := newFixture(t)
	other := f.hub.Endpoint(subAddr1)
	t.Cleanup(func() { _ = other.Close() })

	f.clock.Advance(2 * time.Second)
	f.node.Tick()
	for _, in := range drainRadio(other) {
		if len(in.Payload) > 0 && in.Payload[0] == radio.PacketBeacon {
			t.Fatal("subscriber-only node broadcast a beacon")
		}
	}

	f.node.HandleCommand(wire.Message{Command: wire.CmdQueryConfig})
	f.clock.Advance(2 * time.Second)
	f.node.Tick()
	var beacons int
	for _, in := range drainRadio(other) {
		if len(in.Payload) > 0 && in.Payload[0] == radio.PacketBeacon {
			beacons++
		}
	}
	if beacons != 1 {
		t.Fatalf("got %d beacons after activation, want 1", beacons)
	}
}

func TestBeaconTriggersAnnouncement(t *testing.T) {
	f := newFixture(t)
	coord := f.hub.Endpoint(coordAddr)
	t.Cleanup(func() { _ = coord.Close() })
	if err := coord.RegisterPeer(nodeAddr); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.node.OnRadioPacket(radio.Inbound{From: coordAddr, Payload: radio.MarshalBeacon()})
	f.clock.Advance(2 * time.Second)
	f.node.Tick()

	var anns []radio.Announcement
	for _, in := range drainRadio(coord) {
		if len(in.Payload) > 0 && in.Payload[0] == radio.PacketAnnouncement {
			ann, err := radio.ParseAnnouncement(in.Payload)
			if err != nil {
				t.Fatalf("announcement: %v", err)
			}
			anns = append(anns, ann)
		}
	}
	if len(anns) != 1 {
		t.Fatalf("coordinator received %d announcements, want 1", len(anns))
	}
	if anns[0].Group != "stage" || anns[0].Version != "1.0" {
		t.Fatalf("announcement %+v", anns[0])
	}
}

func TestNoAnnouncementWithoutAssignedGroup(t *testing.T) {
	f := newFixtureGroup(t, "")
	coord := f.hub.Endpoint(coordAddr)
	t.Cleanup(func() { _ = coord.Close() })
	if err := coord.RegisterPeer(nodeAddr); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.node.OnRadioPacket(radio.Inbound{From: coordAddr, Payload: radio.MarshalBeacon()})
	f.clock.Advance(2 * time.Second)
	f.node.Tick()
	for _, in := range drainRadio(coord) {
		if len(in.Payload) > 0 && in.Payload[0] == radio.PacketAnnouncement {
			t.Fatal("unconfigured node announced itself")
		}
	}

	// Assigning a group over the radio brings announcements back.
	f.node.OnRadioPacket(radio.Inbound{From: coordAddr, Payload: wire.MarshalRadioReassign("stage")})
	f.clock.Advance(2 * time.Second)
	f.node.Tick()
	var anns int
	for _, in := range drainRadio(coord) {
		if len(in.Payload) > 0 && in.Payload[0] == radio.PacketAnnouncement {
			anns++
		}
	}
	if anns != 1 {
		t.Fatalf("got %d announcements after assignment, want 1", anns)
	}
}

func TestEmitControlPacketShape(t *testing.T) {
	f := newFixture(t)
	f.node.EmitControl(7)
	select {
	case p := <-f.node.Outbox():
		want := wire.Packet{wire.PacketControl, 0xB0, controlNumber, 7}
		if p != want {
			t.Fatalf("control packet % 02x, want % 02x", p, want)
		}
	default:
		t.Fatal("no control packet emitted")
	}
}

func TestEmitTimecodeQuarterFrames(t *testing.T) {
	f := newFixture(t)
	// 1h 2m 3s and 500 ms = frame 15 at 30 fps.
	f.node.EmitTimecode(3_723_500)

	var pkts []wire.Packet
	for draining := true; draining; {
		select {
		case p := <-f.node.Outbox():
			pkts = append(pkts, p)
		default:
			draining = false
		}
	}
	if len(pkts) != 8 {
		t.Fatalf("got %d quarter frames, want 8", len(pkts))
	}
	wantData := [8]byte{
		15 & 0x0F, 15 >> 4, // frame
		3 & 0x0F, 0, // seconds
		2 & 0x0F, 0, // minutes
		1 & 0x0F, timecodeRate << 1, // hours and rate
	}
	for i, p := range pkts {
		if p[0] != wire.PacketRealtime || p[1] != 0xF1 {
			t.Fatalf("frame %d header % 02x", i, p)
		}
		if got, want := p[2], byte(i)<<4|wantData[i]; got != want {
			t.Fatalf("frame %d data %#02x, want %#02x", i, got, want)
		}
	}
}
