package radio

import (
	"encoding/binary"
	"fmt"

	"meshsync/internal/wire"
)

// Native packet type tags. These payloads are raw radio traffic and do not
// use the command-message framing; a leading wire.MsgStart byte instead
// marks a radio-carried command message.
const (
	PacketBeacon       byte = 0x01
	PacketAnnouncement byte = 0x02
	PacketMediaSync    byte = 0x03
)

const (
	announcementLen = 1 + wire.GroupLen + wire.VersionLen + 1
	syncPacketLen   = 1 + wire.GroupLen + 1 + 4 + 1 + 4
)

// MarshalBeacon builds the one-byte presence beacon.
func MarshalBeacon() []byte {
	return []byte{PacketBeacon}
}

// Announcement is a subscriber's periodic self-announcement to known
// coordinators.
type Announcement struct {
	Group        string
	Version      string
	ContentIndex uint8
}

func (a Announcement) Marshal() []byte {
	out := make([]byte, 0, announcementLen)
	out = append(out, PacketAnnouncement)
	out = append(out, wire.PadString(a.Group, wire.GroupLen)...)
	out = append(out, wire.PadString(a.Version, wire.VersionLen)...)
	return append(out, a.ContentIndex)
}

// ParseAnnouncement decodes a subscriber announcement payload.
func ParseAnnouncement(payload []byte) (Announcement, error) {
	if len(payload) < announcementLen {
		return Announcement{}, fmt.Errorf("announcement too short: %d", len(payload))
	}
	if payload[0] != PacketAnnouncement {
		return Announcement{}, fmt.Errorf("not an announcement: type %#02x", payload[0])
	}
	return Announcement{
		Group:        wire.TrimPadded(payload[1 : 1+wire.GroupLen]),
		Version:      wire.TrimPadded(payload[1+wire.GroupLen : 1+wire.GroupLen+wire.VersionLen]),
		ContentIndex: payload[announcementLen-1],
	}, nil
}

// SyncPacket is the forwarded media-sync state for one group. MeshTimestamp
// is stamped at the moment of forwarding so the receiver's compensation
// covers radio-hop latency only.
type SyncPacket struct {
	Group         string
	ContentIndex  uint8
	PositionMs    uint32
	State         uint8 // 0 stopped, 1 playing
	MeshTimestamp uint32
}

func (p SyncPacket) Marshal() []byte {
	out := make([]byte, syncPacketLen)
	out[0] = PacketMediaSync
	copy(out[1:], wire.PadString(p.Group, wire.GroupLen))
	out[1+wire.GroupLen] = p.ContentIndex
	binary.BigEndian.PutUint32(out[2+wire.GroupLen:], p.PositionMs)
	out[6+wire.GroupLen] = p.State
	binary.BigEndian.PutUint32(out[7+wire.GroupLen:], p.MeshTimestamp)
	return out
}

// ParseSyncPacket decodes a forwarded sync payload.
func ParseSyncPacket(payload []byte) (SyncPacket, error) {
	if len(payload) < syncPacketLen {
		return SyncPacket{}, fmt.Errorf("sync packet too short: %d", len(payload))
	}
	if payload[0] != PacketMediaSync {
		return SyncPacket{}, fmt.Errorf("not a sync packet: type %#02x", payload[0])
	}
	return SyncPacket{
		Group:         wire.TrimPadded(payload[1 : 1+wire.GroupLen]),
		ContentIndex:  payload[1+wire.GroupLen],
		PositionMs:    binary.BigEndian.Uint32(payload[2+wire.GroupLen:]),
		State:         payload[6+wire.GroupLen],
		MeshTimestamp: binary.BigEndian.Uint32(payload[7+wire.GroupLen:]),
	}, nil
}
