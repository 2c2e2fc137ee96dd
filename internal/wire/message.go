package wire

import (
	"errors"
	"fmt"
)

// Message is one complete command: start marker, namespace id, command code,
// payload and end marker. Payload holds only the bytes between the command
// code and the end marker.
type Message struct {
	Command byte
	Payload []byte
}

var (
	// ErrTooShort means the buffer cannot even hold the framing bytes.
	ErrTooShort = errors.New("message too short")
	// ErrBadMarkers means the start or end marker is missing.
	ErrBadMarkers = errors.New("bad start or end marker")
	// ErrWrongNamespace means the message belongs to unrelated traffic and
	// must be ignored without an error report.
	ErrWrongNamespace = errors.New("foreign namespace")
	// ErrNoCommand means the namespace matched but the command byte is
	// missing; this one is reported outward.
	ErrNoCommand = errors.New("namespace matched but no command byte")
)

// Marshal frames the message for the transport.
func (m Message) Marshal() []byte {
	out := make([]byte, 0, 4+len(m.Payload))
	out = append(out, MsgStart, NamespaceID, m.Command)
	out = append(out, m.Payload...)
	return append(out, MsgEnd)
}

// ParseMessage validates framing and splits a raw buffer into a Message.
func ParseMessage(raw []byte) (Message, error) {
	if len(raw) < 2 {
		return Message{}, ErrTooShort
	}
	if raw[0] != MsgStart || raw[len(raw)-1] != MsgEnd {
		return Message{}, ErrBadMarkers
	}
	if len(raw) < 3 || raw[1] != NamespaceID {
		return Message{}, ErrWrongNamespace
	}
	if len(raw) < 4 {
		return Message{}, ErrNoCommand
	}
	return Message{Command: raw[2], Payload: raw[3 : len(raw)-1]}, nil
}

// SyncCommand is the decoded payload of a CmdMediaSync message.
type SyncCommand struct {
	Group      string
	Index      uint8
	PositionMs uint32
	State      uint8
}

// Encoded field widths: a 4-byte position encodes to 5 bytes, a 6-byte
// address to 7, a 16-byte group to 19.
const (
	encodedPositionLen = 5
	encodedAddrLen     = 7
	encodedGroupLen    = 19
)

const syncPayloadLen = GroupLen + 1 + encodedPositionLen + 1

// ParseSyncCommand decodes group(16) + index(1) + position(5, 7-bit-encoded
// big-endian uint32) + state(1).
func ParseSyncCommand(payload []byte) (SyncCommand, error) {
	if len(payload) < syncPayloadLen {
		return SyncCommand{}, fmt.Errorf("sync payload too short: %d", len(payload))
	}
	pos := Decode7bit(payload[GroupLen+1 : GroupLen+1+encodedPositionLen])
	if len(pos) != 4 {
		return SyncCommand{}, fmt.Errorf("sync position field decoded to %d bytes", len(pos))
	}
	return SyncCommand{
		Group:      TrimPadded(payload[:GroupLen]),
		Index:      payload[GroupLen],
		PositionMs: uint32(pos[0])<<24 | uint32(pos[1])<<16 | uint32(pos[2])<<8 | uint32(pos[3]),
		State:      payload[GroupLen+1+encodedPositionLen],
	}, nil
}

// MarshalSyncCommand is the inverse of ParseSyncCommand; the bridge side of
// the protocol and the tests both need it.
func MarshalSyncCommand(c SyncCommand) []byte {
	payload := make([]byte, 0, syncPayloadLen)
	payload = append(payload, PadString(c.Group, GroupLen)...)
	payload = append(payload, c.Index)
	pos := []byte{byte(c.PositionMs >> 24), byte(c.PositionMs >> 16), byte(c.PositionMs >> 8), byte(c.PositionMs)}
	payload = append(payload, Encode7bit(pos)...)
	payload = append(payload, c.State)
	return Message{Command: CmdMediaSync, Payload: payload}.Marshal()
}

// ReassignCommand is the decoded bridge form of CmdReassignGroup: the
// address of the subscriber to retarget plus its new group.
type ReassignCommand struct {
	Addr  [AddrLen]byte
	Group string
}

const reassignPayloadLen = encodedAddrLen + encodedGroupLen

// ParseReassignCommand decodes peerAddress(7, encoded 6) + group(19,
// encoded 16).
func ParseReassignCommand(payload []byte) (ReassignCommand, error) {
	if len(payload) < reassignPayloadLen {
		return ReassignCommand{}, fmt.Errorf("reassign payload too short: %d", len(payload))
	}
	addr := Decode7bit(payload[:encodedAddrLen])
	group := Decode7bit(payload[encodedAddrLen:reassignPayloadLen])
	if len(addr) != AddrLen || len(group) != GroupLen {
		return ReassignCommand{}, fmt.Errorf("reassign fields decoded to %d+%d bytes", len(addr), len(group))
	}
	var cmd ReassignCommand
	copy(cmd.Addr[:], addr)
	cmd.Group = TrimPadded(group)
	return cmd, nil
}

// MarshalReassignCommand builds the bridge form of CmdReassignGroup.
func MarshalReassignCommand(c ReassignCommand) []byte {
	payload := make([]byte, 0, reassignPayloadLen)
	payload = append(payload, Encode7bit(c.Addr[:])...)
	payload = append(payload, Encode7bit(PadString(c.Group, GroupLen))...)
	return Message{Command: CmdReassignGroup, Payload: payload}.Marshal()
}

// MarshalRadioReassign builds the radio form of CmdReassignGroup sent
// point-to-point to the subscriber itself: just the new group, unpadded.
func MarshalRadioReassign(group string) []byte {
	if len(group) > GroupLen-1 {
		group = group[:GroupLen-1]
	}
	return Message{Command: CmdReassignGroup, Payload: []byte(group)}.Marshal()
}

// PadString lays s into a fixed-width NUL-padded field.
func PadString(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)
	out[width-1] = 0
	return out
}

// TrimPadded reads a fixed-width NUL-padded field back into a string.
func TrimPadded(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
