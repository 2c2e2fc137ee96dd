package bus

import (
	"time"

	"meshsync/internal/radio"
)

// Topics carried on the bus, one per event family the daemon's loops and
// observers exchange.
const (
	// TopicRawPacket carries every inbound transport packet, hex-encoded.
	TopicRawPacket = "transport.raw_packet"
	// TopicCommandIn carries complete inbound command messages.
	TopicCommandIn = "command.in"
	// TopicControlOut carries control-value emissions from the sync engine.
	TopicControlOut = "media.control_out"
	// TopicPeerUpdate carries subscriber-table changes.
	TopicPeerUpdate = "peers.update"
	// TopicErrorReport mirrors outbound 0x30 error reports.
	TopicErrorReport = "protocol.error_report"
	// TopicConnStatus carries serial transport connection state changes.
	TopicConnStatus = "transport.status"
)

// RawPacket is a hex preview of one transport packet.
type RawPacket struct {
	Hex string
	Len int
}

// CommandIn is a complete, namespace-matched inbound message.
type CommandIn struct {
	Command byte
	Payload []byte
}

// ControlOut is one emitted control-value change (index 0 means stop).
type ControlOut struct {
	Index uint8
}

// PeerUpdate describes a subscriber-table change worth persisting.
type PeerUpdate struct {
	Addr         radio.Address
	Group        string
	Version      string
	Responding   bool
	ContentIndex uint8
	SeenAt       time.Time
}

// ErrorReport mirrors an outbound protocol error report.
type ErrorReport struct {
	Code    byte
	Context []byte
}

// ConnState names a transport connection state.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// ConnStatus is a transport connection state change.
type ConnStatus struct {
	State ConnState
	Err   error
}
