package wire

// Message framing markers. Only messages carrying NamespaceID are ours;
// everything else on the transport is unrelated traffic and is skipped.
const (
	MsgStart    byte = 0xF0
	MsgEnd      byte = 0xF7
	NamespaceID byte = 0x7D
)

// Command codes, grouped by direction.
const (
	// Bridge → coordinator.
	CmdQueryConfig       byte = 0x01
	CmdPushConfig        byte = 0x02
	CmdQueryRunningState byte = 0x03

	// Bridge → subscribers, relayed by the coordinator.
	CmdMediaSync     byte = 0x10
	CmdReassignGroup byte = 0x11

	// Device → bridge.
	CmdHello        byte = 0x20
	CmdConfigState  byte = 0x21
	CmdRunningState byte = 0x22
	CmdErrorReport  byte = 0x30
)

// Error report codes carried in CmdErrorReport messages.
const (
	ErrCodeConfigInvalid   byte = 0x01
	ErrCodeParse           byte = 0x02
	ErrCodeRadioSendFailed byte = 0x03
	ErrCodeMeshClockLost   byte = 0x04
	ErrCodePeerNotFound    byte = 0x05
	ErrCodeUnknown         byte = 0xFF
)

// Event packet headers. The serial transport carries fixed 4-byte packets;
// the header says whether the packet continues a message or ends it, and
// how many of the three data bytes are meaningful when it ends.
const (
	PacketContinue byte = 0x04
	PacketEnd1     byte = 0x05
	PacketEnd2     byte = 0x06
	PacketEnd3     byte = 0x07

	// PacketRealtime carries a two-byte realtime event (timecode quarter
	// frames) outside of any message.
	PacketRealtime byte = 0x02
	// PacketControl carries a three-byte control-value change.
	PacketControl byte = 0x0B
)

// Field widths shared across the protocol.
const (
	GroupLen   = 16
	VersionLen = 8
	AddrLen    = 6

	// MaxMessageLen bounds reassembly buffers; the largest legal message is
	// a running-state report with ten peer blocks.
	MaxMessageLen = 512

	maxErrorContext = 32
)
