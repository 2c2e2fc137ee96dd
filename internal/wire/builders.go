package wire

// Outbound message builders. All multi-byte fields pass through the 7-bit
// codec in big-endian byte order; single-byte flags and counts go as-is.

// BuildHello builds the boot/reboot announcement: version(8, encoded 10) +
// uptimeMs(4, encoded 5) + bootReason(1).
func BuildHello(version string, uptimeMs uint32, bootReason byte) []byte {
	payload := make([]byte, 0, Encoded7bitLen(VersionLen)+Encoded7bitLen(4)+1)
	payload = append(payload, Encode7bit(PadString(version, VersionLen))...)
	payload = append(payload, Encode7bit(be32(uptimeMs))...)
	payload = append(payload, bootReason&0x7F)
	return Message{Command: CmdHello, Payload: payload}.Marshal()
}

// BuildConfigState echoes the simulated-bad-network configuration:
// enabled(1) + delayHi(1) + delayLo(1). The delay is capped at the 14-bit
// range the two 7-bit bytes can carry.
func BuildConfigState(simEnabled bool, simMaxDelayMs uint16) []byte {
	if simMaxDelayMs > 0x3FFF {
		simMaxDelayMs = 0x3FFF
	}
	hi, lo := Pack14(simMaxDelayMs)
	enabled := byte(0)
	if simEnabled {
		enabled = 1
	}
	return Message{Command: CmdConfigState, Payload: []byte{enabled, hi, lo}}.Marshal()
}

// PeerReport is one subscriber entry in a running-state report.
type PeerReport struct {
	Addr         [AddrLen]byte
	Group        string
	Version      string
	LastSeenMsgo uint32 // milliseconds since the entry was last heard
	Responding   bool
	ContentIndex uint8
}

const peerReportRawLen = AddrLen + GroupLen + VersionLen + 4 + 1 + 1

// BuildRunningState builds uptime(4, encoded 5) + meshSynced(1) +
// peerCount(1), followed by one 42-byte encoded block per peer.
func BuildRunningState(uptimeMs uint32, meshSynced bool, peers []PeerReport) []byte {
	payload := make([]byte, 0, Encoded7bitLen(4)+2+len(peers)*Encoded7bitLen(peerReportRawLen))
	payload = append(payload, Encode7bit(be32(uptimeMs))...)
	synced := byte(0)
	if meshSynced {
		synced = 1
	}
	payload = append(payload, synced, byte(len(peers)))

	raw := make([]byte, 0, peerReportRawLen)
	for _, p := range peers {
		raw = raw[:0]
		raw = append(raw, p.Addr[:]...)
		raw = append(raw, PadString(p.Group, GroupLen)...)
		raw = append(raw, PadString(p.Version, VersionLen)...)
		raw = append(raw, be32(p.LastSeenMsgo)...)
		responding := byte(0)
		if p.Responding {
			responding = 1
		}
		raw = append(raw, responding, p.ContentIndex)
		payload = append(payload, Encode7bit(raw)...)
	}
	return Message{Command: CmdRunningState, Payload: payload}.Marshal()
}

// BuildErrorReport builds errorCode(1) + contextLength(1) + context(≤32).
// Context bytes may carry anything, including marker values, so they pass
// through the 7-bit clearing implicitly: each byte is masked to 7 bits.
func BuildErrorReport(code byte, context []byte) []byte {
	if len(context) > maxErrorContext {
		context = context[:maxErrorContext]
	}
	payload := make([]byte, 0, 2+len(context))
	payload = append(payload, code, byte(len(context)))
	for _, b := range context {
		payload = append(payload, b&0x7F)
	}
	return Message{Command: CmdErrorReport, Payload: payload}.Marshal()
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
