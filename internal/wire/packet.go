package wire

// Packet is one fixed-size transport unit: a header byte and three data
// bytes. Unused data bytes are zero.
type Packet [4]byte

// Header returns the packet header byte.
func (p Packet) Header() byte { return p[0] }

// dataLen says how many of the three data bytes belong to the message
// stream for a given header, or 0 for headers outside the message stream.
func dataLen(header byte) int {
	switch header {
	case PacketContinue, PacketEnd3:
		return 3
	case PacketEnd2:
		return 2
	case PacketEnd1:
		return 1
	default:
		return 0
	}
}

// Chunk splits a marshalled message into transport packets. The packet that
// carries the end marker uses the end header matching the marker's position,
// so the receiver can detect the terminator wherever it falls.
func Chunk(msg []byte) []Packet {
	packets := make([]Packet, 0, (len(msg)+2)/3)
	pos := 0
	for pos < len(msg) {
		var p Packet

		endPos := -1
		for i := 0; i < 3 && pos+i < len(msg); i++ {
			if msg[pos+i] == MsgEnd {
				endPos = i
				break
			}
		}

		switch endPos {
		case 0:
			p = Packet{PacketEnd1, msg[pos], 0, 0}
			pos++
		case 1:
			p = Packet{PacketEnd2, msg[pos], msg[pos+1], 0}
			pos += 2
		case 2:
			p = Packet{PacketEnd3, msg[pos], msg[pos+1], msg[pos+2]}
			pos += 3
		default:
			p = Packet{PacketContinue, msg[pos], 0, 0}
			if pos+1 < len(msg) {
				p[2] = msg[pos+1]
			}
			if pos+2 < len(msg) {
				p[3] = msg[pos+2]
			}
			pos += 3
		}
		packets = append(packets, p)
	}
	return packets
}

// Assembler rebuilds messages from the packet stream. It buffers nothing
// until a start marker arrives, and once the second byte disproves our
// namespace it stops buffering and just waits out the end marker.
type Assembler struct {
	buf      []byte
	inMsg    bool
	skipping bool
}

// Push feeds one packet in and returns any messages completed by it. A
// returned message always starts with MsgStart and ends with MsgEnd and
// belongs to our namespace.
func (a *Assembler) Push(p Packet) [][]byte {
	n := dataLen(p.Header())
	if n == 0 {
		return nil
	}

	var complete [][]byte
	for _, b := range p[1 : 1+n] {
		if b == MsgStart {
			a.inMsg = true
			a.skipping = false
			a.buf = a.buf[:0]
		}
		if !a.inMsg {
			continue
		}

		if !a.skipping {
			if len(a.buf) >= MaxMessageLen {
				// Runaway message with no terminator; drop it.
				a.skipping = true
			} else {
				a.buf = append(a.buf, b)
				if len(a.buf) == 2 && b != NamespaceID {
					a.skipping = true
					a.buf = a.buf[:0]
				}
			}
		}

		if b == MsgEnd {
			if !a.skipping && len(a.buf) > 0 {
				msg := make([]byte, len(a.buf))
				copy(msg, a.buf)
				complete = append(complete, msg)
			}
			a.inMsg = false
			a.skipping = false
			a.buf = a.buf[:0]
		}
	}
	return complete
}
