package wire

// The transport forbids payload bytes with the high bit set, so arbitrary
// binary data travels in 7-bit groups: each group of up to seven input bytes
// is preceded by a mask byte whose bit i carries the high bit of input byte
// i, and the input bytes follow with their high bits cleared.

// Encode7bit converts raw bytes into their 7-bit-safe representation.
func Encode7bit(in []byte) []byte {
	out := make([]byte, 0, Encoded7bitLen(len(in)))
	for len(in) > 0 {
		group := in
		if len(group) > 7 {
			group = group[:7]
		}

		var mask byte
		for i, b := range group {
			if b&0x80 != 0 {
				mask |= 1 << i
			}
		}
		out = append(out, mask)
		for _, b := range group {
			out = append(out, b&0x7F)
		}
		in = in[len(group):]
	}
	return out
}

// Decode7bit reverses Encode7bit. Input that is not a whole number of
// groups decodes as far as it goes; the final group may be short.
func Decode7bit(in []byte) []byte {
	out := make([]byte, 0, Decoded7bitLen(len(in)))
	for len(in) > 0 {
		mask := in[0]
		in = in[1:]

		group := in
		if len(group) > 7 {
			group = group[:7]
		}
		for i, b := range group {
			if mask&(1<<i) != 0 {
				b |= 0x80
			}
			out = append(out, b)
		}
		in = in[len(group):]
	}
	return out
}

// Encoded7bitLen returns the encoded size of n raw bytes.
func Encoded7bitLen(n int) int {
	return n + (n+6)/7
}

// Decoded7bitLen returns the raw size of n encoded bytes.
func Decoded7bitLen(n int) int {
	return n - (n+7)/8
}

// Pack14 splits a value below 16384 into two 7-bit bytes, high first.
func Pack14(v uint16) (hi, lo byte) {
	return byte(v>>7) & 0x7F, byte(v) & 0x7F
}

// Unpack14 reverses Pack14.
func Unpack14(hi, lo byte) uint16 {
	return uint16(hi&0x7F)<<7 | uint16(lo&0x7F)
}
