package ppp

// needsEscape reports whether c must be byte-stuffed under asyncmap m,
// per RFC 1662: the HDLC control-escape and flag bytes always escape,
// and any control byte (<0x20) whose bit is set in the asyncmap
// escapes too.
func needsEscape(c byte, m uint32) bool {
	if c == 0x7e || c == 0x7d {
		return true
	}
	return c < 0x20 && m&(1<<uint(c)) != 0
}

// Escape byte-stuffs data under asyncmap m. Flag bytes (0x7E) and CRC
// are not added here; the outer transport already delimits frames.
// Each literal run [s:i) is emitted before its escape pair, and the
// trailing run is flushed after the loop.
func Escape(data []byte, asyncmap uint32) []byte {
	out := make([]byte, 0, len(data))
	s := 0
	for i, c := range data {
		if needsEscape(c, asyncmap) {
			out = append(out, data[s:i]...)
			out = append(out, 0x7d, c^0x20)
			s = i + 1
		}
	}
	out = append(out, data[s:]...)
	return out
}

// Unescape reverses Escape: on 0x7D, the following byte is consumed
// and XORed with 0x20.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == 0x7d && i+1 < len(data) {
			out = append(out, data[i+1]^0x20)
			i++
			continue
		}
		out = append(out, data[i])
	}
	return out
}
