package ppp

import "encoding/binary"

// buildInnerFrame assembles the Address/Control + Protocol + payload
// sequence per the negotiated compression rules. LCP frames are always
// sent uncompressed regardless of negotiated options.
func buildInnerFrame(session *Session, proto uint16, payload []byte) []byte {
	fullACC := proto == ProtoLCP || session.OutLCPOpts&ACCOMP == 0
	compressProto := proto != ProtoLCP && session.OutLCPOpts&PFCOMP != 0 &&
		proto < 0x100 && proto&1 == 1

	hdrLen := 0
	if fullACC {
		hdrLen += 2
	}
	if compressProto {
		hdrLen++
	} else {
		hdrLen += 2
	}

	frame := make([]byte, hdrLen+len(payload))
	p := 0
	if fullACC {
		frame[0], frame[1] = 0xff, 0x03
		p = 2
	}
	if compressProto {
		frame[p] = byte(proto)
		p++
	} else {
		binary.BigEndian.PutUint16(frame[p:p+2], proto)
		p += 2
	}
	copy(frame[p:], payload)
	return frame
}

func asyncmapFor(session *Session, proto uint16) uint32 {
	if proto == ProtoLCP {
		return asyncmapLCP
	}
	return session.OutAsyncmap
}

// shouldEscapeOut reports whether an outgoing frame for proto must be
// HDLC-escaped: purely a function of the negotiated encapsulation
// kind, since the receiver must make the same decision before it has
// parsed the protocol field out of a possibly-escaped frame. LCP
// frames differ only in which asyncmap is used (asyncmapFor), not in
// whether escaping applies.
func shouldEscapeOut(session *Session, proto uint16) bool {
	return session.Encap.isHDLC()
}

// EncodeFrame builds a complete on-wire F5 frame (outer header + inner
// PPP header + payload, HDLC-escaped if the session's encapsulation
// calls for it) for proto/payload. This is the codec used to build
// control-path packets from scratch; EncodeFrameInto is the
// no-extra-copy variant used for data-path packets already carried in
// a Packet.
func EncodeFrame(session *Session, proto uint16, payload []byte) []byte {
	frame := buildInnerFrame(session, proto, payload)
	if shouldEscapeOut(session, proto) {
		frame = Escape(frame, asyncmapFor(session, proto))
	}
	out := make([]byte, session.Encap.HeaderLen()+len(frame))
	binary.BigEndian.PutUint16(out[0:2], outerMagic)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(frame)))
	copy(out[4:], frame)
	return out
}

// EncodeFrameInto frames pkt's current payload in place, writing the
// inner PPP header and outer F5 header backwards into pkt's reserved
// header region. HDLC escaping can expand the frame by an
// unpredictable amount, so that path still allocates.
func EncodeFrameInto(pkt *Packet, session *Session, proto uint16) {
	if shouldEscapeOut(session, proto) {
		frame := buildInnerFrame(session, proto, pkt.Payload())
		frame = Escape(frame, asyncmapFor(session, proto))
		out := make([]byte, 4+len(frame))
		binary.BigEndian.PutUint16(out[0:2], outerMagic)
		binary.BigEndian.PutUint16(out[2:4], uint16(len(frame)))
		copy(out[4:], frame)
		pkt.buf = out
		pkt.offset = 0
		pkt.length = len(out)
		return
	}

	fullACC := proto == ProtoLCP || session.OutLCPOpts&ACCOMP == 0
	compressProto := proto != ProtoLCP && session.OutLCPOpts&PFCOMP != 0 &&
		proto < 0x100 && proto&1 == 1

	if compressProto {
		h := pkt.Header(1)
		h[0] = byte(proto)
	} else {
		h := pkt.Header(2)
		binary.BigEndian.PutUint16(h, proto)
	}
	if fullACC {
		h := pkt.Header(2)
		h[0], h[1] = 0xff, 0x03
	}
	frameLen := pkt.length
	outer := pkt.Header(4)
	binary.BigEndian.PutUint16(outer[0:2], outerMagic)
	binary.BigEndian.PutUint16(outer[2:4], uint16(frameLen))
}

// DecodeOuter validates and strips the F5 outer header, returning the
// (possibly HDLC-escaped) PPP frame that followed it. A buffer shorter
// than 8 bytes is ErrShortPacket, checked first. Otherwise the receiver
// must see exactly encap_len+payload_len bytes; any mismatch (or a bad
// magic) is ErrOuterHeaderMismatch and the caller should log and drop
// rather than treat it as fatal.
func DecodeOuter(buf []byte) ([]byte, error) {
	if len(buf) < 8 {
		return nil, ErrShortPacket
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	payloadLen := binary.BigEndian.Uint16(buf[2:4])
	if magic != outerMagic {
		return nil, ErrOuterHeaderMismatch
	}
	if len(buf) != 4+int(payloadLen) {
		return nil, ErrOuterHeaderMismatch
	}
	return buf[4:], nil
}

// DecodeInner parses the Address/Control + Protocol prefix of an
// already-unescaped-if-needed PPP frame. headerLen is the number of
// bytes consumed before the payload, reported so the caller can
// track/update Session.ExpPPPHdrSize.
func DecodeInner(session *Session, frame []byte) (proto uint16, payload []byte, headerLen int, err error) {
	if session.Encap.isHDLC() {
		frame = Unescape(frame)
	}

	p := 0
	if len(frame) >= 2 && frame[0] == 0xff && frame[1] == 0x03 {
		p = 2
	} else if session.InLCPOpts&ACCOMP == 0 {
		return 0, nil, 0, ErrMalformedPPP
	}

	if p >= len(frame) {
		return 0, nil, 0, ErrMalformedPPP
	}

	if session.InLCPOpts&PFCOMP != 0 && frame[p]&1 == 1 {
		proto = uint16(frame[p])
		p++
	} else {
		if p+2 > len(frame) {
			return 0, nil, 0, ErrMalformedPPP
		}
		proto = binary.BigEndian.Uint16(frame[p : p+2])
		p += 2
	}

	return proto, frame[p:], p, nil
}
