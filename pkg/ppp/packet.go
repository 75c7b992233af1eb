package ppp

import "sync"

// maxReceiveHeader is the largest outer+inner header this core ever
// needs to reserve ahead of a payload: 4 bytes of F5 outer header plus
// the 4-byte maximum PPP header.
const maxReceiveHeader = 4 + maxPPPHeaderBytes

// Packet is a chunk of bytes with a reserved header region sized so
// the framer can write the encapsulation "backwards" into the prefix
// without a memmove. Proto is the PPP protocol number stamped into the
// wire header at send time: control-path packets carry it from enqueue
// time, egress data packets get it from their IP version nibble just
// before sending, and ingress packets carry the protocol they arrived
// with.
type Packet struct {
	buf    []byte
	offset int // start of payload within buf; header region is buf[:offset]
	length int // payload length
	Proto  uint16
}

// NewPacket allocates a Packet whose payload capacity is payloadCap
// and whose reserved header region is headerCap bytes; the reserved
// region is always widened to at least encap_len+4.
func NewPacket(payloadCap, headerCap int) *Packet {
	if headerCap < maxReceiveHeader {
		headerCap = maxReceiveHeader
	}
	return &Packet{
		buf:    make([]byte, headerCap+payloadCap),
		offset: headerCap,
	}
}

// Payload returns the packet's current payload bytes. Header moves the
// payload start backwards, so after a Header call the returned slice
// begins with the reserved header bytes, exactly like Bytes.
func (p *Packet) Payload() []byte {
	return p.buf[p.offset : p.offset+p.length]
}

// SetPayload copies data into the packet's payload region, growing
// the backing buffer if data doesn't fit in the space already
// reserved ahead of offset.
func (p *Packet) SetPayload(data []byte) {
	need := p.offset + len(data)
	if need > len(p.buf) {
		grown := make([]byte, need)
		copy(grown, p.buf[:p.offset])
		p.buf = grown
	}
	copy(p.buf[p.offset:], data)
	p.length = len(data)
}

// Header reserves n bytes immediately before the payload and returns
// a slice the caller can fill in reverse (last-written-field-first),
// moving the packet's effective start back by n. Returns nil if fewer
// than n bytes remain in the reserved region.
func (p *Packet) Header(n int) []byte {
	if n > p.offset {
		return nil
	}
	p.offset -= n
	p.length += n
	return p.buf[p.offset : p.offset+n]
}

// Bytes returns the full on-wire representation written so far:
// whatever headers have been reserved via Header, followed by the
// payload.
func (p *Packet) Bytes() []byte {
	return p.buf[p.offset : p.offset+p.length]
}

// reset restores a Packet to an empty state with the given header
// capacity, for reuse from the pool.
func (p *Packet) reset(headerCap int) {
	if cap(p.buf) < headerCap {
		p.buf = make([]byte, headerCap, headerCap+256)
	}
	p.buf = p.buf[:cap(p.buf)]
	p.offset = headerCap
	p.length = 0
	p.Proto = 0
}

// PacketPool hands out a fresh Packet per receive tick instead of
// reusing one shared buffer across the read path and the ingress
// queue handoff: sharing one Packet between the receive tick and the
// enqueued consumer risks the buffer being mutated out from under a
// consumer that hasn't drained it yet.
type PacketPool struct {
	pool       sync.Pool
	payloadCap int
}

func NewPacketPool(payloadCap int) *PacketPool {
	return &PacketPool{payloadCap: payloadCap}
}

func (p *PacketPool) Get() *Packet {
	if v := p.pool.Get(); v != nil {
		pkt := v.(*Packet)
		pkt.reset(maxReceiveHeader)
		return pkt
	}
	return NewPacket(p.payloadCap, maxReceiveHeader)
}

func (p *PacketPool) Put(pkt *Packet) {
	p.pool.Put(pkt)
}
