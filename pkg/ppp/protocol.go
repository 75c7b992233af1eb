package ppp

// PPP protocol numbers carried in the (possibly compressed) Protocol
// field. Only the five protocols this core understands are named;
// anything else is ErrUnsupportedProtocol.
const (
	ProtoLCP    uint16 = 0xc021
	ProtoIPCP   uint16 = 0x8021
	ProtoIPv6CP uint16 = 0x8057
	ProtoIP     uint16 = 0x0021
	ProtoIPv6   uint16 = 0x0057
)

// LCP/IPCP/IP6CP packet codes (RFC 1661 §5).
const (
	ConfReq  uint8 = 1
	ConfAck  uint8 = 2
	ConfNak  uint8 = 3
	ConfRej  uint8 = 4
	TermReq  uint8 = 5
	TermAck  uint8 = 6
	CodeRej  uint8 = 7
	ProtoRej uint8 = 8
	EchoReq  uint8 = 9
	EchoRep  uint8 = 10
	DiscReq  uint8 = 11
)

var codeNames = map[uint8]string{
	ConfReq: "Configure-Request", ConfAck: "Configure-Ack", ConfNak: "Configure-Nak",
	ConfRej: "Configure-Reject", TermReq: "Terminate-Request", TermAck: "Terminate-Ack",
	CodeRej: "Code-Reject", ProtoRej: "Protocol-Reject", EchoReq: "Echo-Request",
	EchoRep: "Echo-Reply", DiscReq: "Discard-Request",
}

func CodeName(code uint8) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "Unknown"
}

// LCP option tags.
const (
	LCPOptMTU      uint8 = 1
	LCPOptAsyncmap uint8 = 2
	LCPOptMagic    uint8 = 5
	LCPOptPFC      uint8 = 7
	LCPOptACFC     uint8 = 8
)

// IPCP option tags.
const (
	IPCPOptCompression uint8 = 2
	IPCPOptAddress     uint8 = 3
)

// IP6CP option tags.
const (
	IP6CPOptInterfaceID uint8 = 1
)

// ipcpVJCompression is the only IP-Compression-Protocol value
// recognised: Van Jacobson TCP/IP. It is recorded, never implemented.
const ipcpVJCompression uint16 = 0x002d

// Outgoing/incoming LCP option bits, tracked per session as
// out_lcp_opts / in_lcp_opts.
const (
	ACCOMP uint8 = 1 << iota
	PFCOMP
	VJCOMP
)

// EncapKind selects the outer tunnel framing.
type EncapKind uint8

const (
	EncapF5Raw EncapKind = iota
	EncapF5HDLC
)

func (e EncapKind) String() string {
	switch e {
	case EncapF5Raw:
		return "F5"
	case EncapF5HDLC:
		return "F5 HDLC"
	default:
		return "unknown"
	}
}

// HeaderLen returns the byte length of the outer encapsulation header
// that precedes the PPP frame on the wire.
func (e EncapKind) HeaderLen() int {
	switch e {
	case EncapF5Raw, EncapF5HDLC:
		return 4
	default:
		return 0
	}
}

func (e EncapKind) isHDLC() bool {
	return e == EncapF5HDLC
}

// DefaultMTU is the MTU proposed in our first LCP Configure-Request
// when no MTU has been negotiated or configured yet.
const DefaultMTU uint16 = 1300

// maxPPPHeaderBytes is the largest possible Address+Control+Protocol
// header: 1 (Address) + 1 (Control) + 2 (Protocol, uncompressed).
const maxPPPHeaderBytes = 4

// asyncmapLCP is used unconditionally for LCP frames: the peer hasn't
// learned our real asyncmap yet, so every control byte must be escaped.
const asyncmapLCP uint32 = 0xffffffff

// outerMagic is the 2-byte magic at the start of the F5 outer header.
const outerMagic uint16 = 0xf500
