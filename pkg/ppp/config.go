package ppp

import (
	"encoding/binary"
	"net"
	"time"
)

// ConfigPacket is a decoded LCP/IPCP/IP6CP control packet: the
// (code, id, length) header plus, for the option-bearing codes, the
// parsed option list and the raw option bytes (kept so a
// Configure-Ack can echo them back byte-for-byte). Codes that instead
// carry a free-form trailer (Terminate-Request's quit reason,
// Echo-Request/Reply's magic number) get it in Trailer.
type ConfigPacket struct {
	Code       uint8
	ID         uint8
	Options    []Option
	RawOptions []byte
	Trailer    []byte
}

// ParseConfigPacket decodes a control-protocol payload: code, id,
// length, options. length covers all four header bytes plus options
// and must equal the payload length exactly.
func ParseConfigPacket(payload []byte) (ConfigPacket, error) {
	if len(payload) < 4 {
		return ConfigPacket{}, ErrMalformedPPP
	}
	length := binary.BigEndian.Uint16(payload[2:4])
	if int(length) != len(payload) {
		return ConfigPacket{}, ErrMalformedPPP
	}

	cp := ConfigPacket{Code: payload[0], ID: payload[1]}
	body := payload[4:]
	switch cp.Code {
	case ConfReq, ConfAck, ConfNak, ConfRej:
		opts, err := ParseOptions(body)
		if err != nil {
			return ConfigPacket{}, err
		}
		cp.Options = opts
		cp.RawOptions = append([]byte(nil), body...)
	default:
		cp.Trailer = append([]byte(nil), body...)
	}
	return cp, nil
}

func encodeConfigPacket(code, id uint8, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = code
	out[1] = id
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], body)
	return out
}

func ncpRecord(session *Session, proto uint16) *NcpRecord {
	switch proto {
	case ProtoLCP:
		return &session.LCP
	case ProtoIPCP:
		return &session.IPCP
	case ProtoIPv6CP:
		return &session.IP6CP
	default:
		return nil
	}
}

// BuildConfigureRequest builds the Configure-Request body for proto
// from the session's current outgoing option set. The caller is
// expected to have already called markRequestSent on the matching
// NcpRecord so the id and timer are up to date.
func BuildConfigureRequest(session *Session, proto uint16, now time.Time) []byte {
	ncp := ncpRecord(session, proto)
	var opts []Option

	switch proto {
	case ProtoLCP:
		mtu := session.MTU
		if mtu == 0 {
			mtu = DefaultMTU
			session.MTU = mtu
		}
		// Requesting PFC and ACFC also arms them on the send side once
		// negotiation is underway; LCP frames themselves stay exempt.
		session.OutAsyncmap = 0
		session.OutLCPOpts |= ACCOMP | PFCOMP
		opts = append(opts,
			BE16Option(LCPOptMTU, mtu),
			BE32Option(LCPOptAsyncmap, 0),
			BE32Option(LCPOptMagic, session.chooseOutMagic(now)),
			FlagOption(LCPOptPFC),
			FlagOption(LCPOptACFC),
		)
	case ProtoIPCP:
		addr := session.OutPeerAddr.To4()
		if addr == nil {
			addr = net.IPv4zero.To4()
		}
		opts = append(opts, Option{Tag: IPCPOptAddress, Value: append([]byte(nil), addr...)})
	case ProtoIPv6CP:
		opts = append(opts, Option{Tag: IP6CPOptInterfaceID, Value: append([]byte(nil), session.OutIPv6IntIdent[:]...)})
	}

	return encodeConfigPacket(ConfReq, ncp.ID, SerializeOptions(opts))
}

// absorbConfigureRequest folds the peer's proposed options into the
// session's in_* fields per protocol. An unrecognised tag fails the
// whole request (ErrUnknownOption): the frame is rejected rather than
// answered with a Configure-Reject.
func absorbConfigureRequest(session *Session, proto uint16, opts []Option) error {
	for _, o := range opts {
		switch proto {
		case ProtoLCP:
			switch o.Tag {
			case LCPOptMTU:
				if len(o.Value) == 2 {
					session.MTU = binary.BigEndian.Uint16(o.Value)
				}
			case LCPOptAsyncmap:
				if len(o.Value) == 4 {
					session.InAsyncmap = binary.BigEndian.Uint32(o.Value)
				}
			case LCPOptMagic:
				if len(o.Value) == 4 {
					session.InLCPMagic = binary.BigEndian.Uint32(o.Value)
				}
			case LCPOptPFC:
				session.InLCPOpts |= PFCOMP
			case LCPOptACFC:
				session.InLCPOpts |= ACCOMP
			default:
				return ErrUnknownOption
			}
		case ProtoIPCP:
			switch o.Tag {
			case IPCPOptAddress:
				if len(o.Value) == 4 {
					session.InPeerAddr = net.IP(append([]byte(nil), o.Value...))
				}
			case IPCPOptCompression:
				if len(o.Value) == 2 && binary.BigEndian.Uint16(o.Value) == ipcpVJCompression {
					session.InLCPOpts |= VJCOMP
				} else {
					return ErrUnknownOption
				}
			default:
				return ErrUnknownOption
			}
		case ProtoIPv6CP:
			switch o.Tag {
			case IP6CPOptInterfaceID:
				if len(o.Value) == 8 {
					copy(session.InIPv6IntIdent[:], o.Value)
				}
			default:
				return ErrUnknownOption
			}
		default:
			return ErrUnsupportedProtocol
		}
	}
	return nil
}

// HandleIncoming processes one decoded control packet for proto,
// mutating session and returning any reply frame body (sans outer/
// inner framing — the caller frames and enqueues it) that must be
// sent. A nil reply with a nil error means "processed, nothing to
// send" (e.g. Configure-Ack, Echo-Reply, Discard-Request).
func HandleIncoming(session *Session, proto uint16, cp ConfigPacket, now time.Time) (replyCode uint8, replyBody []byte, err error) {
	ncp := ncpRecord(session, proto)
	if ncp == nil {
		return 0, nil, ErrUnsupportedProtocol
	}

	switch cp.Code {
	case ConfReq:
		if err := absorbConfigureRequest(session, proto, cp.Options); err != nil {
			return 0, nil, err
		}
		ncp.set(ConfReqReceived | ConfAckSent)
		return ConfAck, encodeConfigPacket(ConfAck, cp.ID, cp.RawOptions), nil

	case ConfAck:
		ncp.set(ConfAckReceived)
		return 0, nil, nil

	case ConfNak, ConfRej, CodeRej, ProtoRej:
		return 0, nil, ErrUnknownOption

	case TermReq:
		ncp.set(TermReqReceived | TermAckSent)
		session.QuitReason = string(cp.Trailer)
		session.Phase = PhaseTerminate
		return TermAck, encodeConfigPacket(TermAck, cp.ID, nil), nil

	case TermAck:
		ncp.set(TermAckReceived)
		session.QuitReason = string(cp.Trailer)
		session.Phase = PhaseTerminate
		return 0, nil, nil

	case EchoReq:
		if session.Phase < PhaseOpened {
			return 0, nil, nil
		}
		var magic [4]byte
		binary.BigEndian.PutUint32(magic[:], session.chooseOutMagic(now))
		return EchoRep, encodeConfigPacket(EchoRep, cp.ID, magic[:]), nil

	case EchoRep, DiscReq:
		return 0, nil, nil

	default:
		return 0, nil, ErrUnknownOption
	}
}
