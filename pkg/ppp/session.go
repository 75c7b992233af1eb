package ppp

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Session is the top-level negotiation state, mutated solely by the
// orchestrator. TraceID correlates log lines across the session's
// lifetime.
type Session struct {
	TraceID uuid.UUID

	Encap    EncapKind
	WantIPv4 bool
	WantIPv6 bool

	Phase Phase

	LCP   NcpRecord
	IPCP  NcpRecord
	IP6CP NcpRecord

	// Outgoing (our) negotiated options.
	OutAsyncmap     uint32
	OutLCPOpts      uint8
	OutLCPMagic     uint32 // stored in wire order
	OutPeerAddr     net.IP // our IPv4 address, proposed via IPCP option 3
	OutIPv6IntIdent [8]byte

	// Incoming (peer) negotiated options.
	InAsyncmap     uint32
	InLCPOpts      uint8
	InLCPMagic     uint32
	InPeerAddr     net.IP
	InIPv6IntIdent [8]byte

	// MTU is read when building our LCP request and overwritten if
	// the peer supplies its own MTU option in its Configure-Request.
	MTU uint16

	// UtilID is the monotonic counter for self-originated control ids
	// (Echo-Request / Discard-Request), distinct from each NCP's fixed
	// Configure-Request id.
	UtilID uint8

	// ExpPPPHdrSize is the observed (address+control+protocol) byte
	// count of the last successfully received data frame, used only to
	// pre-position the receive buffer.
	ExpPPPHdrSize int

	QuitReason string
}

// NewSessionConfig is the minimal constructor input: encapsulation
// kind and desired IP families. Local address, MTU, and IPv6 interface
// identifier are optional; the zero value means "let the peer assign
// it".
type NewSessionConfig struct {
	Encap     EncapKind
	WantIPv4  bool
	WantIPv6  bool
	LocalIPv4 net.IP
	LocalIPv6 net.IP
	MTU       uint16
}

// NewSession constructs a Session; mutation afterwards is the
// orchestrator's exclusive responsibility.
func NewSession(cfg NewSessionConfig) *Session {
	s := &Session{
		TraceID:       uuid.New(),
		Encap:         cfg.Encap,
		WantIPv4:      cfg.WantIPv4,
		WantIPv6:      cfg.WantIPv6,
		Phase:         PhaseDead,
		MTU:           cfg.MTU,
		ExpPPPHdrSize: maxPPPHeaderBytes,
	}
	if cfg.LocalIPv4 != nil {
		s.OutPeerAddr = cfg.LocalIPv4.To4()
	}
	if cfg.LocalIPv6 != nil && len(cfg.LocalIPv6) >= 16 {
		copy(s.OutIPv6IntIdent[:], cfg.LocalIPv6.To16()[8:16])
	}
	return s
}

// wantedNCPsConverged reports whether every NCP the session actually
// wants (IPCP if WantIPv4, IP6CP if WantIPv6) has converged — the
// precondition for entering PhaseNetwork.
func (s *Session) wantedNCPsConverged() bool {
	if s.WantIPv4 && !s.IPCP.Converged() {
		return false
	}
	if s.WantIPv6 && !s.IP6CP.Converged() {
		return false
	}
	return true
}

// NextUtilID returns the next self-originated control id and advances
// the counter.
func (s *Session) NextUtilID() uint8 {
	s.UtilID++
	return s.UtilID
}

// chooseOutMagic picks our LCP magic number on first LCP request:
// bitwise NOT of the peer's magic if already known, else any non-zero
// value. Once chosen it never changes for the session.
func (s *Session) chooseOutMagic(now time.Time) uint32 {
	if s.OutLCPMagic != 0 {
		return s.OutLCPMagic
	}
	if s.InLCPMagic != 0 {
		s.OutLCPMagic = ^s.InLCPMagic
	} else {
		// Any non-zero value; the wall-clock nanosecond count is as
		// good a source as the original's uninitialized stack word.
		v := uint32(now.UnixNano())
		if v == 0 {
			v = 1
		}
		s.OutLCPMagic = v
	}
	return s.OutLCPMagic
}

// DebugState is a snapshot of the negotiated option state for callers
// to log, without hard-coding a logger here.
type DebugState struct {
	Encap       EncapKind
	Phase       Phase
	InAsyncmap  uint32
	InLCPOpts   uint8
	InLCPMagic  uint32
	InPeerAddr  net.IP
	OutAsyncmap uint32
	OutLCPOpts  uint8
	OutLCPMagic uint32
	OutPeerAddr net.IP
}

func (s *Session) DebugState() DebugState {
	return DebugState{
		Encap:       s.Encap,
		Phase:       s.Phase,
		InAsyncmap:  s.InAsyncmap,
		InLCPOpts:   s.InLCPOpts,
		InLCPMagic:  s.InLCPMagic,
		InPeerAddr:  s.InPeerAddr,
		OutAsyncmap: s.OutAsyncmap,
		OutLCPOpts:  s.OutLCPOpts,
		OutLCPMagic: s.OutLCPMagic,
		OutPeerAddr: s.OutPeerAddr,
	}
}
