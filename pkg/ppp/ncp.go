package ppp

import "time"

// NcpFlags is the bitmask tracking per-NCP negotiation progress. A
// client negotiating against a single peer needs only sent/received
// bookkeeping, not the full RFC 1661 ten-state automaton a server-side
// FSM would carry.
type NcpFlags uint16

const (
	ConfReqReceived NcpFlags = 1 << iota
	ConfReqSent
	ConfAckReceived
	ConfAckSent
	TermReqSent
	TermReqReceived
	TermAckSent
	TermAckReceived
)

// NcpRecord is the per-subprotocol negotiation state for LCP, IPCP, or
// IP6CP.
type NcpRecord struct {
	State   NcpFlags
	ID      uint8
	LastReq time.Time
}

func (n *NcpRecord) Has(flags NcpFlags) bool {
	return n.State&flags == flags
}

func (n *NcpRecord) set(flags NcpFlags) {
	n.State |= flags
}

// Converged reports whether both directions of the Configure-Ack
// handshake have completed for this NCP.
func (n *NcpRecord) Converged() bool {
	return n.Has(ConfAckSent) && n.Has(ConfAckReceived)
}

// dueForRetransmit reports whether a Configure-Request for this NCP
// should be (re)sent: it hasn't been ack'd yet and the retransmit
// deadline (last_req + 3s) has elapsed, or none has ever been sent.
func (n *NcpRecord) dueForRetransmit(now time.Time) bool {
	if n.Has(ConfAckReceived) {
		return false
	}
	return n.LastReq.IsZero() || !now.Before(n.LastReq.Add(ncpRetransmitInterval))
}

// ncpRetransmitInterval is the fixed Configure-Request retransmit
// timer. There is no backoff and no retry cap — the outer
// keepalive/DPD layer is what eventually kills a stuck session.
const ncpRetransmitInterval = 3 * time.Second

// markRequestSent records that a Configure-Request was just queued for
// this NCP. The id is fixed at 1 and not incremented on retransmit;
// peers key on the option echo, not the id.
func (n *NcpRecord) markRequestSent(now time.Time) {
	n.ID = 1
	n.LastReq = now
	n.set(ConfReqSent)
}
