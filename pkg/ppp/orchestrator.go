package ppp

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"
)

// MainloopTick return values, per the mainloop contract: 0 means the
// tick was idle, positive means progress was made or the session
// terminated (check Done), and a non-nil error means a fatal condition
// ended the session.
const (
	TickIdle     = 0
	TickProgress = 1
)

// Orchestrator owns the PppSession, both outbound queues, and the
// transport. All session mutation happens on the single goroutine that
// calls MainloopTick; producers only touch the queues.
type Orchestrator struct {
	session   *Session
	transport Transport
	keepalive KeepaliveEngine

	control Queue
	egress  Queue
	ingress Queue

	pool *PacketPool
	log  *slog.Logger

	metrics *Metrics

	// altDataConnected reports whether an alternate data transport
	// (e.g. an ESP tunnel running beside the TLS control channel) owns
	// data flow; while it does, the egress data queue is not drained
	// here and pending data does not suppress keepalives. Nil means no
	// alternate transport ever.
	altDataConnected func() bool

	// pending pins the unflushed tail of an in-flight wire frame. The
	// slice always aliases pendingPkt's buffer (or the control frame's
	// own allocation), so a retry presents the same bytes at the same
	// address as the stalled attempt.
	pending    []byte
	pendingPkt *Packet

	readBuf []byte
}

// OrchestratorConfig carries the collaborators. Control, Egress, and
// Ingress default to fresh PacketQueues when nil; Logger defaults to
// slog.Default(); Metrics may stay nil to disable instrumentation.
type OrchestratorConfig struct {
	Transport Transport
	Keepalive KeepaliveEngine

	Control Queue
	Egress  Queue
	Ingress Queue

	Logger  *slog.Logger
	Metrics *Metrics

	AltDataConnected func() bool
}

func NewOrchestrator(session *Session, cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		session:          session,
		transport:        cfg.Transport,
		keepalive:        cfg.Keepalive,
		control:          cfg.Control,
		egress:           cfg.Egress,
		ingress:          cfg.Ingress,
		log:              cfg.Logger,
		metrics:          cfg.Metrics,
		altDataConnected: cfg.AltDataConnected,
	}
	if o.control == nil {
		o.control = NewPacketQueue()
	}
	if o.egress == nil {
		o.egress = NewPacketQueue()
	}
	if o.ingress == nil {
		o.ingress = NewPacketQueue()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.pool = NewPacketPool(o.maxFrameSize())
	return o
}

// Session exposes the session for UX reads (current phase, quit
// reason). Callers must not mutate it.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Phase reads the current PPP phase.
func (o *Orchestrator) Phase() Phase {
	return o.session.Phase
}

// Done reports whether the session has ended.
func (o *Orchestrator) Done() bool {
	return o.session.Phase == PhaseTerminate
}

// Ingress is where received IP/IPv6 payloads appear once the session
// reaches the NETWORK phase.
func (o *Orchestrator) Ingress() Queue {
	return o.ingress
}

// Egress is where the tun reader queues outbound IP datagrams.
func (o *Orchestrator) Egress() Queue {
	return o.egress
}

func (o *Orchestrator) maxFrameSize() int {
	if mtu := int(o.session.MTU); mtu > 16384 {
		return mtu
	}
	return 16384
}

func (o *Orchestrator) setPhase(next Phase) {
	if o.session.Phase == next {
		return
	}
	o.log.Info("PPP phase transition",
		"session_id", o.session.TraceID,
		"from", o.session.Phase.String(),
		"to", next.String())
	o.session.Phase = next
	o.metrics.observePhase(next)
}

func (o *Orchestrator) fatal(reason string, err error) error {
	if o.session.QuitReason == "" {
		o.session.QuitReason = reason
	}
	o.setPhase(PhaseTerminate)
	return err
}

// queueConfigRequest builds and enqueues a Configure-Request for proto
// and arms the NCP's retransmit timer. The request id is fixed at 1
// and not incremented on retransmit.
func (o *Orchestrator) queueConfigRequest(proto uint16, now time.Time) {
	ncp := ncpRecord(o.session, proto)
	retransmit := ncp.Has(ConfReqSent)
	ncp.markRequestSent(now)
	body := BuildConfigureRequest(o.session, proto, now)
	o.queueControl(proto, body)
	if retransmit {
		o.metrics.observeRetransmit(proto)
	}
	o.log.Debug("Queued Configure-Request",
		"session_id", o.session.TraceID,
		"proto", protoName(proto),
		"retransmit", retransmit)
}

func (o *Orchestrator) queueControl(proto uint16, body []byte) {
	pkt := o.pool.Get()
	pkt.SetPayload(body)
	pkt.Proto = proto
	o.control.Enqueue(pkt)
}

// advancePhases is step 2 of the tick: evaluate phase transitions and
// enqueue any Configure-Requests whose retransmit deadline elapsed.
func (o *Orchestrator) advancePhases(now time.Time) error {
	s := o.session

	switch s.Phase {
	case PhaseDead:
		o.setPhase(PhaseEstablish)
		fallthrough

	case PhaseEstablish:
		if s.LCP.Converged() {
			o.setPhase(PhaseOpened)
			return o.advancePhases(now)
		}
		if s.LCP.dueForRetransmit(now) {
			o.queueConfigRequest(ProtoLCP, now)
		}

	case PhaseOpened:
		if s.WantIPv4 && s.IPCP.dueForRetransmit(now) {
			o.queueConfigRequest(ProtoIPCP, now)
		}
		if s.WantIPv6 && s.IP6CP.dueForRetransmit(now) {
			o.queueConfigRequest(ProtoIPv6CP, now)
		}
		if s.wantedNCPsConverged() {
			o.setPhase(PhaseNetwork)
		}

	case PhaseNetwork, PhaseTerminate:

	case PhaseAuthenticate:
		return o.fatal("Unexpected state", ErrUnexpectedPhase)
	}
	return nil
}

// nextRetransmitDeadline returns the earliest pending Configure-Request
// deadline among the NCPs still negotiating, or the zero time.
func (o *Orchestrator) nextRetransmitDeadline() time.Time {
	var deadline time.Time
	consider := func(n *NcpRecord, wanted bool) {
		if !wanted || n.Has(ConfAckReceived) || n.LastReq.IsZero() {
			return
		}
		d := n.LastReq.Add(ncpRetransmitInterval)
		if deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	s := o.session
	consider(&s.LCP, true)
	consider(&s.IPCP, s.WantIPv4)
	consider(&s.IP6CP, s.WantIPv6)
	return deadline
}

// handleFrame processes one transport datagram: it strips the outer and
// inner headers and dispatches the payload by PPP protocol.
func (o *Orchestrator) handleFrame(buf []byte, now time.Time) (progress bool, err error) {
	frame, err := DecodeOuter(buf)
	if err == ErrOuterHeaderMismatch {
		o.log.Warn("Dropping frame with bad outer header",
			"session_id", o.session.TraceID, "len", len(buf))
		o.metrics.observeDrop()
		return false, nil
	}
	if err != nil {
		return false, o.fatal("Short packet received", err)
	}

	proto, payload, hdrLen, err := DecodeInner(o.session, frame)
	if err != nil {
		return false, o.fatal("Malformed PPP frame", err)
	}

	if o.keepalive != nil {
		o.keepalive.ObserveRx(now)
	}
	o.metrics.observeRx(proto)

	switch proto {
	case ProtoLCP, ProtoIPCP, ProtoIPv6CP:
		cp, err := ParseConfigPacket(payload)
		if err != nil {
			return false, o.fatal("Invalid options", err)
		}
		o.log.Debug("Received control packet",
			"session_id", o.session.TraceID,
			"proto", protoName(proto),
			"code", CodeName(cp.Code),
			"id", cp.ID)
		_, reply, err := HandleIncoming(o.session, proto, cp, now)
		if err != nil {
			return false, o.fatal("Invalid options", err)
		}
		if reply != nil {
			o.queueControl(proto, reply)
		}
		return true, nil

	case ProtoIP, ProtoIPv6:
		if o.session.Phase != PhaseNetwork {
			o.log.Debug("Dropping data frame outside NETWORK phase",
				"session_id", o.session.TraceID,
				"proto", protoName(proto),
				"phase", o.session.Phase.String())
			o.metrics.observeDrop()
			return false, nil
		}
		// Track the observed header size for receive-buffer
		// pre-positioning. Each frame gets a fresh pooled Packet, so
		// the payload lands at the canonical offset either way.
		if hdrLen != o.session.ExpPPPHdrSize {
			o.session.ExpPPPHdrSize = hdrLen
		}
		pkt := o.pool.Get()
		pkt.SetPayload(payload)
		pkt.Proto = proto
		if o.log.Enabled(context.Background(), slog.LevelDebug) {
			o.log.Debug("Tunneled packet in",
				"session_id", o.session.TraceID,
				"ip", ipPacketSummary(payload))
		}
		o.ingress.Enqueue(pkt)
		return true, nil

	default:
		return false, o.fatal("Unsupported PPP protocol", ErrUnsupportedProtocol)
	}
}

// drainTransport is step 3: read and dispatch frames until the
// transport would block.
func (o *Orchestrator) drainTransport(now time.Time) (progress bool, err error) {
	if cap(o.readBuf) < o.maxFrameSize() {
		o.readBuf = make([]byte, o.maxFrameSize())
	}
	for {
		n, rerr := o.transport.Read(o.readBuf[:o.maxFrameSize()])
		if rerr == ErrWouldBlock {
			return progress, nil
		}
		if rerr != nil {
			return progress, o.reconnect(rerr)
		}
		p, herr := o.handleFrame(o.readBuf[:n], now)
		if herr != nil {
			return progress, herr
		}
		progress = progress || p
	}
}

// flushPending is step 4: retry a stalled write with the identical
// byte range.
func (o *Orchestrator) flushPending() (progress bool, err error) {
	if o.pending == nil {
		return false, nil
	}
	n, werr := o.transport.Write(o.pending)
	if werr == ErrWouldBlock {
		return false, nil
	}
	if werr != nil {
		return false, o.reconnect(werr)
	}
	if n < len(o.pending) {
		o.pending = o.pending[n:]
		return true, nil
	}
	o.releasePending()
	return true, nil
}

func (o *Orchestrator) releasePending() {
	if o.pendingPkt != nil {
		o.pool.Put(o.pendingPkt)
		o.pendingPkt = nil
	}
	o.pending = nil
}

func (o *Orchestrator) reconnect(cause error) error {
	o.log.Warn("Reconnecting transport",
		"session_id", o.session.TraceID, "error", cause)
	o.releasePending()
	if err := o.transport.Reconnect(); err != nil {
		return o.fatal("Transport failure", err)
	}
	return nil
}

// applyKeepalive is step 5: consume the keepalive/DPD verdict.
func (o *Orchestrator) applyKeepalive(now time.Time) error {
	if o.keepalive == nil {
		return nil
	}
	switch v := o.keepalive.Verdict(now); v {
	case KaNone:

	case KaKeepalive:
		dataIdle := o.altDataOwned() || o.egress.Len() == 0
		if o.control.Len() == 0 && dataIdle {
			id := o.session.NextUtilID()
			o.queueControl(ProtoLCP, encodeConfigPacket(DiscReq, id, nil))
			o.log.Debug("Queued keepalive Discard-Request",
				"session_id", o.session.TraceID, "id", id)
		}

	case KaDPD:
		var magic [4]byte
		binary.BigEndian.PutUint32(magic[:], o.session.chooseOutMagic(now))
		id := o.session.NextUtilID()
		o.queueControl(ProtoLCP, encodeConfigPacket(EchoReq, id, magic[:]))
		o.log.Debug("Queued DPD Echo-Request",
			"session_id", o.session.TraceID, "id", id)

	case KaRekey:
		return o.reconnect(errString("rekey requested"))

	case KaDPDDead:
		o.log.Warn("Dead peer detected", "session_id", o.session.TraceID)
		return o.reconnect(ErrPeerDead)
	}
	return nil
}

func (o *Orchestrator) altDataOwned() bool {
	return o.altDataConnected != nil && o.altDataConnected()
}

// sendNext is step 6: dequeue and transmit one frame, control queue
// first, then (in NETWORK phase, when this transport owns data flow)
// the egress data queue.
func (o *Orchestrator) sendNext(now time.Time) (progress bool, err error) {
	if o.pending != nil {
		return false, nil
	}

	var pkt *Packet
	if pkt = o.control.Dequeue(); pkt != nil {
		// control frames carry their protocol from enqueue time
	} else if o.session.Phase == PhaseNetwork && !o.altDataOwned() {
		if pkt = o.egress.Dequeue(); pkt != nil {
			pkt.Proto = classifyDataProto(pkt.Payload())
		}
	}
	if pkt == nil {
		return false, nil
	}

	EncodeFrameInto(pkt, o.session, pkt.Proto)
	wire := pkt.Bytes()
	o.metrics.observeTx(pkt.Proto)

	n, werr := o.transport.Write(wire)
	if werr == ErrWouldBlock {
		o.pending = wire
		o.pendingPkt = pkt
		return true, nil
	}
	if werr != nil {
		o.pool.Put(pkt)
		return false, o.reconnect(werr)
	}
	if n < len(wire) {
		o.pending = wire[n:]
		o.pendingPkt = pkt
		return true, nil
	}
	o.pool.Put(pkt)
	return true, nil
}

// narrowTimeout shortens *timeout so the caller wakes for the next NCP
// retransmit or keepalive deadline.
func (o *Orchestrator) narrowTimeout(timeout *time.Duration, now time.Time) {
	if timeout == nil {
		return
	}
	narrow := func(deadline time.Time) {
		if deadline.IsZero() {
			return
		}
		d := deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < *timeout {
			*timeout = d
		}
	}
	narrow(o.nextRetransmitDeadline())
	if o.keepalive != nil {
		narrow(o.keepalive.NextDeadline(now))
	}
}

// MainloopTick runs one cooperative scheduling tick. readable hints
// that the transport has data waiting; timeout, when non-nil, is
// narrowed to the next timer deadline so the caller knows how long it
// may sleep. Returns TickProgress when any frame moved or the session
// terminated, TickIdle otherwise; a non-nil error is fatal and the
// caller must tear the transport down.
func (o *Orchestrator) MainloopTick(readable bool, timeout *time.Duration, now time.Time) (int, error) {
	if o.transport == nil {
		return TickIdle, o.fatal("Transport failure", errString("no transport"))
	}
	if o.session.Phase == PhaseTerminate {
		return TickProgress, nil
	}

	progress := false

	if err := o.advancePhases(now); err != nil {
		return TickIdle, err
	}

	if readable {
		p, err := o.drainTransport(now)
		progress = progress || p
		if err != nil {
			return boolTick(progress), err
		}
		if o.session.Phase == PhaseTerminate {
			// deliver any queued Terminate-Ack before reporting the end
			if _, err := o.sendNext(now); err != nil {
				return TickProgress, err
			}
			return TickProgress, nil
		}
	}

	p, err := o.flushPending()
	if err != nil {
		return boolTick(progress), err
	}
	progress = progress || p

	if err := o.applyKeepalive(now); err != nil {
		return boolTick(progress), err
	}

	p, err = o.sendNext(now)
	if err != nil {
		return boolTick(progress), err
	}
	progress = progress || p

	o.narrowTimeout(timeout, now)
	return boolTick(progress), nil
}

func boolTick(progress bool) int {
	if progress {
		return TickProgress
	}
	return TickIdle
}

func protoName(proto uint16) string {
	switch proto {
	case ProtoLCP:
		return "LCP"
	case ProtoIPCP:
		return "IPCP"
	case ProtoIPv6CP:
		return "IP6CP"
	case ProtoIP:
		return "IPv4"
	case ProtoIPv6:
		return "IPv6"
	default:
		return "unknown"
	}
}
