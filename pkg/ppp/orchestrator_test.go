package ppp

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/veesix-networks/ppptun/internal/testpkts"
)

type fakeTransport struct {
	reads            [][]byte
	writes           [][]byte
	wouldBlockWrites int
	lastAttemptAddr  *byte
	lastAttemptLen   int
	reconnects       int
}

func (f *fakeTransport) Read(buf []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, ErrWouldBlock
	}
	fr := f.reads[0]
	f.reads = f.reads[1:]
	copy(buf, fr)
	return len(fr), nil
}

func (f *fakeTransport) Write(buf []byte) (int, error) {
	f.lastAttemptAddr = &buf[0]
	f.lastAttemptLen = len(buf)
	if f.wouldBlockWrites > 0 {
		f.wouldBlockWrites--
		return 0, ErrWouldBlock
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeTransport) Reconnect() error {
	f.reconnects++
	return nil
}

func (f *fakeTransport) feed(frames ...[]byte) {
	f.reads = append(f.reads, frames...)
}

type fakeKeepalive struct {
	verdicts []KeepaliveVerdict
	rxSeen   int
	deadline time.Time
}

func (f *fakeKeepalive) Verdict(now time.Time) KeepaliveVerdict {
	if len(f.verdicts) == 0 {
		return KaNone
	}
	v := f.verdicts[0]
	f.verdicts = f.verdicts[1:]
	return v
}

func (f *fakeKeepalive) ObserveRx(now time.Time) { f.rxSeen++ }

func (f *fakeKeepalive) NextDeadline(now time.Time) time.Time { return f.deadline }

func newTestOrch(t *testing.T, cfg NewSessionConfig) (*Orchestrator, *fakeTransport, *fakeKeepalive) {
	t.Helper()
	tr := &fakeTransport{}
	ka := &fakeKeepalive{}
	o := NewOrchestrator(NewSession(cfg), OrchestratorConfig{
		Transport: tr,
		Keepalive: ka,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return o, tr, ka
}

// peerFrame wraps a control/data payload the way the concentrator
// sends it: F5 outer header, full address/control, full protocol.
func peerFrame(proto uint16, body []byte) []byte {
	frame := []byte{0xff, 0x03, byte(proto >> 8), byte(proto)}
	frame = append(frame, body...)
	out := []byte{0xf5, 0x00, byte(len(frame) >> 8), byte(len(frame))}
	return append(out, frame...)
}

// decodeWire unpacks one of our transmitted frames. The decode session
// has PFC/ACFC armed since our sender enables them after the first LCP
// request.
func decodeWire(t *testing.T, wire []byte) (uint16, []byte) {
	t.Helper()
	frame, err := DecodeOuter(wire)
	if err != nil {
		t.Fatalf("DecodeOuter: %v", err)
	}
	in := &Session{Encap: EncapF5Raw, InLCPOpts: ACCOMP | PFCOMP}
	proto, payload, _, err := DecodeInner(in, frame)
	if err != nil {
		t.Fatalf("DecodeInner: %v", err)
	}
	return proto, payload
}

func tick(t *testing.T, o *Orchestrator, readable bool, now time.Time) int {
	t.Helper()
	work, err := o.MainloopTick(readable, nil, now)
	if err != nil {
		t.Fatalf("MainloopTick: %v (quit_reason=%q)", err, o.Session().QuitReason)
	}
	return work
}

// markConverged fast-forwards a session to the NETWORK phase.
func markConverged(o *Orchestrator) {
	s := o.Session()
	s.LCP.set(ConfReqSent | ConfReqReceived | ConfAckSent | ConfAckReceived)
	s.LCP.LastReq = t0
	if s.WantIPv4 {
		s.IPCP.set(ConfReqSent | ConfReqReceived | ConfAckSent | ConfAckReceived)
		s.IPCP.LastReq = t0
	}
	if s.WantIPv6 {
		s.IP6CP.set(ConfReqSent | ConfReqReceived | ConfAckSent | ConfAckReceived)
		s.IP6CP.LastReq = t0
	}
	s.Phase = PhaseNetwork
	s.OutLCPOpts = ACCOMP | PFCOMP
}

func TestCleanLCPBringUp(t *testing.T) {
	o, tr, ka := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})

	// LCP Configure-Request id=1 with MTU=1500 and magic 0x11223344.
	tr.feed(peerFrame(ProtoLCP, encodeConfigPacket(ConfReq, 1, lcpReqOpts)))

	tick(t, o, true, t0)
	tick(t, o, false, t0)

	s := o.Session()
	if s.Phase != PhaseEstablish {
		t.Fatalf("phase = %s", s.Phase)
	}
	if s.InLCPMagic != 0x11223344 {
		t.Errorf("in_lcp_magic = %08x", s.InLCPMagic)
	}
	if s.MTU != 1500 {
		t.Errorf("mtu = %d", s.MTU)
	}
	if ka.rxSeen != 1 {
		t.Errorf("keepalive saw %d frames", ka.rxSeen)
	}

	if len(tr.writes) != 2 {
		t.Fatalf("want 2 outbound frames, got %d", len(tr.writes))
	}

	// First out: our Configure-Request with our option set.
	proto, payload := decodeWire(t, tr.writes[0])
	if proto != ProtoLCP || payload[0] != ConfReq || payload[1] != 1 {
		t.Fatalf("first frame: proto %04x code %d id %d", proto, payload[0], payload[1])
	}
	opts, err := ParseOptions(payload[4:])
	if err != nil {
		t.Fatalf("our request options: %v", err)
	}
	if _, ok := findOption(opts, LCPOptMagic); !ok {
		t.Error("our request lacks a magic number")
	}

	// Second out: Configure-Ack echoing the peer's option bytes, id 1.
	proto, payload = decodeWire(t, tr.writes[1])
	if proto != ProtoLCP || payload[0] != ConfAck || payload[1] != 1 {
		t.Fatalf("second frame: proto %04x code %d id %d", proto, payload[0], payload[1])
	}
	if !bytes.Equal(payload[4:], lcpReqOpts) {
		t.Fatalf("ack does not echo options:\nwant %x\n got %x", lcpReqOpts, payload[4:])
	}
}

func TestLCPRetransmit(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})

	countConfReqs := func() int {
		n := 0
		for _, w := range tr.writes {
			if proto, payload := decodeWire(t, w); proto == ProtoLCP && payload[0] == ConfReq {
				n++
			}
		}
		return n
	}

	tick(t, o, false, t0)
	if countConfReqs() != 1 {
		t.Fatalf("after first tick: %d requests", countConfReqs())
	}

	tick(t, o, false, t0.Add(time.Second))
	if countConfReqs() != 1 {
		t.Fatalf("premature retransmit: %d requests", countConfReqs())
	}

	tick(t, o, false, t0.Add(3*time.Second))
	if countConfReqs() != 2 {
		t.Fatalf("missing retransmit at +3s: %d requests", countConfReqs())
	}

	tick(t, o, false, t0.Add(4*time.Second))
	if countConfReqs() != 2 {
		t.Fatalf("spurious retransmit at +4s: %d requests", countConfReqs())
	}
}

func TestPhaseAdvanceToNetwork(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	s := o.Session()

	var seen []Phase
	step := func(readable bool, now time.Time) {
		tick(t, o, readable, now)
		seen = append(seen, s.Phase)
	}

	step(false, t0)
	if s.Phase != PhaseEstablish {
		t.Fatalf("phase = %s", s.Phase)
	}

	peerOpts := SerializeOptions([]Option{BE32Option(LCPOptMagic, 0x11223344)})
	tr.feed(
		peerFrame(ProtoLCP, encodeConfigPacket(ConfReq, 1, peerOpts)),
		peerFrame(ProtoLCP, encodeConfigPacket(ConfAck, 1, nil)),
	)
	step(true, t0.Add(time.Second))
	step(false, t0.Add(time.Second))
	if s.Phase != PhaseOpened {
		t.Fatalf("phase after LCP convergence = %s", s.Phase)
	}

	tr.feed(
		peerFrame(ProtoIPCP, encodeConfigPacket(ConfReq, 1,
			SerializeOptions([]Option{{Tag: IPCPOptAddress, Value: []byte{10, 0, 0, 1}}}))),
		peerFrame(ProtoIPCP, encodeConfigPacket(ConfAck, 1, nil)),
	)
	step(true, t0.Add(2*time.Second))
	step(false, t0.Add(2*time.Second))
	if s.Phase != PhaseNetwork {
		t.Fatalf("phase after IPCP convergence = %s", s.Phase)
	}

	// Phases only ever moved forward.
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("phase regressed: %s -> %s", seen[i-1], seen[i])
		}
	}

	// An inbound IPv4 datagram now lands on the ingress queue intact.
	payload, err := testpkts.UDP4(net.IPv4(192, 0, 2, 1), net.IPv4(198, 51, 100, 7), 4500, 53, []byte("ping"))
	if err != nil {
		t.Fatalf("testpkts: %v", err)
	}
	tr.feed(peerFrame(ProtoIP, payload))
	step(true, t0.Add(3*time.Second))

	pkt := o.Ingress().Dequeue()
	if pkt == nil {
		t.Fatal("ingress queue empty")
	}
	if !bytes.Equal(pkt.Payload(), payload) {
		t.Fatalf("ingress payload mismatch:\nwant %x\n got %x", payload, pkt.Payload())
	}
}

func TestDataDroppedOutsideNetworkPhase(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	tr.feed(peerFrame(ProtoIP, []byte{0x45, 0x00}))
	tick(t, o, true, t0)
	if o.Ingress().Len() != 0 {
		t.Fatal("data frame delivered before NETWORK phase")
	}
}

func TestDPDEchoRequest(t *testing.T) {
	o, tr, ka := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)
	o.Session().OutLCPMagic = 0xdeadbeef
	ka.verdicts = []KeepaliveVerdict{KaDPD}

	tick(t, o, false, t0)

	if len(tr.writes) != 1 {
		t.Fatalf("want 1 frame, got %d", len(tr.writes))
	}
	proto, payload := decodeWire(t, tr.writes[0])
	if proto != ProtoLCP || payload[0] != EchoReq {
		t.Fatalf("want LCP Echo-Request, got proto %04x code %d", proto, payload[0])
	}
	if binary.BigEndian.Uint32(payload[4:8]) != 0xdeadbeef {
		t.Fatalf("echo magic = %x", payload[4:8])
	}
}

func TestKeepaliveDiscardRequest(t *testing.T) {
	o, tr, ka := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)

	// With pending egress data, the keepalive is suppressed and the
	// data frame goes out instead.
	data := NewPacket(64, maxReceiveHeader)
	data.SetPayload([]byte{0x45, 0x00, 0x00, 0x04})
	o.Egress().Enqueue(data)
	ka.verdicts = []KeepaliveVerdict{KaKeepalive}
	tick(t, o, false, t0)

	proto, _ := decodeWire(t, tr.writes[0])
	if proto != ProtoIP {
		t.Fatalf("want suppressed keepalive and a data frame, got proto %04x", proto)
	}

	// With idle queues the Discard-Request goes out.
	ka.verdicts = []KeepaliveVerdict{KaKeepalive}
	tick(t, o, false, t0.Add(time.Second))

	proto, payload := decodeWire(t, tr.writes[1])
	if proto != ProtoLCP || payload[0] != DiscReq {
		t.Fatalf("want LCP Discard-Request, got proto %04x code %d", proto, payload[0])
	}
}

func TestTerminateRequest(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)

	tr.feed(peerFrame(ProtoLCP, encodeConfigPacket(TermReq, 9, []byte("bye"))))
	work := tick(t, o, true, t0)
	if work != TickProgress {
		t.Fatalf("work = %d", work)
	}

	s := o.Session()
	if s.Phase != PhaseTerminate || s.QuitReason != "bye" {
		t.Fatalf("phase = %s, quit_reason = %q", s.Phase, s.QuitReason)
	}
	if len(tr.writes) != 1 {
		t.Fatalf("want 1 frame, got %d", len(tr.writes))
	}
	proto, payload := decodeWire(t, tr.writes[0])
	if proto != ProtoLCP || payload[0] != TermAck || payload[1] != 9 {
		t.Fatalf("want Terminate-Ack id 9, got proto %04x code %d id %d", proto, payload[0], payload[1])
	}
	if !o.Done() {
		t.Fatal("orchestrator not done")
	}

	// Every subsequent tick reports the terminate signal.
	if work := tick(t, o, false, t0.Add(time.Second)); work != TickProgress {
		t.Fatalf("post-terminate work = %d", work)
	}
}

func TestControlPriority(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)

	data := NewPacket(64, maxReceiveHeader)
	data.SetPayload([]byte{0x45, 0x00, 0x00, 0x04})
	o.Egress().Enqueue(data)
	o.queueControl(ProtoLCP, encodeConfigPacket(DiscReq, 1, nil))

	tick(t, o, false, t0)
	tick(t, o, false, t0)

	if len(tr.writes) != 2 {
		t.Fatalf("want 2 frames, got %d", len(tr.writes))
	}
	if proto, _ := decodeWire(t, tr.writes[0]); proto != ProtoLCP {
		t.Fatalf("control frame not sent first: proto %04x", proto)
	}
	if proto, _ := decodeWire(t, tr.writes[1]); proto != ProtoIP {
		t.Fatalf("data frame not sent second: proto %04x", proto)
	}
}

func TestEgressClassifiesIPv6(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv6: true})
	markConverged(o)

	payload, err := testpkts.UDP6(net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::2"), 1000, 2000, []byte("six"))
	if err != nil {
		t.Fatalf("testpkts: %v", err)
	}
	pkt := NewPacket(len(payload), maxReceiveHeader)
	pkt.SetPayload(payload)
	o.Egress().Enqueue(pkt)

	tick(t, o, false, t0)

	proto, got := decodeWire(t, tr.writes[0])
	if proto != ProtoIPv6 {
		t.Fatalf("proto = %04x", proto)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mangled in flight")
	}
}

func TestWriteRetryByteIdentity(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)
	o.queueControl(ProtoLCP, encodeConfigPacket(DiscReq, 1, nil))

	tr.wouldBlockWrites = 2
	tick(t, o, false, t0)
	addr, length := tr.lastAttemptAddr, tr.lastAttemptLen
	if addr == nil {
		t.Fatal("no write attempted")
	}

	tick(t, o, false, t0)
	if tr.lastAttemptAddr != addr || tr.lastAttemptLen != length {
		t.Fatal("stalled write retried with different bytes")
	}

	tick(t, o, false, t0)
	if len(tr.writes) != 1 || tr.lastAttemptAddr != addr {
		t.Fatalf("flush mismatch: %d writes", len(tr.writes))
	}
}

func TestPartialWriteResumesTail(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)
	o.queueControl(ProtoLCP, encodeConfigPacket(DiscReq, 1, nil))

	tick(t, o, false, t0)
	full := tr.writes[0]

	// Simulate the transport having consumed only 3 bytes.
	o.pending = full[3:]
	o.pendingPkt = nil
	tick(t, o, false, t0)

	if !bytes.Equal(tr.writes[1], full[3:]) {
		t.Fatalf("tail retry mismatch:\nwant %x\n got %x", full[3:], tr.writes[1])
	}
}

func TestRekeyAndDeadPeerReconnect(t *testing.T) {
	for _, v := range []KeepaliveVerdict{KaRekey, KaDPDDead} {
		o, tr, ka := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
		markConverged(o)
		ka.verdicts = []KeepaliveVerdict{v}

		tick(t, o, false, t0)
		if tr.reconnects != 1 {
			t.Errorf("%s: reconnects = %d", v, tr.reconnects)
		}
		if o.Done() {
			t.Errorf("%s: session terminated instead of reconnecting", v)
		}
	}
}

func TestOuterHeaderMismatchDropped(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)

	tr.feed([]byte{0xf6, 0x00, 0x00, 0x04, 0xff, 0x03, 0xc0, 0x21})
	if work := tick(t, o, true, t0); work != TickIdle {
		// The drop itself is not progress; the loop carries on.
		t.Fatalf("work = %d", work)
	}
	tr.feed([]byte{0xf6, 0x00, 0x00, 0x04, 0xff, 0x03, 0xc0, 0x21})
	tick(t, o, true, t0.Add(time.Second))
	if o.Done() {
		t.Fatal("outer header mismatch must not terminate the session")
	}
}

func TestUnsupportedProtocolFatal(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})
	markConverged(o)

	tr.feed(peerFrame(0x80fd, []byte{0x01, 0x01, 0x00, 0x04}))
	if _, err := o.MainloopTick(true, nil, t0); err != ErrUnsupportedProtocol {
		t.Fatalf("want ErrUnsupportedProtocol, got %v", err)
	}
	if !o.Done() {
		t.Fatal("session must terminate on unsupported protocol")
	}
}

func TestTimeoutNarrowing(t *testing.T) {
	o, _, ka := newTestOrch(t, NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true})

	timeout := time.Minute
	if _, err := o.MainloopTick(false, &timeout, t0); err != nil {
		t.Fatal(err)
	}
	if timeout > 3*time.Second {
		t.Fatalf("timeout not narrowed to retransmit deadline: %v", timeout)
	}

	ka.deadline = t0.Add(time.Second)
	timeout = time.Minute
	if _, err := o.MainloopTick(false, &timeout, t0); err != nil {
		t.Fatal(err)
	}
	if timeout > time.Second {
		t.Fatalf("timeout not narrowed to keepalive deadline: %v", timeout)
	}
}

func TestHDLCBringUpEscapes(t *testing.T) {
	o, tr, _ := newTestOrch(t, NewSessionConfig{Encap: EncapF5HDLC, WantIPv4: true})

	tick(t, o, false, t0)

	if len(tr.writes) != 1 {
		t.Fatalf("want 1 frame, got %d", len(tr.writes))
	}
	frame := tr.writes[0][4:]
	// The Configure-Request body starts with code 0x01, which the
	// all-ones LCP asyncmap must transmit as 7d 21.
	if !bytes.Contains(frame, []byte{0x7d, 0x21}) {
		t.Fatalf("expected escaped 0x01 in %x", frame)
	}
	if bytes.IndexByte(frame, 0x01) >= 0 {
		t.Fatalf("raw control byte survived escaping: %x", frame)
	}

	in := &Session{Encap: EncapF5HDLC}
	proto, payload, _, err := DecodeInner(in, frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if proto != ProtoLCP || payload[0] != ConfReq {
		t.Fatalf("decode: proto %04x code %d", proto, payload[0])
	}
}

func TestAltDataTransportParksEgress(t *testing.T) {
	alt := true
	tr := &fakeTransport{}
	o := NewOrchestrator(NewSession(NewSessionConfig{Encap: EncapF5Raw, WantIPv4: true}), OrchestratorConfig{
		Transport:        tr,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		AltDataConnected: func() bool { return alt },
	})
	markConverged(o)

	data := NewPacket(64, maxReceiveHeader)
	data.SetPayload([]byte{0x45, 0x00})
	o.Egress().Enqueue(data)

	tick(t, o, false, t0)
	if len(tr.writes) != 0 {
		t.Fatal("egress drained while an alternate data transport owns data flow")
	}

	alt = false
	tick(t, o, false, t0)
	if len(tr.writes) != 1 {
		t.Fatal("egress not drained after alternate transport disconnected")
	}
}
