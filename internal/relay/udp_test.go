package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/s2p/internal/metrics"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/stream"
)

// udpEcho starts a loopback UDP server that answers every datagram with
// tag + "|" + payload.
func udpEcho(t *testing.T, tag string) protocol.TargetAddress {
	t.Helper()

	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			reply := append([]byte(tag+"|"), buf[:n]...)
			pc.WriteToUDPAddrPort(reply, from)
		}
	}()

	return protocol.TargetFromUDPAddr(pc.LocalAddr().(*net.UDPAddr))
}

// udpPeer is the client end of a stream-framed association.
type udpPeer struct {
	t  *testing.T
	c  *stream.Conn
	fr *protocol.Reader
}

func (p *udpPeer) send(target protocol.TargetAddress, payload string) {
	p.t.Helper()
	buf, err := protocol.EncodeUDPDatagram(&protocol.UDPDatagram{Target: target, Payload: []byte(payload)})
	if err != nil {
		p.t.Fatalf("EncodeUDPDatagram() error = %v", err)
	}
	if _, err := p.c.Write(buf); err != nil {
		p.t.Fatalf("Write() error = %v", err)
	}
}

func (p *udpPeer) recv() *protocol.UDPDatagram {
	p.t.Helper()
	p.c.SetDeadline(time.Now().Add(3 * time.Second))
	defer p.c.SetDeadline(time.Time{})
	d, err := p.fr.ReadUDPDatagram()
	if err != nil {
		p.t.Fatalf("ReadUDPDatagram() error = %v", err)
	}
	return d
}

type serveResult struct {
	stats UDPStats
	err   error
}

func startUDP(t *testing.T, u *UDP) (*udpPeer, <-chan serveResult) {
	t.Helper()

	client, carrier := stream.Pipe()
	t.Cleanup(func() { client.Close() })

	done := make(chan serveResult, 1)
	go func() {
		stats, err := u.Serve(context.Background(), NewStreamChannel(carrier))
		done <- serveResult{stats, err}
	}()
	return &udpPeer{t: t, c: client, fr: protocol.NewReader(client)}, done
}

func finishUDP(t *testing.T, p *udpPeer, done <-chan serveResult) serveResult {
	t.Helper()
	p.c.CloseWrite()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return serveResult{}
	}
}

type staticResolver map[string]netip.AddrPort

func (r staticResolver) Resolve(ctx context.Context, target protocol.TargetAddress) (netip.AddrPort, error) {
	ap, ok := r[target.Domain]
	if !ok {
		return netip.AddrPort{}, errors.New("no such host")
	}
	return ap, nil
}

func TestUDPConfig_IsPortAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		port    uint16
		want    bool
	}{
		{nil, 53, true},
		{[]string{"*"}, 9999, true},
		{[]string{"53", "123"}, 123, true},
		{[]string{"53", "123"}, 124, false},
	}

	for _, tt := range tests {
		cfg := UDPConfig{AllowedPorts: tt.allowed}
		if got := cfg.IsPortAllowed(tt.port); got != tt.want {
			t.Errorf("IsPortAllowed(%v, %d) = %v, want %v", tt.allowed, tt.port, got, tt.want)
		}
	}
}

func TestUDP_InterleavedTargets(t *testing.T) {
	a := udpEcho(t, "A")
	b := udpEcho(t, "B")

	peer, done := startUDP(t, NewUDP(UDPConfig{}))

	peer.send(a, "a1")
	peer.send(b, "b1")
	peer.send(a, "a2")

	got := make(map[string]protocol.TargetAddress)
	for range 3 {
		d := peer.recv()
		got[string(d.Payload)] = d.Target
	}

	want := map[string]protocol.TargetAddress{
		"A|a1": a,
		"B|b1": b,
		"A|a2": a,
	}
	for payload, target := range want {
		if got[payload] != target {
			t.Errorf("reply %q attributed to %v, want %v", payload, got[payload], target)
		}
	}

	res := finishUDP(t, peer, done)
	if res.err != nil {
		t.Errorf("Serve() error = %v", res.err)
	}
	if res.stats.Flows != 2 {
		t.Errorf("Flows = %d, want 2", res.stats.Flows)
	}
	if res.stats.Outbound != 3 || res.stats.Inbound != 3 {
		t.Errorf("stats = %+v, want 3 each way", res.stats)
	}
}

func TestUDP_DomainTargetKeepsName(t *testing.T) {
	a := udpEcho(t, "A")
	ap, _ := a.AddrPort()

	u := NewUDP(UDPConfig{Resolver: staticResolver{"echo.test": ap}})
	peer, done := startUDP(t, u)

	target, err := protocol.DomainTarget("echo.test", a.Port)
	if err != nil {
		t.Fatalf("DomainTarget() error = %v", err)
	}
	peer.send(target, "hi")

	d := peer.recv()
	if d.Target != target {
		t.Errorf("reply target = %v, want %v", d.Target, target)
	}
	if string(d.Payload) != "A|hi" {
		t.Errorf("reply payload = %q", d.Payload)
	}

	finishUDP(t, peer, done)
}

func TestUDP_IdleEvictionRecreatesFlow(t *testing.T) {
	a := udpEcho(t, "A")

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	u := NewUDP(UDPConfig{IdleTimeout: 100 * time.Millisecond, Metrics: m})
	peer, done := startUDP(t, u)

	peer.send(a, "first")
	if d := peer.recv(); string(d.Payload) != "A|first" {
		t.Fatalf("reply = %q", d.Payload)
	}

	deadline := time.Now().Add(3 * time.Second)
	for testutil.ToFloat64(m.UDPFlowsEvicted) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("flow was never evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := testutil.ToFloat64(m.UDPFlowsActive); got != 0 {
		t.Errorf("active flows after eviction = %v, want 0", got)
	}

	peer.send(a, "second")
	if d := peer.recv(); string(d.Payload) != "A|second" {
		t.Fatalf("reply = %q", d.Payload)
	}

	res := finishUDP(t, peer, done)
	if res.stats.Flows != 2 {
		t.Errorf("Flows = %d, want 2 (evicted flow re-created)", res.stats.Flows)
	}
}

func TestUDP_SweepUsesLastActivity(t *testing.T) {
	u := NewUDP(UDPConfig{IdleTimeout: time.Minute})
	s := &udpSession{u: u, flows: make(map[string]*flow)}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	base := time.Now()
	f := &flow{key: "k", conn: conn}
	f.touch(base)
	s.flows["k"] = f

	if n := s.sweep(base.Add(30 * time.Second)); n != 0 {
		t.Errorf("sweep before timeout evicted %d", n)
	}
	f.touch(base.Add(50 * time.Second))
	if n := s.sweep(base.Add(90 * time.Second)); n != 0 {
		t.Errorf("sweep after recent activity evicted %d", n)
	}
	if n := s.sweep(base.Add(111 * time.Second)); n != 1 {
		t.Errorf("sweep after timeout evicted %d, want 1", n)
	}
	if len(s.flows) != 0 {
		t.Errorf("table still holds %d flows", len(s.flows))
	}
}

func TestUDP_MaxFlows(t *testing.T) {
	a := udpEcho(t, "A")
	b := udpEcho(t, "B")

	peer, done := startUDP(t, NewUDP(UDPConfig{MaxFlows: 1}))

	peer.send(a, "a1")
	if d := peer.recv(); d.Target != a {
		t.Fatalf("reply from %v, want %v", d.Target, a)
	}
	peer.send(b, "b1")

	res := finishUDP(t, peer, done)
	if res.stats.Flows != 1 || res.stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 flow and 1 drop", res.stats)
	}
}

func TestUDP_PortNotAllowed(t *testing.T) {
	a := udpEcho(t, "A")

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	peer, done := startUDP(t, NewUDP(UDPConfig{AllowedPorts: []string{"53"}, Metrics: m}))

	peer.send(a, "nope")

	res := finishUDP(t, peer, done)
	if res.stats.Dropped != 1 || res.stats.Flows != 0 {
		t.Errorf("stats = %+v, want the datagram dropped", res.stats)
	}
	if got := testutil.ToFloat64(m.UDPDatagramsDropped.WithLabelValues(dropPortNotAllowed)); got != 1 {
		t.Errorf("dropped{port_not_allowed} = %v, want 1", got)
	}
}

func TestUDP_UnresolvableDomainDropped(t *testing.T) {
	u := NewUDP(UDPConfig{Resolver: staticResolver{}})
	peer, done := startUDP(t, u)

	target, _ := protocol.DomainTarget("missing.test", 53)
	peer.send(target, "q")

	res := finishUDP(t, peer, done)
	if res.err != nil {
		t.Errorf("Serve() error = %v, a resolve failure must not end the association", res.err)
	}
	if res.stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", res.stats.Dropped)
	}
}

func TestUDP_PortZeroDropped(t *testing.T) {
	a := udpEcho(t, "A")

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	peer, done := startUDP(t, NewUDP(UDPConfig{Metrics: m}))

	// 127.0.0.1 port 0, one byte of payload. The encoder refuses to build
	// this, so the frame is written by hand.
	frame := []byte{protocol.AddrTypeIPv4, 127, 0, 0, 1, 0, 0, 0, 1, 'x'}
	if _, err := peer.c.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	peer.send(a, "ok")
	if d := peer.recv(); string(d.Payload) != "A|ok" {
		t.Fatalf("reply = %q", d.Payload)
	}

	res := finishUDP(t, peer, done)
	if res.err != nil {
		t.Errorf("Serve() error = %v, an invalid target must not end the association", res.err)
	}
	if res.stats.Flows != 1 || res.stats.Dropped != 1 || res.stats.Outbound != 1 {
		t.Errorf("stats = %+v, want one flow, one drop, one outbound", res.stats)
	}
	if got := testutil.ToFloat64(m.UDPDatagramsDropped.WithLabelValues(dropInvalidTarget)); got != 1 {
		t.Errorf("dropped{invalid_target} = %v, want 1", got)
	}
}

// gatedResolver answers only after gate is closed.
type gatedResolver struct {
	gate chan struct{}
	addr netip.AddrPort
}

func (r gatedResolver) Resolve(ctx context.Context, target protocol.TargetAddress) (netip.AddrPort, error) {
	select {
	case <-r.gate:
		return r.addr, nil
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

func TestUDP_SlowResolveDoesNotStallOtherFlows(t *testing.T) {
	a := udpEcho(t, "A")
	b := udpEcho(t, "B")
	bAddr, _ := b.AddrPort()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	gate := make(chan struct{})
	peer, done := startUDP(t, NewUDP(UDPConfig{
		Resolver: gatedResolver{gate: gate, addr: bAddr},
		Metrics:  m,
	}))

	slow, err := protocol.DomainTarget("slow.test", b.Port)
	if err != nil {
		t.Fatalf("DomainTarget() error = %v", err)
	}
	for i := range maxPending + 1 {
		peer.send(slow, strconv.Itoa(i))
	}

	// The IP flow is served while slow.test is still resolving.
	peer.send(a, "fast")
	if d := peer.recv(); d.Target != a || string(d.Payload) != "A|fast" {
		t.Fatalf("reply = %v %q, want A|fast", d.Target, d.Payload)
	}
	if got := testutil.ToFloat64(m.UDPDatagramsDropped.WithLabelValues(dropPendingFull)); got != 1 {
		t.Errorf("dropped{pending_full} = %v, want 1", got)
	}

	close(gate)
	got := make(map[string]bool)
	for range maxPending {
		d := peer.recv()
		if d.Target != slow {
			t.Errorf("reply attributed to %v, want %v", d.Target, slow)
		}
		got[string(d.Payload)] = true
	}
	for i := range maxPending {
		if !got["B|"+strconv.Itoa(i)] {
			t.Errorf("queued datagram %d never reached the target", i)
		}
	}

	res := finishUDP(t, peer, done)
	if res.stats.Flows != 2 {
		t.Errorf("Flows = %d, want 2", res.stats.Flows)
	}
	if res.stats.Outbound != maxPending+1 {
		t.Errorf("Outbound = %d, want %d", res.stats.Outbound, maxPending+1)
	}
}

func TestUDP_MalformedFrameEndsAssociation(t *testing.T) {
	peer, done := startUDP(t, NewUDP(UDPConfig{}))

	go peer.c.Write([]byte{0x09, 0, 0})

	select {
	case res := <-done:
		var de *protocol.DecodeError
		if !errors.As(res.err, &de) {
			t.Errorf("Serve() error = %v, want DecodeError", res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestUDP_ContextCancel(t *testing.T) {
	client, carrier := stream.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := NewUDP(UDPConfig{}).Serve(ctx, NewStreamChannel(carrier))
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// fakeDatagrams is an in-memory DatagramCarrier.
type fakeDatagrams struct {
	in  chan []byte
	out chan []byte
}

func (f *fakeDatagrams) SendDatagram(b []byte) error {
	f.out <- append([]byte(nil), b...)
	return nil
}

func (f *fakeDatagrams) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDatagramChannel_Relay(t *testing.T) {
	a := udpEcho(t, "A")
	carrier := &fakeDatagrams{in: make(chan []byte, 4), out: make(chan []byte, 4)}

	var malformed int
	ch := NewDatagramChannel(carrier, nil)
	ch.OnMalformed = func(error) { malformed++ }

	done := make(chan error, 1)
	go func() {
		_, err := NewUDP(UDPConfig{}).Serve(context.Background(), ch)
		done <- err
	}()

	carrier.in <- []byte{0xff, 0x00}
	frame, _ := protocol.EncodeUDPDatagram(&protocol.UDPDatagram{Target: a, Payload: []byte("dg")})
	carrier.in <- frame

	select {
	case b := <-carrier.out:
		d, err := protocol.UnmarshalUDPDatagram(b)
		if err != nil {
			t.Fatalf("UnmarshalUDPDatagram() error = %v", err)
		}
		if d.Target != a || !strings.HasPrefix(string(d.Payload), "A|dg") {
			t.Errorf("reply = %v %q", d.Target, d.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply datagram")
	}

	ch.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
}
