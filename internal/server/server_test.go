package server_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/s2p/internal/client"
	"github.com/postalsys/s2p/internal/metrics"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/server"
	"github.com/postalsys/s2p/internal/transport"
)

func identity(t *testing.T, name string) *transport.Identity {
	t.Helper()
	id, err := transport.LoadIdentity("", "", name)
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	return id
}

func startServer(t *testing.T, mutate func(*server.Config)) *server.Server {
	t.Helper()
	cfg := server.Config{
		ListenAddr: "127.0.0.1:0",
		TLSConfig:  transport.ServerTLSConfig(identity(t, "server"), nil),
		AllowUDP:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *server.Server, id *transport.Identity) *client.Client {
	t.Helper()
	tlsCfg, err := transport.ClientTLSConfig(id, transport.ClientVerify{})
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.DialCarrier(ctx, srv.Addr().String(), tlsCfg)
	if err != nil {
		t.Fatalf("DialCarrier() error = %v", err)
	}
	c := client.New(conn, client.Config{HandshakeTimeout: 5 * time.Second})
	t.Cleanup(func() { c.Close() })
	return c
}

func startTCPEcho(t *testing.T) protocol.TargetAddress {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return protocol.TargetFromAddrPort(ln.Addr().(*net.TCPAddr).AddrPort())
}

func startUDPEcho(t *testing.T, tag string) protocol.TargetAddress {
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
			pc.WriteToUDPAddrPort(append([]byte(tag+"|"), buf[:n]...), from)
		}
	}()
	return protocol.TargetFromAddrPort(pc.LocalAddr().(*net.UDPAddr).AddrPort())
}

func closedPort(t *testing.T) protocol.TargetAddress {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr).AddrPort()
	ln.Close()
	return protocol.TargetFromAddrPort(addr)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_TCPEcho(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	srv := startServer(t, func(c *server.Config) { c.Metrics = m })
	c := dial(t, srv, identity(t, "client"))
	echo := startTCPEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sc, err := c.Connect(ctx, echo)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sc.Close()

	msg := strings.Repeat("echo through the carrier ", 1000)
	go func() {
		sc.Write([]byte(msg))
		sc.CloseWrite()
	}()

	got, err := io.ReadAll(sc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != msg {
		t.Errorf("echo returned %d bytes, want %d", len(got), len(msg))
	}

	waitFor(t, "handshake metric", func() bool {
		return testutil.ToFloat64(m.Handshakes.WithLabelValues(server.ModeTCP, "SUCCESS")) == 1
	})
	waitFor(t, "session close", func() bool { return len(srv.Sessions()) == 0 })
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream")); got != float64(len(msg)) {
		t.Errorf("upstream bytes = %v, want %d", got, len(msg))
	}
}

func TestServer_ConnectionRefused(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv, identity(t, "client"))

	_, err := c.Connect(context.Background(), closedPort(t))
	var ce *protocol.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Connect() error = %v, want *ConnectError", err)
	}
	if ce.Status != protocol.StatusConnectionRefused {
		t.Errorf("status = %s, want CONNECTION_REFUSED", protocol.StatusName(ce.Status))
	}
}

func TestServer_SessionsSnapshot(t *testing.T) {
	srv := startServer(t, nil)
	cid := identity(t, "client")
	c := dial(t, srv, cid)
	echo := startTCPEcho(t)

	sc, err := c.Connect(context.Background(), echo)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "session registered", func() bool { return len(srv.Sessions()) == 1 })
	info := srv.Sessions()[0]
	if info.Mode != server.ModeTCP || info.Target != echo.String() || info.PeerID != cid.Fingerprint {
		t.Errorf("session = %+v", info)
	}
	if st := srv.Stats(); st.Peers != 1 || st.TCPSessions != 1 {
		t.Errorf("Stats() = %+v", st)
	}

	if !srv.CloseSession(info.ID) {
		t.Fatal("CloseSession() returned false")
	}
	io.ReadAll(sc)
	waitFor(t, "session removed", func() bool { return len(srv.Sessions()) == 0 })
	if srv.CloseSession(info.ID) {
		t.Error("CloseSession() of a finished session returned true")
	}
}

func TestServer_MaxSessions(t *testing.T) {
	srv := startServer(t, func(c *server.Config) { c.MaxSessions = 1 })
	c := dial(t, srv, identity(t, "client"))
	echo := startTCPEcho(t)

	first, err := c.Connect(context.Background(), echo)
	if err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}

	_, err = c.Connect(context.Background(), echo)
	if status, ok := protocol.StatusOf(err); !ok || status != protocol.StatusConnectionNotAllowed {
		t.Fatalf("second Connect() error = %v, want CONNECTION_NOT_ALLOWED", err)
	}

	first.Close()
	waitFor(t, "slot release", func() bool { return len(srv.Sessions()) == 0 })

	third, err := c.Connect(context.Background(), echo)
	if err != nil {
		t.Fatalf("Connect() after release error = %v", err)
	}
	third.Close()
}

func TestServer_UDPInterleavedTargets(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv, identity(t, "client"))
	a := startUDPEcho(t, "A")
	b := startUDPEcho(t, "B")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assoc, err := c.AssociateUDP(ctx, a)
	if err != nil {
		t.Fatalf("AssociateUDP() error = %v", err)
	}
	defer assoc.Close()

	for i, target := range []protocol.TargetAddress{a, b, a} {
		if err := assoc.Send(target, []byte("x")); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
		d, err := assoc.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive(%d) error = %v", i, err)
		}
		if d.Target.String() != target.String() {
			t.Errorf("reply %d from %s, want %s", i, d.Target, target)
		}
		want := "A|x"
		if target.String() == b.String() {
			want = "B|x"
		}
		if string(d.Payload) != want {
			t.Errorf("reply %d payload = %q, want %q", i, d.Payload, want)
		}
	}
}

func TestServer_UDPDisabled(t *testing.T) {
	srv := startServer(t, func(c *server.Config) { c.AllowUDP = false })
	c := dial(t, srv, identity(t, "client"))

	_, err := c.AssociateUDP(context.Background(), startUDPEcho(t, "A"))
	if status, ok := protocol.StatusOf(err); !ok || status != protocol.StatusCommandNotSupported {
		t.Errorf("AssociateUDP() error = %v, want COMMAND_NOT_SUPPORTED", err)
	}
}

func TestServer_FailedHandshakeKeepsMode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	srv := startServer(t, func(c *server.Config) {
		c.AllowUDP = false
		c.Metrics = m
	})
	c := dial(t, srv, identity(t, "client"))

	if _, err := c.Connect(context.Background(), closedPort(t)); err == nil {
		t.Fatal("Connect() to a closed port succeeded")
	}
	if _, err := c.AssociateUDP(context.Background(), startUDPEcho(t, "A")); err == nil {
		t.Fatal("AssociateUDP() succeeded with UDP disabled")
	}

	refused := m.Handshakes.WithLabelValues(server.ModeTCP, "CONNECTION_REFUSED")
	unsupported := m.Handshakes.WithLabelValues(server.ModeUDP, "COMMAND_NOT_SUPPORTED")
	waitFor(t, "handshake outcomes recorded", func() bool {
		return testutil.ToFloat64(refused) == 1 && testutil.ToFloat64(unsupported) == 1
	})
	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues("unknown", "CONNECTION_REFUSED")); got != 0 {
		t.Errorf("decoded request recorded with mode unknown: %v", got)
	}
}

func TestServer_DatagramMode(t *testing.T) {
	srv := startServer(t, func(c *server.Config) { c.Datagrams = true })
	c := dial(t, srv, identity(t, "client"))
	a := startUDPEcho(t, "A")

	assoc, err := c.AssociateDatagrams()
	if err != nil {
		t.Fatalf("AssociateDatagrams() error = %v", err)
	}
	defer assoc.Close()
	if _, err := c.AssociateDatagrams(); !errors.Is(err, client.ErrDatagramsInUse) {
		t.Errorf("second AssociateDatagrams() error = %v, want ErrDatagramsInUse", err)
	}

	// Carrier datagrams are unreliable; resend until a reply lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := assoc.Send(a, []byte("dg")); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		d, err := assoc.Receive(ctx)
		cancel()
		if err == nil {
			if string(d.Payload) != "A|dg" || d.Target.String() != a.String() {
				t.Errorf("reply = %q from %s", d.Payload, d.Target)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no reply: %v", err)
		}
	}
}

func TestServer_DatagramsRequireUDP(t *testing.T) {
	_, err := server.New(server.Config{Datagrams: true})
	if err == nil {
		t.Error("New() accepted datagram mode without UDP")
	}
}

func TestServer_UnauthorizedPeer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	allowed := identity(t, "allowed")
	list, err := server.NewAllowlist(allowed.Fingerprint)
	if err != nil {
		t.Fatalf("NewAllowlist() error = %v", err)
	}
	srv := startServer(t, func(c *server.Config) {
		c.Authenticator = list
		c.Metrics = m
	})

	stranger := dial(t, srv, identity(t, "stranger"))
	select {
	case <-stranger.Carrier().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not close an unauthorized carrier")
	}
	if got := testutil.ToFloat64(m.PeersRejected); got != 1 {
		t.Errorf("peers_rejected_total = %v, want 1", got)
	}

	friend := dial(t, srv, allowed)
	sc, err := friend.Connect(context.Background(), startTCPEcho(t))
	if err != nil {
		t.Fatalf("authorized Connect() error = %v", err)
	}
	sc.Close()
}

func TestServer_StopClosesCarriers(t *testing.T) {
	srv := startServer(t, nil)
	c := dial(t, srv, identity(t, "client"))
	sc, err := c.Connect(context.Background(), startTCPEcho(t))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.StopWithContext(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning() after Stop")
	}

	select {
	case <-c.Carrier().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("carrier not closed by Stop")
	}
	if n := len(srv.Sessions()); n != 0 {
		t.Errorf("%d sessions left after Stop", n)
	}

	// The proxied stream ends with the carrier instead of idling out.
	sc.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = sc.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("Read() on a proxied stream succeeded after Stop")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Errorf("Read() after Stop timed out instead of failing: %v", err)
	}
}
