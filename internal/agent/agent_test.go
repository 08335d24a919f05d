package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/s2p/internal/config"
	"github.com/postalsys/s2p/internal/control"
	"github.com/postalsys/s2p/internal/logging"
)

const testFingerprint = "sha256:00000000000000000000000000000000000000000000000000000000000000aa"

func serverConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config, roles Roles) *Agent {
	t.Helper()
	a, err := NewWithLogger(cfg, roles, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestNew_NoRole(t *testing.T) {
	if _, err := NewWithLogger(config.Default(), Roles{}, logging.NopLogger()); err == nil {
		t.Error("New() accepted an agent without roles")
	}
}

func TestNew_ClientRequiresServer(t *testing.T) {
	if _, err := NewWithLogger(config.Default(), Roles{Client: true}, logging.NopLogger()); err == nil {
		t.Error("New() accepted a client role without a server address")
	}
}

func TestAgent_StartStop(t *testing.T) {
	a, err := NewWithLogger(serverConfig(), Roles{Server: true}, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("new agent should not be running")
	}
	if !strings.HasPrefix(a.ServerFingerprint(), "sha256:") {
		t.Errorf("ServerFingerprint() = %q", a.ServerFingerprint())
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.IsRunning() {
		t.Error("agent should be running after Start")
	}
	if a.ServerAddr() == nil {
		t.Error("ServerAddr() = nil after Start")
	}
	if err := a.Start(); err == nil {
		t.Error("second Start() succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.StopWithContext(ctx); err != nil {
		t.Errorf("StopWithContext() error = %v", err)
	}
	if a.IsRunning() {
		t.Error("agent should not be running after Stop")
	}
}

func TestAgent_UpdateAllowedPeers(t *testing.T) {
	open, err := NewWithLogger(serverConfig(), Roles{Server: true}, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := open.UpdateAllowedPeers([]string{testFingerprint}); !errors.Is(err, ErrNoAllowlist) {
		t.Errorf("UpdateAllowedPeers() error = %v, want ErrNoAllowlist", err)
	}

	cfg := serverConfig()
	cfg.Server.AllowedPeers = []string{testFingerprint}
	restricted, err := NewWithLogger(cfg, Roles{Server: true}, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := restricted.UpdateAllowedPeers([]string{"sha256:zz"}); err == nil {
		t.Error("UpdateAllowedPeers() accepted an invalid fingerprint")
	}
	if err := restricted.UpdateAllowedPeers([]string{testFingerprint, strings.Replace(testFingerprint, "aa", "bb", 1)}); err != nil {
		t.Errorf("UpdateAllowedPeers() error = %v", err)
	}
	if n := restricted.allowlist.Len(); n != 2 {
		t.Errorf("allowlist has %d entries, want 2", n)
	}
}

func TestAgent_ForwardEndToEnd(t *testing.T) {
	srv := startAgent(t, serverConfig(), Roles{Server: true})
	echo := startEcho(t)

	cfg := config.Default()
	cfg.Client.Server = srv.ServerAddr().String()
	cfg.Client.ServerFingerprint = srv.ServerFingerprint()
	cfg.Client.Forwards = []config.ForwardConfig{{Listen: "127.0.0.1:0", Target: echo}}
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"
	cli := startAgent(t, cfg, Roles{Client: true})

	if got := cli.Stats().Peers; got != 1 {
		t.Errorf("client Stats().Peers = %d, want 1", got)
	}

	addrs := cli.ForwardAddrs()
	if len(addrs) != 1 {
		t.Fatalf("ForwardAddrs() = %v", addrs)
	}
	conn, err := net.Dial("tcp", addrs[0].String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("through the carrier")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "through the carrier" {
		t.Errorf("got %q", got)
	}

	resp, err := http.Get("http://" + cli.HealthAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestAgent_ForwardPinMismatch(t *testing.T) {
	srv := startAgent(t, serverConfig(), Roles{Server: true})
	echo := startEcho(t)

	cfg := config.Default()
	cfg.Client.Server = srv.ServerAddr().String()
	cfg.Client.ServerFingerprint = testFingerprint
	cfg.Client.Forwards = []config.ForwardConfig{{Listen: "127.0.0.1:0", Target: echo}}
	cli := startAgent(t, cfg, Roles{Client: true})

	if cli.Stats().Peers != 0 {
		t.Error("carrier connected despite a fingerprint mismatch")
	}

	conn, err := net.Dial("tcp", cli.ForwardAddrs()[0].String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("forward served a connection without a verified carrier")
	}
}

func TestLink_Redial(t *testing.T) {
	srv := startAgent(t, serverConfig(), Roles{Server: true})

	cfg := config.Default()
	cfg.Client.Server = srv.ServerAddr().String()
	cfg.Client.ServerFingerprint = srv.ServerFingerprint()
	a, err := NewWithLogger(cfg, Roles{Client: true}, logging.NopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	link := a.link
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := link.Client(ctx)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	again, err := link.Client(ctx)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if again != first {
		t.Error("live carrier was not reused")
	}

	first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for link.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("closed carrier still reported as connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second, err := link.Client(ctx)
	if err != nil {
		t.Fatalf("Client() after carrier loss error = %v", err)
	}
	if second == first {
		t.Error("lost carrier was not replaced")
	}

	link.Close()
	if _, err := link.Client(ctx); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Client() after Close error = %v, want ErrLinkClosed", err)
	}
}

func TestAgent_ControlSocket(t *testing.T) {
	cfg := serverConfig()
	cfg.Control.Socket = filepath.Join(t.TempDir(), "s2p.sock")
	a := startAgent(t, cfg, Roles{Server: true})

	c := control.NewClient(cfg.Control.Socket)
	defer c.Close()

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Running {
		t.Error("control status reports a stopped agent")
	}
	if status.ServerFingerprint != a.ServerFingerprint() {
		t.Errorf("ServerFingerprint = %q, want %q", status.ServerFingerprint, a.ServerFingerprint())
	}
}
