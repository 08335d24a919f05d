package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/postalsys/s2p/internal/certutil"
	"github.com/postalsys/s2p/internal/protocol"
)

func mustIdentity(t *testing.T, name string) *Identity {
	t.Helper()
	id, err := LoadIdentity("", "", name)
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	return id
}

type loopback struct {
	transport *QUICTransport
	listener  *QUICListener
	server    Conn
	client    *QUICConn
}

func startLoopback(t *testing.T, serverID, clientID *Identity, verify ClientVerify) (*loopback, error) {
	t.Helper()

	tr := NewQUICTransport()
	t.Cleanup(func() { tr.Close() })

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: ServerTLSConfig(serverID, nil)})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	clientTLS, err := ClientTLSConfig(clientID, verify)
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	client, err := tr.Dial(ctx, ln.Addr().String(), DialOptions{TLSConfig: clientTLS})
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { client.Close() })

	server, ok := <-accepted
	if !ok {
		t.Fatal("Accept() returned no connection")
	}
	t.Cleanup(func() { server.Close() })

	return &loopback{transport: tr, listener: ln, server: server, client: client}, nil
}

func TestQUIC_PeerIdentity(t *testing.T) {
	serverID := mustIdentity(t, "server")
	clientID := mustIdentity(t, "client")

	lb, err := startLoopback(t, serverID, clientID, ClientVerify{PinnedFingerprint: serverID.Fingerprint})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if got := lb.server.PeerID(); got != clientID.Fingerprint {
		t.Errorf("server PeerID() = %s, want client fingerprint %s", got, clientID.Fingerprint)
	}
	if got := lb.client.PeerID(); got != serverID.Fingerprint {
		t.Errorf("client PeerID() = %s, want server fingerprint %s", got, serverID.Fingerprint)
	}
	if !lb.client.IsDialer() || lb.server.IsDialer() {
		t.Error("IsDialer() reports the wrong side")
	}
}

func TestQUIC_PinMismatch(t *testing.T) {
	serverID := mustIdentity(t, "server")
	clientID := mustIdentity(t, "client")
	other := mustIdentity(t, "other")

	tr := NewQUICTransport()
	defer tr.Close()
	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: ServerTLSConfig(serverID, nil)})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	clientTLS, err := ClientTLSConfig(clientID, ClientVerify{PinnedFingerprint: other.Fingerprint})
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	_, err = tr.Dial(context.Background(), ln.Addr().String(), DialOptions{TLSConfig: clientTLS, Timeout: 5 * time.Second})
	if err == nil {
		t.Fatal("Dial() succeeded against an unpinned certificate")
	}
}

func TestQUIC_StreamHalfClose(t *testing.T) {
	lb, err := startLoopback(t, mustIdentity(t, "server"), mustIdentity(t, "client"), ClientVerify{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := lb.client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	// The peer sees a stream only once data arrives.
	if _, err := cs.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := cs.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite() error = %v", err)
	}

	ss, err := lb.server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream() error = %v", err)
	}
	got, err := io.ReadAll(ss)
	if err != nil {
		t.Fatalf("server ReadAll() error = %v", err)
	}
	if string(got) != "ping" {
		t.Errorf("server read %q, want ping", got)
	}

	// The reverse direction stays open after the client's FIN.
	if _, err := ss.Write([]byte("pong")); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	ss.CloseWrite()

	got, err = io.ReadAll(cs)
	if err != nil {
		t.Fatalf("client ReadAll() error = %v", err)
	}
	if string(got) != "pong" {
		t.Errorf("client read %q, want pong", got)
	}
}

func TestQUIC_Datagrams(t *testing.T) {
	lb, err := startLoopback(t, mustIdentity(t, "server"), mustIdentity(t, "client"), ClientVerify{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	payload := []byte("datagram")
	received := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b, err := lb.server.ReceiveDatagram(ctx)
		if err == nil {
			received <- b
		}
	}()

	// Datagrams are unreliable; resend until one lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := lb.client.SendDatagram(payload); err != nil {
			t.Fatalf("SendDatagram() error = %v", err)
		}
		select {
		case b := <-received:
			if !bytes.Equal(b, payload) {
				t.Errorf("received %q, want %q", b, payload)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no datagram received")
		}
	}
}

func TestQUIC_DatagramTooLarge(t *testing.T) {
	lb, err := startLoopback(t, mustIdentity(t, "server"), mustIdentity(t, "client"), ClientVerify{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	err = lb.client.SendDatagram(make([]byte, 8192))
	if !errors.Is(err, protocol.ErrDatagramTooLarge) {
		t.Errorf("SendDatagram() error = %v, want ErrDatagramTooLarge", err)
	}
}

func TestQUIC_CloseWithError(t *testing.T) {
	lb, err := startLoopback(t, mustIdentity(t, "server"), mustIdentity(t, "client"), ClientVerify{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	lb.server.CloseWithError(CodeShutdown, "going away")
	select {
	case <-lb.client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection did not observe the close")
	}
}

func TestQUICTransport_Closed(t *testing.T) {
	tr := NewQUICTransport()
	tr.Close()

	id := mustIdentity(t, "server")
	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: ServerTLSConfig(id, nil)}); err == nil {
		t.Error("Listen() on a closed transport succeeded")
	}
	if _, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{TLSConfig: ServerTLSConfig(id, nil)}); err == nil {
		t.Error("Dial() on a closed transport succeeded")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestQUICTransport_RequiresTLS(t *testing.T) {
	tr := NewQUICTransport()
	defer tr.Close()

	if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("Listen() without TLS config succeeded")
	}
	if _, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{}); err == nil {
		t.Error("Dial() without TLS config succeeded")
	}
}

func TestLoadIdentity_Files(t *testing.T) {
	pc, err := certutil.GeneratePeerCert(certutil.DefaultPeerOptions("node"))
	if err != nil {
		t.Fatalf("GeneratePeerCert() error = %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	if err := pc.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles() error = %v", err)
	}

	id, err := LoadIdentity(certPath, keyPath, "ignored")
	if err != nil {
		t.Fatalf("LoadIdentity() error = %v", err)
	}
	if id.Ephemeral {
		t.Error("identity loaded from files reported ephemeral")
	}
	if id.Fingerprint != pc.Fingerprint() {
		t.Error("identity fingerprint mismatch")
	}

	if _, err := LoadIdentity(certPath, "", "x"); err == nil {
		t.Error("LoadIdentity() accepted a missing key path")
	}
}

func TestLoadCAPool(t *testing.T) {
	pc, err := certutil.GeneratePeerCert(certutil.DefaultPeerOptions("ca"))
	if err != nil {
		t.Fatalf("GeneratePeerCert() error = %v", err)
	}
	dir := t.TempDir()
	good := filepath.Join(dir, "ca.crt")
	bad := filepath.Join(dir, "bad.crt")
	os.WriteFile(good, pc.CertPEM, 0644)
	os.WriteFile(bad, []byte("not a certificate"), 0644)

	if _, err := LoadCAPool(good); err != nil {
		t.Errorf("LoadCAPool() error = %v", err)
	}
	if _, err := LoadCAPool(bad); err == nil {
		t.Error("LoadCAPool() accepted an invalid file")
	}
	if _, err := LoadCAPool(filepath.Join(dir, "missing.crt")); err == nil {
		t.Error("LoadCAPool() accepted a missing file")
	}
}

func TestClientTLSConfig_InvalidPin(t *testing.T) {
	if _, err := ClientTLSConfig(mustIdentity(t, "c"), ClientVerify{PinnedFingerprint: "sha256:nothex"}); err == nil {
		t.Error("ClientTLSConfig() accepted a malformed pin")
	}
}
