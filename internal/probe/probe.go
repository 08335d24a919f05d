// Package probe provides connectivity testing for s2p servers.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/s2p/internal/client"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Address is the host:port of the server
	Address string

	// Target, when set, is connected through the server to check that the
	// server can reach it.
	Target string

	// Timeout for the entire probe operation
	Timeout time.Duration

	// Fingerprint pins the server certificate.
	Fingerprint string

	// CACert is the path to a CA certificate file for TLS verification
	CACert string

	// ClientCert and ClientKey identify the probe. Empty uses an
	// ephemeral certificate, which servers with allowed_peers reject.
	ClientCert string
	ClientKey  string

	// ALPN overrides the carrier protocol identifier.
	ALPN string
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Address that was probed
	Address string

	// ServerFingerprint is the certificate fingerprint the server presented
	ServerFingerprint string

	// RTT is the time to establish the carrier
	RTT time.Duration

	// Target that was connected through the server, if any
	Target string

	// TargetStatus is the server's answer to the target connect
	TargetStatus string

	// TargetRTT is the time of the target handshake
	TargetRTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe tests connectivity to an s2p server. It performs:
// 1. Carrier connection (QUIC, TLS 1.3, ALPN)
// 2. Optionally, a TCP connect handshake to Target through the server
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{
		Address: opts.Address,
		Target:  opts.Target,
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	var target protocol.TargetAddress
	if opts.Target != "" {
		var err error
		if target, err = protocol.ParseTarget(opts.Target); err != nil {
			return fail(err)
		}
	}

	dialOpts, err := buildDialOptions(opts)
	if err != nil {
		return fail(err)
	}

	tr := transport.NewQUICTransport()
	defer tr.Close()

	startTime := time.Now()
	conn, err := tr.Dial(ctx, opts.Address, dialOpts)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	result.RTT = time.Since(startTime)
	result.ServerFingerprint = conn.PeerID()

	if opts.Target != "" {
		startTime = time.Now()
		sc, err := client.Connect(ctx, conn, target, opts.Timeout)
		result.TargetRTT = time.Since(startTime)
		if err != nil {
			if status, ok := protocol.StatusOf(err); ok {
				result.TargetStatus = protocol.StatusName(status)
			}
			return fail(err)
		}
		sc.Close()
		result.TargetStatus = protocol.StatusName(protocol.StatusSuccess)
	}

	result.Success = true
	return result
}

func buildDialOptions(opts Options) (transport.DialOptions, error) {
	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = opts.Timeout
	dialOpts.ALPN = opts.ALPN

	id, err := transport.LoadIdentity(opts.ClientCert, opts.ClientKey, "s2p-probe")
	if err != nil {
		return dialOpts, err
	}

	verify := transport.ClientVerify{PinnedFingerprint: opts.Fingerprint}
	if opts.CACert != "" {
		if verify.RootCAs, err = transport.LoadCAPool(opts.CACert); err != nil {
			return dialOpts, err
		}
		if host, _, err := net.SplitHostPort(opts.Address); err == nil {
			verify.ServerName = host
		}
	}

	if dialOpts.TLSConfig, err = transport.ClientTLSConfig(id, verify); err != nil {
		return dialOpts, err
	}
	return dialOpts, nil
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var connErr *protocol.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Sprintf("Carrier is up, but the server could not reach the target: %s", protocol.StatusName(connErr.Status))
	}

	var valErr *protocol.ValidationError
	if errors.As(err, &valErr) {
		return "Invalid target: " + valErr.Error()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	if errors.Is(err, transport.ErrFingerprintMismatch) || strings.Contains(errStr, "fingerprint mismatch") {
		return "TLS error - server certificate does not match the pinned fingerprint"
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, protocol.ErrTimeout) ||
		strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - server not running or UDP blocked by a firewall"
	}

	if strings.Contains(errStr, "no application protocol") || strings.Contains(errStr, "ALPN") {
		return "Connected but ALPN negotiation failed - not an s2p server?"
	}

	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + errStr
	}

	if strings.Contains(errStr, "not authorized") {
		return "Server rejected this peer - add its fingerprint to allowed_peers"
	}

	return errStr
}
