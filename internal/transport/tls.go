package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/postalsys/s2p/internal/certutil"
	"github.com/postalsys/s2p/internal/protocol"
)

// ErrFingerprintMismatch is returned when a pinned peer presents a
// different certificate.
var ErrFingerprintMismatch = fmt.Errorf("peer certificate fingerprint mismatch")

// Identity is the certificate a node presents on the carrier.
type Identity struct {
	Certificate tls.Certificate
	Fingerprint string
	Ephemeral   bool
}

// LoadIdentity loads the node certificate from files. When both paths are
// empty an ephemeral self-signed certificate is generated instead.
func LoadIdentity(certFile, keyFile, commonName string) (*Identity, error) {
	if certFile == "" && keyFile == "" {
		pc, err := certutil.GeneratePeerCert(certutil.DefaultPeerOptions(commonName))
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral certificate: %w", err)
		}
		cert, err := pc.TLSCertificate()
		if err != nil {
			return nil, err
		}
		return &Identity{Certificate: cert, Fingerprint: pc.Fingerprint(), Ephemeral: true}, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("both certificate and key files are required")
	}

	pc, err := certutil.LoadPeerCert(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cert, err := pc.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &Identity{Certificate: cert, Fingerprint: pc.Fingerprint()}, nil
}

// LoadCAPool loads a CA certificate pool from a file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return pool, nil
}

// ServerTLSConfig builds the listener configuration. Every client must
// present a certificate; its fingerprint becomes the peer identity. With a
// CA pool the client chain is also verified against it.
func ServerTLSConfig(id *Identity, clientCAs *x509.CertPool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{protocol.ALPN},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	if clientCAs != nil {
		cfg.ClientCAs = clientCAs
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}

// ClientVerify selects how a client checks the server certificate.
type ClientVerify struct {
	// PinnedFingerprint, when set, must equal the server's fingerprint.
	PinnedFingerprint string

	// RootCAs, when set, verifies the server chain and name.
	RootCAs *x509.CertPool

	// ServerName overrides the name checked against the chain.
	ServerName string
}

// ClientTLSConfig builds the dial configuration. Without RootCAs the chain
// is not verified; a pinned fingerprint is still enforced.
func ClientTLSConfig(id *Identity, verify ClientVerify) (*tls.Config, error) {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{protocol.ALPN},
		ServerName:   verify.ServerName,
	}

	if verify.RootCAs != nil {
		cfg.RootCAs = verify.RootCAs
	} else {
		cfg.InsecureSkipVerify = true
	}

	if verify.PinnedFingerprint != "" {
		want, err := certutil.NormalizeFingerprint(verify.PinnedFingerprint)
		if err != nil {
			return nil, err
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoPeerIdentity
			}
			if got := certutil.FingerprintDER(rawCerts[0]); got != want {
				return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, got)
			}
			return nil
		}
	}

	return cfg, nil
}
