// Package main provides the CLI entry point for s2p.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/s2p/internal/certutil"
	"github.com/postalsys/s2p/internal/probe"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "s2p",
		Short: "s2p - TCP and UDP over an authenticated peer carrier",
		Long: `s2p tunnels TCP connections and UDP datagrams between two peers over
a single authenticated, multiplexed QUIC connection.

The server side accepts carriers and connects to targets on its local
network. The client side exposes remote targets as local TCP ports.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(forwardCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("s2p %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func certCmd() *cobra.Command {
	var (
		certOut  string
		keyOut   string
		name     string
		validFor time.Duration
		hosts    []string
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed peer certificate",
		Long: `Generate a self-signed ECDSA certificate and key for use as a peer
identity. The printed fingerprint is what the other side lists in
allowed_peers or server_fingerprint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultPeerOptions(name)
			opts.ValidFor = validFor
			for _, h := range hosts {
				if ip := net.ParseIP(h); ip != nil {
					opts.IPAddresses = append(opts.IPAddresses, ip)
				} else {
					opts.DNSNames = append(opts.DNSNames, h)
				}
			}

			pc, err := certutil.GeneratePeerCert(opts)
			if err != nil {
				return err
			}
			if err := pc.SaveToFiles(certOut, keyOut); err != nil {
				return err
			}

			fmt.Printf("Certificate: %s\n", certOut)
			fmt.Printf("Private key: %s\n", keyOut)
			fmt.Printf("Expires:     %s (%s)\n",
				pc.Certificate.NotAfter.Format(time.RFC3339), humanize.Time(pc.Certificate.NotAfter))
			fmt.Printf("Fingerprint: %s\n", pc.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&certOut, "cert-out", "./s2p.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyOut, "key-out", "./s2p.key", "Private key output path")
	cmd.Flags().StringVarP(&name, "name", "n", "s2p", "Common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Validity period")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Additional DNS names or IP addresses (repeatable)")

	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <cert-file>",
		Short: "Show the peer fingerprint of a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.GetCertInfoFromFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Subject:     %s\n", info.Subject)
			if names := append(info.DNSNames, info.IPAddresses...); len(names) > 0 {
				fmt.Printf("Names:       %s\n", strings.Join(names, ", "))
			}
			state := "valid"
			if time.Now().After(info.NotAfter) {
				state = "EXPIRED"
			}
			fmt.Printf("Expires:     %s (%s, %s)\n",
				info.NotAfter.Format(time.RFC3339), humanize.Time(info.NotAfter), state)
			fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
			return nil
		},
	}
}

func probeCmd() *cobra.Command {
	var opts probe.Options

	cmd := &cobra.Command{
		Use:   "probe <server-address>",
		Short: "Test connectivity to an s2p server",
		Long: `Establish a carrier to an s2p server and report the certificate it
presents. With --target, also connect to a TCP target through the server
and report the server's answer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]
			result := probe.Probe(context.Background(), opts)

			fmt.Printf("Server:      %s\n", result.Address)
			if result.ServerFingerprint != "" {
				fmt.Printf("Fingerprint: %s\n", result.ServerFingerprint)
				fmt.Printf("Carrier RTT: %s\n", result.RTT.Round(time.Microsecond))
			}
			if result.Target != "" && result.TargetStatus != "" {
				fmt.Printf("Target:      %s -> %s (%s)\n",
					result.Target, result.TargetStatus, result.TargetRTT.Round(time.Microsecond))
			}
			if !result.Success {
				fmt.Printf("FAILED:      %s\n", result.ErrorDetail)
				return fmt.Errorf("probe failed")
			}
			fmt.Println("OK")
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "TCP target (host:port) to connect through the server")
	cmd.Flags().StringVarP(&opts.Fingerprint, "fingerprint", "f", "", "Expected server certificate fingerprint")
	cmd.Flags().StringVar(&opts.CACert, "ca", "", "CA certificate for server verification")
	cmd.Flags().StringVar(&opts.ClientCert, "cert", "", "Client certificate")
	cmd.Flags().StringVar(&opts.ClientKey, "key", "", "Client private key")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "Probe timeout")

	return cmd
}
