package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/s2p/internal/control"
)

const defaultSocket = "./s2p.sock"

func statusCmd() *cobra.Command {
	var socket string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running s2p process",
		Long: `Query a running s2p process over its control socket. The process must
have control.socket set in its configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(socket)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			st, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("query %s: %w", socket, err)
			}

			fmt.Printf("Running:     %t\n", st.Running)
			if st.ServerFingerprint != "" {
				fmt.Printf("Fingerprint: %s\n", st.ServerFingerprint)
			}
			fmt.Printf("Peers:       %d\n", st.Peers)
			fmt.Printf("Sessions:    %d (tcp %d, udp %d)\n", st.Sessions, st.TCPSessions, st.UDPSessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", defaultSocket, "Control socket path")
	return cmd
}

func sessionsCmd() *cobra.Command {
	var (
		socket  string
		closeID string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or close the sessions of a running s2p server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := control.NewClient(socket)
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if closeID != "" {
				id, err := strconv.ParseUint(closeID, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid session id %q", closeID)
				}
				if err := c.CloseSession(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Closed session %d\n", id)
				return nil
			}

			resp, err := c.Sessions(ctx)
			if err != nil {
				return fmt.Errorf("query %s: %w", socket, err)
			}
			if len(resp.Sessions) == 0 {
				fmt.Println("No active sessions.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODE\tPEER\tTARGET\tBOUND\tIN\tOUT\tSTARTED")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Mode, shortPeer(s.PeerID), dash(s.Target), dash(s.Bound),
					humanize.IBytes(s.BytesIn), humanize.IBytes(s.BytesOut), humanize.Time(s.StartedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&socket, "socket", defaultSocket, "Control socket path")
	cmd.Flags().StringVar(&closeID, "close", "", "Close the session with this id")
	return cmd
}

// shortPeer abbreviates a "sha256:<hex>" fingerprint for table output.
func shortPeer(fp string) string {
	const n = len("sha256:") + 12
	if len(fp) <= n {
		return fp
	}
	return fp[:n]
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
