package dialer

import (
	"errors"
	"net"
	"os"

	"github.com/postalsys/s2p/internal/protocol"
)

// StatusFor maps a dial or resolve error to the status sent to the peer.
func StatusFor(err error) protocol.StatusCode {
	if err == nil {
		return protocol.StatusSuccess
	}
	if status, ok := protocol.StatusOf(err); ok {
		return status
	}

	var resolveErr *ResolveError
	var dnsErr *net.DNSError
	if errors.As(err, &resolveErr) || errors.As(err, &dnsErr) || errors.Is(err, ErrNoAddress) {
		return protocol.StatusHostUnreachable
	}

	if status, ok := errnoStatus(err); ok {
		return status
	}

	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return protocol.StatusTTLExpired
	}

	return protocol.StatusGeneralFailure
}
