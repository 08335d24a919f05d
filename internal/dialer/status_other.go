//go:build !unix

package dialer

import (
	"errors"
	"syscall"

	"github.com/postalsys/s2p/internal/protocol"
)

// errnoStatus only recognizes refusal on platforms without unix errnos.
func errnoStatus(err error) (protocol.StatusCode, bool) {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return protocol.StatusConnectionRefused, true
	}
	return 0, false
}
