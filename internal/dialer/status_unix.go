//go:build unix

package dialer

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/postalsys/s2p/internal/protocol"
)

func errnoStatus(err error) (protocol.StatusCode, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}
	switch errno {
	case unix.ECONNREFUSED:
		return protocol.StatusConnectionRefused, true
	case unix.ENETUNREACH, unix.ENETDOWN:
		return protocol.StatusNetworkUnreachable, true
	case unix.EHOSTUNREACH, unix.EHOSTDOWN:
		return protocol.StatusHostUnreachable, true
	case unix.ETIMEDOUT:
		return protocol.StatusTTLExpired, true
	case unix.EAFNOSUPPORT:
		return protocol.StatusAddressTypeNotSupported, true
	case unix.EACCES, unix.EPERM:
		return protocol.StatusConnectionNotAllowed, true
	}
	return 0, false
}
