// Package protocol defines the s2p wire messages and their binary codec.
package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"unicode/utf8"
)

// ALPN is the protocol identifier negotiated on the carrier.
const ALPN = "s2p/1"

// Address type tags.
const (
	AddrTypeIPv4   uint8 = 0x01
	AddrTypeDomain uint8 = 0x02
	AddrTypeIPv6   uint8 = 0x03
)

// Commands carried in the request tag byte.
const (
	CmdTCPConnect   uint8 = 0x01
	CmdUDPAssociate uint8 = 0x03
)

// Size limits.
const (
	MaxDomainLength = 255

	// MaxUDPPayload is the largest payload a single IPv4 UDP datagram can carry.
	MaxUDPPayload = 65507
)

// AddrKind discriminates the TargetAddress variants.
type AddrKind uint8

const (
	KindIPv4 AddrKind = iota + 1
	KindIPv6
	KindDomain
)

// String returns the variant name.
func (k AddrKind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	case KindDomain:
		return "domain"
	default:
		return "unknown"
	}
}

// TargetAddress is the endpoint a proxied connection or datagram is bound for.
// Exactly one of IP or Domain is meaningful, selected by Kind.
type TargetAddress struct {
	Kind   AddrKind
	IP     netip.Addr
	Domain string
	Port   uint16
}

// IPv4Target builds an IPv4 target.
func IPv4Target(ip [4]byte, port uint16) TargetAddress {
	return TargetAddress{Kind: KindIPv4, IP: netip.AddrFrom4(ip), Port: port}
}

// IPv6Target builds an IPv6 target.
func IPv6Target(ip [16]byte, port uint16) TargetAddress {
	return TargetAddress{Kind: KindIPv6, IP: netip.AddrFrom16(ip), Port: port}
}

// DomainTarget builds a domain target and validates it.
func DomainTarget(name string, port uint16) (TargetAddress, error) {
	t := TargetAddress{Kind: KindDomain, Domain: name, Port: port}
	if err := t.Validate(); err != nil {
		return TargetAddress{}, err
	}
	return t, nil
}

// TargetFromAddrPort converts a netip.AddrPort. IPv4-mapped IPv6 addresses
// become IPv4 targets.
func TargetFromAddrPort(ap netip.AddrPort) TargetAddress {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return IPv4Target(ip.As4(), ap.Port())
	}
	return IPv6Target(ip.As16(), ap.Port())
}

// TargetFromUDPAddr converts a *net.UDPAddr.
func TargetFromUDPAddr(addr *net.UDPAddr) TargetAddress {
	return TargetFromAddrPort(addr.AddrPort())
}

// ParseTarget parses "host:port". Hosts that parse as IP literals become
// IP targets, everything else a domain target.
func ParseTarget(s string) (TargetAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return TargetAddress{}, &ValidationError{Field: "address", Reason: err.Error()}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return TargetAddress{}, &ValidationError{Field: "port", Reason: fmt.Sprintf("invalid port %q", portStr)}
	}

	var t TargetAddress
	if ip, err := netip.ParseAddr(host); err == nil {
		t = TargetFromAddrPort(netip.AddrPortFrom(ip.WithZone(""), uint16(port)))
	} else {
		t = TargetAddress{Kind: KindDomain, Domain: host, Port: uint16(port)}
	}
	if err := t.Validate(); err != nil {
		return TargetAddress{}, err
	}
	return t, nil
}

// Validate checks the invariants a locally constructed target must satisfy.
func (t TargetAddress) Validate() error {
	switch t.Kind {
	case KindIPv4:
		if !t.IP.Is4() {
			return &ValidationError{Field: "ip", Reason: "not an IPv4 address"}
		}
	case KindIPv6:
		if !t.IP.Is6() {
			return &ValidationError{Field: "ip", Reason: "not an IPv6 address"}
		}
	case KindDomain:
		if err := validateDomain(t.Domain); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown address kind %d", t.Kind)}
	}
	if t.Port == 0 {
		return &ValidationError{Field: "port", Reason: "port 0 is not a valid target"}
	}
	return nil
}

func validateDomain(name string) error {
	if name == "" {
		return &ValidationError{Field: "domain", Reason: "empty domain name"}
	}
	if len(name) > MaxDomainLength {
		return &ValidationError{Field: "domain", Reason: fmt.Sprintf("domain name is %d bytes, max %d", len(name), MaxDomainLength)}
	}
	if !utf8.ValidString(name) {
		return &ValidationError{Field: "domain", Reason: "domain name is not valid UTF-8"}
	}
	return nil
}

// Host returns the address part without the port.
func (t TargetAddress) Host() string {
	if t.Kind == KindDomain {
		return t.Domain
	}
	return t.IP.String()
}

// String returns "host:port" with IPv6 literals bracketed.
func (t TargetAddress) String() string {
	return net.JoinHostPort(t.Host(), strconv.Itoa(int(t.Port)))
}

// Key returns a canonical string suitable as a map key. Domains are keyed
// as written; case folding is left to the resolver.
func (t TargetAddress) Key() string {
	return t.Kind.String() + "/" + t.String()
}

// AddrPort returns the IP form of the target. ok is false for domains.
func (t TargetAddress) AddrPort() (ap netip.AddrPort, ok bool) {
	if t.Kind == KindDomain {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(t.IP, t.Port), true
}

// StatusCode is the outcome carried by a ConnectResponse.
type StatusCode uint8

const (
	StatusSuccess                 StatusCode = 0x00
	StatusGeneralFailure          StatusCode = 0x01
	StatusConnectionNotAllowed    StatusCode = 0x02
	StatusNetworkUnreachable      StatusCode = 0x03
	StatusHostUnreachable         StatusCode = 0x04
	StatusConnectionRefused       StatusCode = 0x05
	StatusTTLExpired              StatusCode = 0x06
	StatusCommandNotSupported     StatusCode = 0x07
	StatusAddressTypeNotSupported StatusCode = 0x08
)

// Valid reports whether s is a known status code.
func (s StatusCode) Valid() bool {
	return s <= StatusAddressTypeNotSupported
}

// String returns the status name.
func (s StatusCode) String() string {
	return StatusName(s)
}

// StatusName returns a human-readable name for a status code.
func StatusName(s StatusCode) string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusGeneralFailure:
		return "GENERAL_FAILURE"
	case StatusConnectionNotAllowed:
		return "CONNECTION_NOT_ALLOWED"
	case StatusNetworkUnreachable:
		return "NETWORK_UNREACHABLE"
	case StatusHostUnreachable:
		return "HOST_UNREACHABLE"
	case StatusConnectionRefused:
		return "CONNECTION_REFUSED"
	case StatusTTLExpired:
		return "TTL_EXPIRED"
	case StatusCommandNotSupported:
		return "COMMAND_NOT_SUPPORTED"
	case StatusAddressTypeNotSupported:
		return "ADDRESS_TYPE_NOT_SUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// CommandName returns a human-readable name for a request command.
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdTCPConnect:
		return "TCP_CONNECT"
	case CmdUDPAssociate:
		return "UDP_ASSOCIATE"
	default:
		return "UNKNOWN"
	}
}

// ConnectRequest opens a proxied TCP connection (CmdTCPConnect) or a UDP
// association (CmdUDPAssociate). For UDP associations the target is
// informational; datagrams carry their own targets.
type ConnectRequest struct {
	Command uint8
	Target  TargetAddress
}

// NewTCPConnectRequest validates target and builds a TCP connect request.
func NewTCPConnectRequest(target TargetAddress) (*ConnectRequest, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return &ConnectRequest{Command: CmdTCPConnect, Target: target}, nil
}

// NewUDPAssociateRequest builds a UDP associate request. The target names
// the first destination the client intends to use.
func NewUDPAssociateRequest(target TargetAddress) (*ConnectRequest, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return &ConnectRequest{Command: CmdUDPAssociate, Target: target}, nil
}

// ConnectResponse is the responder's answer to a ConnectRequest.
// BoundAddress is only present when Status is StatusSuccess.
type ConnectResponse struct {
	Status       StatusCode
	BoundAddress *TargetAddress
}

// UDPDatagram is one UDP packet relayed in either direction. Target is the
// destination on the way out and the source on the way back.
type UDPDatagram struct {
	Target  TargetAddress
	Payload []byte
}

// NewUDPDatagram validates and builds a datagram.
func NewUDPDatagram(target TargetAddress, payload []byte) (*UDPDatagram, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if len(payload) > MaxUDPPayload {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("%d bytes exceeds %d", len(payload), MaxUDPPayload)}
	}
	return &UDPDatagram{Target: target, Payload: payload}, nil
}
