package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"unicode/utf8"
)

// Wire layouts (all integers big-endian):
//
//	Address:         Type [1] | Body [4 | 16 | 1+len] | Port [2]
//	ConnectRequest:  Command [1] | Address
//	ConnectResponse: Status [1] | HasBound [1] | Address (if HasBound == 1)
//	UDPDatagram:     Address | Length [2] | Payload [Length]
//
// Every frame is self-delimiting. Decoders return the number of bytes
// consumed, ErrNeedMoreData for a strict prefix, or a *DecodeError.

// EncodeAddress serializes a target address.
func EncodeAddress(t TargetAddress) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return appendAddress(make([]byte, 0, addressLen(t)), t), nil
}

// EncodeRequest serializes a connect request.
func EncodeRequest(req *ConnectRequest) ([]byte, error) {
	if req.Command != CmdTCPConnect && req.Command != CmdUDPAssociate {
		return nil, &ValidationError{Field: "command", Reason: fmt.Sprintf("unknown command 0x%02x", req.Command)}
	}
	if err := req.Target.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+addressLen(req.Target))
	buf = append(buf, req.Command)
	return appendAddress(buf, req.Target), nil
}

// EncodeResponse serializes a connect response.
func EncodeResponse(resp *ConnectResponse) ([]byte, error) {
	if !resp.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status 0x%02x", uint8(resp.Status))}
	}
	if resp.BoundAddress == nil {
		return []byte{uint8(resp.Status), 0}, nil
	}
	if resp.Status != StatusSuccess {
		return nil, &ValidationError{Field: "bound_address", Reason: "only allowed on success"}
	}
	if err := resp.BoundAddress.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+addressLen(*resp.BoundAddress))
	buf = append(buf, uint8(resp.Status), 1)
	return appendAddress(buf, *resp.BoundAddress), nil
}

// EncodeUDPDatagram serializes a datagram frame.
func EncodeUDPDatagram(d *UDPDatagram) ([]byte, error) {
	if err := d.Target.Validate(); err != nil {
		return nil, err
	}
	if len(d.Payload) > MaxUDPPayload {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("%d bytes exceeds %d", len(d.Payload), MaxUDPPayload)}
	}
	buf := make([]byte, 0, addressLen(d.Target)+2+len(d.Payload))
	buf = appendAddress(buf, d.Target)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Payload)))
	return append(buf, d.Payload...), nil
}

func addressLen(t TargetAddress) int {
	switch t.Kind {
	case KindIPv4:
		return 1 + 4 + 2
	case KindIPv6:
		return 1 + 16 + 2
	default:
		return 1 + 1 + len(t.Domain) + 2
	}
}

// appendAddress assumes t has been validated.
func appendAddress(buf []byte, t TargetAddress) []byte {
	switch t.Kind {
	case KindIPv4:
		ip := t.IP.As4()
		buf = append(buf, AddrTypeIPv4)
		buf = append(buf, ip[:]...)
	case KindIPv6:
		ip := t.IP.As16()
		buf = append(buf, AddrTypeIPv6)
		buf = append(buf, ip[:]...)
	default:
		buf = append(buf, AddrTypeDomain, uint8(len(t.Domain)))
		buf = append(buf, t.Domain...)
	}
	return binary.BigEndian.AppendUint16(buf, t.Port)
}

// DecodeAddress decodes an address from the front of buf.
func DecodeAddress(buf []byte) (TargetAddress, int, error) {
	if len(buf) < 1 {
		return TargetAddress{}, 0, ErrNeedMoreData
	}

	switch buf[0] {
	case AddrTypeIPv4:
		if len(buf) < 1+4+2 {
			return TargetAddress{}, 0, ErrNeedMoreData
		}
		var ip [4]byte
		copy(ip[:], buf[1:5])
		return IPv4Target(ip, binary.BigEndian.Uint16(buf[5:7])), 7, nil

	case AddrTypeIPv6:
		if len(buf) < 1+16+2 {
			return TargetAddress{}, 0, ErrNeedMoreData
		}
		var ip [16]byte
		copy(ip[:], buf[1:17])
		return IPv6Target(ip, binary.BigEndian.Uint16(buf[17:19])), 19, nil

	case AddrTypeDomain:
		if len(buf) < 2 {
			return TargetAddress{}, 0, ErrNeedMoreData
		}
		n := int(buf[1])
		if n == 0 {
			return TargetAddress{}, 0, decodeErrorf("empty domain name")
		}
		if len(buf) < 2+n+2 {
			return TargetAddress{}, 0, ErrNeedMoreData
		}
		name := buf[2 : 2+n]
		if !utf8.Valid(name) {
			return TargetAddress{}, 0, decodeErrorf("domain name is not valid UTF-8")
		}
		t := TargetAddress{
			Kind:   KindDomain,
			Domain: string(name),
			Port:   binary.BigEndian.Uint16(buf[2+n : 4+n]),
		}
		return t, 4 + n, nil

	default:
		return TargetAddress{}, 0, decodeErrorf("unknown address type 0x%02x", buf[0])
	}
}

// DecodeRequest decodes a connect request from the front of buf.
func DecodeRequest(buf []byte) (*ConnectRequest, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMoreData
	}
	cmd := buf[0]
	if cmd != CmdTCPConnect && cmd != CmdUDPAssociate {
		return nil, 0, decodeErrorf("unknown command 0x%02x", cmd)
	}
	target, n, err := DecodeAddress(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	return &ConnectRequest{Command: cmd, Target: target}, 1 + n, nil
}

// DecodeResponse decodes a connect response from the front of buf.
func DecodeResponse(buf []byte) (*ConnectResponse, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrNeedMoreData
	}
	status := StatusCode(buf[0])
	if !status.Valid() {
		return nil, 0, decodeErrorf("unknown status 0x%02x", buf[0])
	}
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	switch buf[1] {
	case 0:
		return &ConnectResponse{Status: status}, 2, nil
	case 1:
		if status != StatusSuccess {
			return nil, 0, decodeErrorf("bound address on %s response", StatusName(status))
		}
		bound, n, err := DecodeAddress(buf[2:])
		if err != nil {
			return nil, 0, err
		}
		return &ConnectResponse{Status: status, BoundAddress: &bound}, 2 + n, nil
	default:
		return nil, 0, decodeErrorf("invalid bound address flag 0x%02x", buf[1])
	}
}

// DecodeUDPDatagram decodes a datagram frame from the front of buf. The
// returned payload aliases buf.
func DecodeUDPDatagram(buf []byte) (*UDPDatagram, int, error) {
	target, n, err := DecodeAddress(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n+2 {
		return nil, 0, ErrNeedMoreData
	}
	length := int(binary.BigEndian.Uint16(buf[n : n+2]))
	if length > MaxUDPPayload {
		return nil, 0, decodeErrorf("payload length %d exceeds %d", length, MaxUDPPayload)
	}
	end := n + 2 + length
	if len(buf) < end {
		return nil, 0, ErrNeedMoreData
	}
	return &UDPDatagram{Target: target, Payload: buf[n+2 : end]}, end, nil
}

// UnmarshalRequest decodes a request that must occupy all of buf.
func UnmarshalRequest(buf []byte) (*ConnectRequest, error) {
	req, n, err := DecodeRequest(buf)
	if err := strict(n, len(buf), err); err != nil {
		return nil, err
	}
	return req, nil
}

// UnmarshalResponse decodes a response that must occupy all of buf.
func UnmarshalResponse(buf []byte) (*ConnectResponse, error) {
	resp, n, err := DecodeResponse(buf)
	if err := strict(n, len(buf), err); err != nil {
		return nil, err
	}
	return resp, nil
}

// UnmarshalUDPDatagram decodes a datagram that must occupy all of buf, as
// when each carrier datagram holds exactly one frame. A declared payload
// length that disagrees with the bytes present is a DecodeError.
func UnmarshalUDPDatagram(buf []byte) (*UDPDatagram, error) {
	d, n, err := DecodeUDPDatagram(buf)
	if err := strict(n, len(buf), err); err != nil {
		return nil, err
	}
	return d, nil
}

func strict(consumed, total int, err error) error {
	if err == ErrNeedMoreData {
		return decodeErrorf("truncated frame (%d bytes)", total)
	}
	if err != nil {
		return err
	}
	if consumed != total {
		return decodeErrorf("%d trailing bytes after frame", total-consumed)
	}
	return nil
}

// BoundAddressFrom converts a local socket address into the optional bound
// address of a response. Unspecified or invalid addresses yield nil.
func BoundAddressFrom(ap netip.AddrPort) *TargetAddress {
	if !ap.IsValid() || ap.Port() == 0 {
		return nil
	}
	t := TargetFromAddrPort(ap)
	return &t
}
