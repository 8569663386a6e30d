package vrrp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// RejectReason classifies why an inbound frame was dropped.
type RejectReason int

const (
	Truncated RejectReason = iota
	BadIPHeader
	NotVRRP
	BadTTL
	BadVersion
	BadType
	BadChecksum
	VRIDMismatch
	CountMismatch
	AuthMismatch
	IntervalMismatch
)

func (r RejectReason) String() string {
	switch r {
	case Truncated:
		return "truncated"
	case BadIPHeader:
		return "bad ip header"
	case NotVRRP:
		return "not vrrp"
	case BadTTL:
		return "bad ttl"
	case BadVersion:
		return "bad version"
	case BadType:
		return "bad type"
	case BadChecksum:
		return "bad checksum"
	case VRIDMismatch:
		return "vrid mismatch"
	case CountMismatch:
		return "ip count mismatch"
	case AuthMismatch:
		return "auth mismatch"
	case IntervalMismatch:
		return "interval mismatch"
	default:
		return "unknown reason"
	}
}

// RejectError is returned by the decoders for any malformed or foreign frame.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "vrrp: rejected frame: " + e.Reason.String()
	}
	return fmt.Sprintf("vrrp: rejected frame: %s: %s", e.Reason, e.Detail)
}

func reject(reason RejectReason, format string, args ...interface{}) error {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// RejectReasonOf extracts the reason of a reject error.
func RejectReasonOf(err error) (RejectReason, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return 0, false
}

// Advertisement is a VRRPv2 advertisement as carried on the wire.
type Advertisement struct {
	Version  Version
	Type     byte
	VRID     byte
	Priority byte
	AuthType AuthType
	// AdvInt is expressed in seconds.
	AdvInt   byte
	Checksum uint16
	IPs      []net.IP
	AuthData [AuthDataLen]byte
}

// AdvertisementLen returns 8 + 4*cnt, plus the authentication data for
// simple text authentication.
func AdvertisementLen(cnt int, auth AuthType) int {
	n := 8 + 4*cnt
	if auth == AuthSimple {
		n += AuthDataLen
	}
	return n
}

func (a *Advertisement) Len() int {
	return AdvertisementLen(len(a.IPs), a.AuthType)
}

// MarshalTo packs a into b in network byte order and fills in the checksum.
func (a *Advertisement) MarshalTo(b []byte) (int, error) {
	if len(a.IPs) == 0 || len(a.IPs) > MaxIPCount {
		return 0, fmt.Errorf("Advertisement.MarshalTo: invalid address count %d", len(a.IPs))
	}
	n := a.Len()
	if len(b) < n {
		return 0, fmt.Errorf("Advertisement.MarshalTo: buffer too small: %d < %d", len(b), n)
	}
	b[0] = byte(a.Version)<<4 | a.Type&0x0f
	b[1] = a.VRID
	b[2] = a.Priority
	b[3] = byte(len(a.IPs))
	b[4] = byte(a.AuthType)
	b[5] = a.AdvInt
	b[6], b[7] = 0, 0
	off := 8
	for _, ip := range a.IPs {
		v4 := ip.To4()
		if v4 == nil {
			return 0, fmt.Errorf("Advertisement.MarshalTo: %v is not an IPv4 address", ip)
		}
		copy(b[off:], v4)
		off += 4
	}
	if a.AuthType == AuthSimple {
		copy(b[off:], a.AuthData[:])
	}
	a.Checksum = Checksum(b[:n])
	binary.BigEndian.PutUint16(b[6:8], a.Checksum)
	return n, nil
}

func (a *Advertisement) MarshalBinary() ([]byte, error) {
	b := make([]byte, a.Len())
	if _, err := a.MarshalTo(b); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalBinary parses a VRRP payload without checking it against any
// virtual router. Use ValidateAdvertisement for the full check.
func (a *Advertisement) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return reject(Truncated, "vrrp header needs 8 bytes, got %d", len(b))
	}
	a.Version = Version(b[0] >> 4)
	a.Type = b[0] & 0x0f
	a.VRID = b[1]
	a.Priority = b[2]
	cnt := int(b[3])
	a.AuthType = AuthType(b[4])
	a.AdvInt = b[5]
	a.Checksum = binary.BigEndian.Uint16(b[6:8])
	want := AdvertisementLen(cnt, a.AuthType)
	if len(b) < want {
		return reject(Truncated, "%d addresses need %d bytes, got %d", cnt, want, len(b))
	}
	a.IPs = make([]net.IP, cnt)
	for i := 0; i < cnt; i++ {
		ip := make(net.IP, net.IPv4len)
		copy(ip, b[8+4*i:])
		a.IPs[i] = ip
	}
	a.AuthData = [AuthDataLen]byte{}
	if a.AuthType == AuthSimple {
		copy(a.AuthData[:], b[8+4*cnt:])
	}
	return nil
}

// Expectation is what a virtual router requires of an advertisement before
// it is allowed to reach the state machine.
type Expectation struct {
	VRID     byte
	CountIPs int
	AdvInt   byte
	AuthType AuthType
	AuthData [AuthDataLen]byte
}

// ValidateAdvertisement decodes b and checks length, version, type,
// checksum, virtual router id, address count, authentication and interval.
func ValidateAdvertisement(b []byte, exp *Expectation) (*Advertisement, error) {
	a := &Advertisement{}
	if err := a.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	if a.Version != VRRPv2 {
		return nil, reject(BadVersion, "got %s", a.Version)
	}
	if a.Type != AdvertisementType {
		return nil, reject(BadType, "got %d", a.Type)
	}
	// keepalived and others always carry the 8 auth bytes, so the checksum
	// covers whatever the sender put in the datagram.
	n := a.Len()
	if a.AuthType == AuthNone && len(b) >= n+AuthDataLen {
		n += AuthDataLen
	}
	if Checksum(b[:n]) != 0 {
		return nil, reject(BadChecksum, "checksum %#04x does not verify", a.Checksum)
	}
	if a.VRID != exp.VRID {
		return nil, reject(VRIDMismatch, "got %d, want %d", a.VRID, exp.VRID)
	}
	if len(a.IPs) != exp.CountIPs {
		return nil, reject(CountMismatch, "got %d, want %d", len(a.IPs), exp.CountIPs)
	}
	if a.AuthType != exp.AuthType {
		return nil, reject(AuthMismatch, "got %s, want %s", a.AuthType, exp.AuthType)
	}
	if a.AuthType == AuthSimple && a.AuthData != exp.AuthData {
		return nil, reject(AuthMismatch, "authentication data differs")
	}
	if a.AdvInt != exp.AdvInt {
		return nil, reject(IntervalMismatch, "got %ds, want %ds", a.AdvInt, exp.AdvInt)
	}
	return a, nil
}
