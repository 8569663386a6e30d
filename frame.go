package vrrp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
)

const (
	EthernetHeaderLen = 14
	IPv4HeaderLen     = 20
	VRRPHeaderLen     = 8
)

// FrameLen returns the number of bytes EncodeFrame writes for an
// advertisement carrying cnt addresses.
func FrameLen(cnt int, auth AuthType) int {
	return EthernetHeaderLen + IPv4HeaderLen + AdvertisementLen(cnt, auth)
}

// FrameParams holds everything EncodeFrame needs. It is built from a
// snapshot of the virtual router and never retained.
type FrameParams struct {
	SrcMAC        net.HardwareAddr
	SrcIP         net.IP
	ID            uint16
	Advertisement *Advertisement
}

// EncodeFrame writes the Ethernet, IPv4 and VRRP headers of p into buf and
// returns the number of bytes written.
func EncodeFrame(buf []byte, p *FrameParams) (int, error) {
	if p.Advertisement == nil {
		return 0, errors.New("EncodeFrame: no advertisement")
	}
	src := p.SrcIP.To4()
	if src == nil {
		return 0, fmt.Errorf("EncodeFrame: source %v is not an IPv4 address", p.SrcIP)
	}
	if len(p.SrcMAC) != 6 {
		return 0, fmt.Errorf("EncodeFrame: invalid source hardware address %v", p.SrcMAC)
	}
	vlen := p.Advertisement.Len()
	n := EthernetHeaderLen + IPv4HeaderLen + vlen
	if len(buf) < n {
		return 0, fmt.Errorf("EncodeFrame: buffer too small: %d < %d", len(buf), n)
	}

	copy(buf[0:6], MulticastMAC)
	copy(buf[6:12], p.SrcMAC)
	binary.BigEndian.PutUint16(buf[12:14], uint16(ethernet.EtherTypeIPv4))

	ip := buf[EthernetHeaderLen : EthernetHeaderLen+IPv4HeaderLen]
	ip[0] = 4<<4 | IPv4HeaderLen/4
	// DSCP CS6, internetwork control
	ip[1] = 0xc0
	binary.BigEndian.PutUint16(ip[2:4], uint16(IPv4HeaderLen+vlen))
	binary.BigEndian.PutUint16(ip[4:6], p.ID)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = MultiTTL
	ip[9] = IPProtocolNumber
	ip[10], ip[11] = 0, 0
	copy(ip[12:16], src)
	copy(ip[16:20], MultiAddrIPv4)
	binary.BigEndian.PutUint16(ip[10:12], Checksum(ip))

	if _, err := p.Advertisement.MarshalTo(buf[EthernetHeaderLen+IPv4HeaderLen:]); err != nil {
		return 0, fmt.Errorf("EncodeFrame: %w", err)
	}
	return n, nil
}

// Received is a validated advertisement along with the addresses of its
// sender.
type Received struct {
	*Advertisement
	Source    net.IP
	SourceMAC net.HardwareAddr
}

// DecodeFrame parses and validates an Ethernet frame. Any violation yields a
// *RejectError; nothing is read past the end of buf.
func DecodeFrame(buf []byte, exp *Expectation) (*Received, error) {
	var f ethernet.Frame
	if err := f.UnmarshalBinary(buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, reject(Truncated, "ethernet header: %d bytes", len(buf))
		}
		return nil, reject(Truncated, "ethernet header: %v", err)
	}
	if f.EtherType != ethernet.EtherTypeIPv4 {
		return nil, reject(NotVRRP, "ethertype %v", f.EtherType)
	}
	ip := f.Payload
	if len(ip) < IPv4HeaderLen {
		return nil, reject(Truncated, "ip header: %d bytes", len(ip))
	}
	if ip[0]>>4 != 4 {
		return nil, reject(BadIPHeader, "ip version %d", ip[0]>>4)
	}
	hlen := int(ip[0]&0x0f) * 4
	if hlen < IPv4HeaderLen {
		return nil, reject(BadIPHeader, "ip header length %d", hlen)
	}
	if hlen > len(ip) {
		return nil, reject(Truncated, "ip header length %d exceeds %d bytes", hlen, len(ip))
	}
	total := int(binary.BigEndian.Uint16(ip[2:4]))
	if total < hlen {
		return nil, reject(BadIPHeader, "ip total length %d below header length %d", total, hlen)
	}
	if total > len(ip) {
		return nil, reject(Truncated, "ip total length %d exceeds %d bytes", total, len(ip))
	}
	// drop Ethernet padding
	ip = ip[:total]
	if Checksum(ip[:hlen]) != 0 {
		return nil, reject(BadChecksum, "ip header checksum")
	}
	if ip[9] != IPProtocolNumber {
		return nil, reject(NotVRRP, "ip protocol %d", ip[9])
	}
	if ip[8] != MultiTTL {
		return nil, reject(BadTTL, "ttl %d", ip[8])
	}
	a, err := ValidateAdvertisement(ip[hlen:], exp)
	if err != nil {
		return nil, err
	}
	src := make(net.IP, net.IPv4len)
	copy(src, ip[12:16])
	return &Received{Advertisement: a, Source: src, SourceMAC: f.Source}, nil
}

// Describe renders a frame layer by layer for trace logging.
func Describe(frame []byte) string {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default).String()
}
