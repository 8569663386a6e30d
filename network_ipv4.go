package vrrp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"
)

var (
	_ AddrAnnouncer = (*IPv4AddrAnnouncer)(nil)
	_ Transport     = (*PacketTransport)(nil)
)

type arpWriter interface {
	WriteTo(p *arp.Packet, addr net.HardwareAddr) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func dialARP(name string) (arpWriter, error) {
	nif, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	c, err := arp.Dial(nif)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// IPv4AddrAnnouncer sends gratuitous ARP replies for the virtual addresses
// on an interface and on every VLAN registered for it.
type IPv4AddrAnnouncer struct {
	iface    string
	registry *Registry
	metrics  *Metrics
	dial     func(name string) (arpWriter, error)

	mu      sync.Mutex
	clients map[string]arpWriter
}

func NewIPv4AddrAnnouncer(iface string, registry *Registry) (*IPv4AddrAnnouncer, error) {
	ar := newIPv4AddrAnnouncer(iface, registry, dialARP)
	// open the base interface eagerly so a bad setup fails at startup
	if _, err := ar.client(iface); err != nil {
		return nil, fmt.Errorf("NewIPv4AddrAnnouncer: %w", err)
	}
	logger.Debugf("IPv4 addresses announcer created on %v", iface)
	return ar, nil
}

func newIPv4AddrAnnouncer(iface string, registry *Registry, dial func(string) (arpWriter, error)) *IPv4AddrAnnouncer {
	return &IPv4AddrAnnouncer{
		iface:    iface,
		registry: registry,
		dial:     dial,
		clients:  make(map[string]arpWriter),
	}
}

// SetMetrics makes the announcer count sent and failed replies on m.
func (ar *IPv4AddrAnnouncer) SetMetrics(m *Metrics) {
	ar.metrics = m
}

func (ar *IPv4AddrAnnouncer) client(name string) (arpWriter, error) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if c, ok := ar.clients[name]; ok {
		return c, nil
	}
	c, err := ar.dial(name)
	if err != nil {
		return nil, err
	}
	ar.clients[name] = c
	return c, nil
}

// makeGratuitousPacket make gratuitous ARP reply claiming ip for hwd
func makeGratuitousPacket(ip net.IP, hwd net.HardwareAddr) (*arp.Packet, error) {
	addr, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		return nil, fmt.Errorf("%v is not an IPv4 address", ip)
	}
	return arp.NewPacket(arp.OperationReply, hwd, addr, ethernet.Broadcast, addr)
}

// AnnounceAll sends one gratuitous ARP reply per virtual address and per
// link. It is best effort: every failure is logged and counted, none is
// retried, and the joined errors are returned for the caller's log.
func (ar *IPv4AddrAnnouncer) AnnounceAll(vips []VirtualIP, mac net.HardwareAddr) error {
	links := append([]string{ar.iface}, ar.registry.VLANs(ar.iface)...)
	var errs []error
	for _, link := range links {
		c, err := ar.client(link)
		if err != nil {
			errs = append(errs, fmt.Errorf("IPv4AddrAnnouncer.AnnounceAll: %s: %w", link, err))
			continue
		}
		for _, vip := range vips {
			if err := ar.announce(c, vip.IP, mac); err != nil {
				logger.WithFields(logrus.Fields{
					"interface": link,
					"ip":        vip.IP,
				}).WithError(err).Warn("gratuitous arp failed")
				ar.metrics.garpFailed(ar.iface)
				errs = append(errs, err)
				continue
			}
			ar.metrics.garpSent(ar.iface)
		}
	}
	return errors.Join(errs...)
}

func (ar *IPv4AddrAnnouncer) announce(c arpWriter, ip net.IP, hwd net.HardwareAddr) error {
	if err := c.SetWriteDeadline(time.Now().Add(5 * time.Millisecond)); err != nil {
		return fmt.Errorf("IPv4AddrAnnouncer.announce: %v", err)
	}
	p, err := makeGratuitousPacket(ip, hwd)
	if err != nil {
		return fmt.Errorf("IPv4AddrAnnouncer.announce: %v", err)
	}
	logger.Debugf("send gratuitous arp for %v", ip)
	if err := c.WriteTo(p, ethernet.Broadcast); err != nil {
		return fmt.Errorf("IPv4AddrAnnouncer.announce: %v", err)
	}
	return nil
}

func (ar *IPv4AddrAnnouncer) Close() error {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	var errs []error
	for name, c := range ar.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(ar.clients, name)
	}
	return errors.Join(errs...)
}

// PacketTransport sends and receives raw Ethernet frames on one interface.
// A second ip4:112 socket keeps the 224.0.0.18 membership so the NIC lets
// the group address through.
type PacketTransport struct {
	ifi    *net.Interface
	conn   *packet.Conn
	group  *ipv4.PacketConn
	buffer []byte
}

func NewPacketTransport(iface string) (*PacketTransport, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("NewPacketTransport: %w", err)
	}
	conn, err := packet.Listen(ifi, packet.Raw, int(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("NewPacketTransport: %w", err)
	}
	filter, err := bpf.Assemble(vrrpFilter())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewPacketTransport: %w", err)
	}
	if err := conn.SetBPF(filter); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewPacketTransport: %w", err)
	}
	group, err := joinVRRPGroup(ifi)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewPacketTransport: %w", err)
	}
	logger.Infof("joined %v on %v", MultiAddrIPv4, ifi.Name)
	return &PacketTransport{
		ifi:    ifi,
		conn:   conn,
		group:  group,
		buffer: make([]byte, 2048),
	}, nil
}

// vrrpFilter keeps IPv4 frames carrying IP protocol 112 and drops
// everything else in the kernel.
func vrrpFilter() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(ethernet.EtherTypeIPv4), SkipTrue: 3},
		bpf.LoadAbsolute{Off: EthernetHeaderLen + 9, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: IPProtocolNumber, SkipTrue: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	}
}

func joinVRRPGroup(ifi *net.Interface) (*ipv4.PacketConn, error) {
	c, err := net.ListenPacket(fmt.Sprintf("ip4:%d", IPProtocolNumber), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("joinVRRPGroup: %v", err)
	}
	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(ifi, &net.IPAddr{IP: MultiAddrIPv4}); err != nil {
		c.Close()
		return nil, fmt.Errorf("joinVRRPGroup: %v", err)
	}
	if err := p.SetMulticastInterface(ifi); err != nil {
		c.Close()
		return nil, fmt.Errorf("joinVRRPGroup: %v", err)
	}
	if err := p.SetMulticastTTL(MultiTTL); err != nil {
		c.Close()
		return nil, fmt.Errorf("joinVRRPGroup: %v", err)
	}
	if err := p.SetMulticastLoopback(false); err != nil {
		c.Close()
		return nil, fmt.Errorf("joinVRRPGroup: %v", err)
	}
	return p, nil
}

func (t *PacketTransport) Send(frame []byte) error {
	_, err := t.conn.WriteTo(frame, &packet.Addr{HardwareAddr: MulticastMAC})
	return classifyIOError("PacketTransport.Send", err)
}

// Receive returns the next IPv4 frame seen on the interface. Frames are
// copied out of the shared buffer.
func (t *PacketTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, classifyIOError("PacketTransport.Receive", err)
	}
	n, _, err := t.conn.ReadFrom(t.buffer)
	if err != nil {
		return nil, classifyIOError("PacketTransport.Receive", err)
	}
	frame := make([]byte, n)
	copy(frame, t.buffer[:n])
	return frame, nil
}

func (t *PacketTransport) Close() error {
	var errs []error
	if err := t.group.LeaveGroup(t.ifi, &net.IPAddr{IP: MultiAddrIPv4}); err != nil {
		errs = append(errs, err)
	}
	if err := t.group.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
