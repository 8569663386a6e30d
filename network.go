package vrrp

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

var (
	// ErrReceiveTimeout is returned by Transport.Receive when nothing arrived
	// within the timeout.
	ErrReceiveTimeout = errors.New("vrrp: receive timeout")
	// ErrTransportBroken means the underlying socket is unusable. The owning
	// virtual router stops when it sees it.
	ErrTransportBroken = errors.New("vrrp: transport broken")
	// ErrLocalFault is returned by Run when a monitored circuit failed and
	// the fault policy is FaultStop.
	ErrLocalFault = errors.New("vrrp: local fault")
)

// Transport moves complete Ethernet frames for one virtual router. It is
// borrowed by the state machine: setup (multicast join, TTL, interface
// binding) happens once when it is created.
type Transport interface {
	Send(frame []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// AddrAnnouncer refreshes neighbour caches for the virtual addresses.
type AddrAnnouncer interface {
	AnnounceAll(vips []VirtualIP, mac net.HardwareAddr) error
}

// Interface describes the physical interface a virtual router runs on.
type Interface struct {
	Name         string
	Index        int
	HardwareAddr net.HardwareAddr
	PrimaryIP    net.IP
}

// LookupInterface resolves name and its first global unicast IPv4 address.
func LookupInterface(name string) (*Interface, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("LookupInterface: %w", err)
	}
	ip, err := findIPByInterface(ifi)
	if err != nil {
		return nil, fmt.Errorf("LookupInterface: %w", err)
	}
	return &Interface{
		Name:         ifi.Name,
		Index:        ifi.Index,
		HardwareAddr: ifi.HardwareAddr,
		PrimaryIP:    ip,
	}, nil
}

func findIPByInterface(itf *net.Interface) (net.IP, error) {
	addrs, err := itf.Addrs()
	if err != nil {
		return nil, fmt.Errorf("findIPByInterface: %v", err)
	}
	for index := range addrs {
		ipaddr, _, err := net.ParseCIDR(addrs[index].String())
		if err != nil {
			return nil, fmt.Errorf("findIPByInterface: %v", err)
		}
		if v4 := ipaddr.To4(); v4 != nil && v4.IsGlobalUnicast() {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("findIPByInterface: can not find valid IPv4 addrs on %v", itf.Name)
}

func defaultIFace() (string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("retrive interfaces: %w", err)
	}
	for _, v := range ifs {
		if v.Flags&net.FlagLoopback != 0 || v.Flags&net.FlagUp == 0 {
			continue
		}
		if _, err := findIPByInterface(&v); err != nil {
			logger.Debugf("skipping %v: %v", v.Name, err)
			continue
		}
		return v.Name, nil
	}
	return "", errors.New("no valid interface found")
}

// classifyIOError maps socket errors onto the Transport contract: timeouts
// become ErrReceiveTimeout, dead descriptors become ErrTransportBroken and
// everything else is returned as a transient failure.
func classifyIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrReceiveTimeout
	}
	switch {
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EBADF),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO):
		return fmt.Errorf("%s: %w: %v", op, ErrTransportBroken, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
