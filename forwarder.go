package vrrp

import (
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

const (
	nat           = "nat"
	prerouting    = "PREROUTING"
	dnat          = "DNAT"
	jump          = "-j"
	destination   = "-d"
	toDestination = "--to-destination"
)

// Forwarder makes the local host answer for the virtual addresses while the
// virtual router is master.
type Forwarder interface {
	Start(vips []VirtualIP, target net.IP) error
	Stop() error
	Close() error
}

type iptablesAPI interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	Delete(table, chain string, rulespec ...string) error
	ClearAndDeleteChain(table, chain string) error
}

var _ Forwarder = (*IPTablesForwarder)(nil)

// IPTablesForwarder DNATs traffic for the virtual addresses to the primary
// address of the interface. Every virtual router gets its own chain,
// VRRP-<iface>-<vrid>, jumped to from PREROUTING. A VRID is only unique per
// link, so the interface is part of the name.
type IPTablesForwarder struct {
	mu       sync.Mutex
	iptables iptablesAPI
	chain    string
}

func NewIPTablesForwarder(iface string, vrid byte) (*IPTablesForwarder, error) {
	out, err := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("'sysctl -w net.ipv4.ip_forward=1' failed: %v %v", string(out), err)
	}
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("NewIPTablesForwarder: %w", err)
	}
	return newIPTablesForwarder(iface, vrid, ipt)
}

// chainName fits the kernel's 28 byte limit: interface names are at most
// 15 bytes.
func chainName(iface string, vrid byte) string {
	return fmt.Sprintf("VRRP-%s-%d", iface, vrid)
}

func newIPTablesForwarder(iface string, vrid byte, ipt iptablesAPI) (*IPTablesForwarder, error) {
	fw := &IPTablesForwarder{iptables: ipt, chain: chainName(iface, vrid)}
	if err := fw.init(); err != nil {
		return nil, fmt.Errorf("IPTablesForwarder.init: %w", err)
	}
	return fw, nil
}

func (f *IPTablesForwarder) init() error {
	ok, err := f.iptables.ChainExists(nat, f.chain)
	if err != nil {
		return err
	}
	if !ok {
		if err := f.iptables.NewChain(nat, f.chain); err != nil {
			return err
		}
	}
	return f.iptables.AppendUnique(nat, prerouting, jump, f.chain)
}

func (f *IPTablesForwarder) Start(vips []VirtualIP, target net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, vip := range vips {
		if err := f.iptables.AppendUnique(nat, f.chain, destination, vip.IP.String(), jump, dnat, toDestination, target.String()); err != nil {
			return fmt.Errorf("IPTablesForwarder.Start: %w", err)
		}
	}
	return nil
}

func (f *IPTablesForwarder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.iptables.ClearChain(nat, f.chain); err != nil {
		return fmt.Errorf("IPTablesForwarder.Stop: %w", err)
	}
	return nil
}

func (f *IPTablesForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.iptables.Delete(nat, prerouting, jump, f.chain); err != nil {
		return fmt.Errorf("IPTablesForwarder.Close: %w", err)
	}
	if err := f.iptables.ClearAndDeleteChain(nat, f.chain); err != nil {
		return fmt.Errorf("IPTablesForwarder.Close: %w", err)
	}
	return nil
}
