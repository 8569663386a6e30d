package vrrp

import (
	"bytes"
	"fmt"
	"net"
	"sync"
)

// Registry is the process wide record of what every virtual router worker
// has put on a physical interface: the VRRP ids in use, the virtual MACs
// currently claimed by a master and the VLAN interfaces stacked on it.
//
// One mutex guards every interface record. Readers get copies, so nothing
// handed out by the registry aliases its internal slices.
type Registry struct {
	mu     sync.Mutex
	ifaces map[string]*interfaceRecord
}

type interfaceRecord struct {
	vrids   map[byte]struct{}
	macs    []net.HardwareAddr
	macSet  map[string]struct{}
	vlans   []string
	vlanSet map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{ifaces: make(map[string]*interfaceRecord)}
}

// record must be called with mu held.
func (r *Registry) record(iface string) *interfaceRecord {
	rec, ok := r.ifaces[iface]
	if !ok {
		rec = &interfaceRecord{
			vrids:   make(map[byte]struct{}),
			macSet:  make(map[string]struct{}),
			vlanSet: make(map[string]struct{}),
		}
		r.ifaces[iface] = rec
	}
	return rec
}

// RegisterVRID reserves vrid on iface. A VRID is unique per link.
func (r *Registry) RegisterVRID(iface string, vrid byte) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(iface)
	if _, ok := rec.vrids[vrid]; ok {
		return fmt.Errorf("Registry.RegisterVRID: vrid %d already running on %s", vrid, iface)
	}
	rec.vrids[vrid] = struct{}{}
	return nil
}

func (r *Registry) UnregisterVRID(iface string, vrid byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.record(iface).vrids, vrid)
}

// ClaimMAC adds mac to the addresses owned on iface. It reports whether the
// address was newly added.
func (r *Registry) ClaimMAC(iface string, mac net.HardwareAddr) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(iface)
	key := mac.String()
	if _, ok := rec.macSet[key]; ok {
		return false
	}
	rec.macSet[key] = struct{}{}
	rec.macs = append(rec.macs, append(net.HardwareAddr(nil), mac...))
	return true
}

// ReleaseMAC removes mac from iface, keeping the order of the others.
func (r *Registry) ReleaseMAC(iface string, mac net.HardwareAddr) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(iface)
	key := mac.String()
	if _, ok := rec.macSet[key]; !ok {
		return false
	}
	delete(rec.macSet, key)
	for i, m := range rec.macs {
		if bytes.Equal(m, mac) {
			rec.macs = append(rec.macs[:i], rec.macs[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) OwnsMAC(iface string, mac net.HardwareAddr) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.record(iface).macSet[mac.String()]
	return ok
}

// MACs returns a snapshot of the owned addresses in claim order.
func (r *Registry) MACs(iface string) []net.HardwareAddr {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(iface)
	out := make([]net.HardwareAddr, len(rec.macs))
	for i, m := range rec.macs {
		out[i] = append(net.HardwareAddr(nil), m...)
	}
	return out
}

func (r *Registry) AddVLAN(iface, vlan string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(iface)
	if _, ok := rec.vlanSet[vlan]; ok {
		return false
	}
	rec.vlanSet[vlan] = struct{}{}
	rec.vlans = append(rec.vlans, vlan)
	return true
}

func (r *Registry) RemoveVLAN(iface, vlan string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(iface)
	if _, ok := rec.vlanSet[vlan]; !ok {
		return false
	}
	delete(rec.vlanSet, vlan)
	for i, v := range rec.vlans {
		if v == vlan {
			rec.vlans = append(rec.vlans[:i], rec.vlans[i+1:]...)
			break
		}
	}
	return true
}

// VLANs returns a snapshot of the VLAN interfaces stacked on iface.
func (r *Registry) VLANs(iface string) []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.record(iface).vlans...)
}
