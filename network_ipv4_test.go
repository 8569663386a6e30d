package vrrp

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mdlayher/arp"
	"github.com/mdlayher/ethernet"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
)

type fakeARP struct {
	mu      sync.Mutex
	name    string
	packets []*arp.Packet
	fail    error
	closed  bool
}

func (f *fakeARP) WriteTo(p *arp.Packet, addr net.HardwareAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if addr.String() != ethernet.Broadcast.String() {
		return errors.New("not broadcast")
	}
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakeARP) SetWriteDeadline(time.Time) error {
	return nil
}

func (f *fakeARP) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	clients map[string]*fakeARP
	missing map[string]bool
}

func (d *fakeDialer) dial(name string) (arpWriter, error) {
	if d.missing[name] {
		return nil, errors.New("no such network interface")
	}
	c, ok := d.clients[name]
	if !ok {
		c = &fakeARP{name: name}
		d.clients[name] = c
	}
	return c, nil
}

func TestAnnounceAllCoversVLANs(t *testing.T) {
	registry := NewRegistry()
	registry.AddVLAN("eth0", "eth0.10")
	registry.AddVLAN("eth0", "eth0.20")
	d := &fakeDialer{clients: map[string]*fakeARP{}, missing: map[string]bool{"eth0.20": true}}
	metrics := NewMetrics()
	ar := newIPv4AddrAnnouncer("eth0", registry, d.dial)
	ar.SetMetrics(metrics)

	mac := net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, 0x01}
	err := ar.AnnounceAll([]VirtualIP{vip1, vip2}, mac)
	require.Error(t, err, "eth0.20 could not be opened")
	assert.Contains(t, err.Error(), "eth0.20")

	for _, link := range []string{"eth0", "eth0.10"} {
		c := d.clients[link]
		require.NotNil(t, c, link)
		require.Len(t, c.packets, 2, link)
		for i, vip := range []VirtualIP{vip1, vip2} {
			p := c.packets[i]
			assert.Equal(t, arp.OperationReply, p.Operation)
			assert.Equal(t, mac, p.SenderHardwareAddr)
			assert.Equal(t, vip.IP.String(), p.SenderIP.String())
			assert.Equal(t, vip.IP.String(), p.TargetIP.String())
			assert.Equal(t, ethernet.Broadcast, p.TargetHardwareAddr)
		}
	}
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.GARPSent.WithLabelValues("eth0")))

	d.clients["eth0"].fail = errors.New("no buffer space available")
	assert.Error(t, ar.AnnounceAll([]VirtualIP{vip1}, mac))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GARPErrors.WithLabelValues("eth0")))
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.GARPSent.WithLabelValues("eth0")))

	require.NoError(t, ar.Close())
	assert.True(t, d.clients["eth0"].closed)
	assert.True(t, d.clients["eth0.10"].closed)
}

func TestMakeGratuitousPacket(t *testing.T) {
	_, err := makeGratuitousPacket(net.ParseIP("2001:db8::1"), BroadcastHADDR)
	assert.Error(t, err)
}

func TestVRRPFilter(t *testing.T) {
	vm, err := bpf.NewVM(vrrpFilter())
	require.NoError(t, err)

	frame := advertFrame(t, 1, 100, peerIP, 1, vip1)
	n, err := vm.Run(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	udp := append([]byte(nil), frame...)
	udp[EthernetHeaderLen+9] = 17
	n, err = vm.Run(udp)
	require.NoError(t, err)
	assert.Zero(t, n)

	arpFrame := append([]byte(nil), frame...)
	arpFrame[12], arpFrame[13] = 0x08, 0x06
	n, err = vm.Run(arpFrame)
	require.NoError(t, err)
	assert.Zero(t, n)
}
