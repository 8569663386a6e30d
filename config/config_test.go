package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vrrp "go.linka.cloud/vrrpd"
	"go.linka.cloud/vrrpd/script"
)

const sample = `
log:
  level: debug
metrics:
  listen: ":9100"
events:
  nats_url: nats://127.0.0.1:4222
  node: lb-1
gossip:
  port: 7946
  peers: [10.0.0.20:7946]
  interval: 200ms
interfaces:
  - name: eth0
    vlans: [eth0.10]
    monitor: true
    carrier_timeout: 3s
virtual_routers:
  - vrid: 51
    interface: eth0
    priority: 150
    advert_interval: 2
    preempt: false
    virtual_ips: [192.168.1.1/24, 192.168.1.2]
    password: secret
    withdraw: always
    spanning_tree_latency: 2s
    bridge: br0
    scripts:
      state: /etc/vrrpd/state.sh
      timeout: 5s
  - vrid: 52
    interface: eth0
    owner: true
    role: master
    fault_policy: stop
    source: first_vip
    gratuitous_arp: false
    transport: gossip
    virtual_ips: [192.168.2.1/24]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, "lb-1", cfg.Events.Node)
	assert.Equal(t, 200*time.Millisecond, cfg.Gossip.Interval)
	assert.Equal(t, []string{"10.0.0.20:7946"}, cfg.Gossip.Peers)
	require.Len(t, cfg.VirtualRouters, 2)

	vr := cfg.VirtualRouters[0]
	assert.Equal(t, 51, vr.VRID)
	require.NotNil(t, vr.Priority)
	assert.Equal(t, 150, *vr.Priority)
	assert.Nil(t, cfg.VirtualRouters[1].Priority)
	require.NotNil(t, vr.Preempt)
	assert.False(t, *vr.Preempt)
	assert.Equal(t, 2*time.Second, vr.SpanningTreeLatency)
	assert.Equal(t, 5*time.Second, vr.Scripts.Timeout)

	eth0 := cfg.Interface("eth0")
	assert.True(t, eth0.Monitor)
	assert.Equal(t, 3*time.Second, eth0.CarrierTimeout)
	assert.Equal(t, []string{"eth0.10"}, eth0.VLANs)
	assert.Equal(t, Interface{Name: "eth1"}, cfg.Interface("eth1"))
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "vrrpd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(sample), 0o600))
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Len(t, cfg.VirtualRouters, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no routers", yaml: `log: {level: info}`},
		{name: "vrid zero", yaml: `virtual_routers: [{vrid: 0, interface: eth0, virtual_ips: [10.0.0.1]}]`},
		{name: "vrid too large", yaml: `virtual_routers: [{vrid: 256, interface: eth0, virtual_ips: [10.0.0.1]}]`},
		{name: "no interface", yaml: `virtual_routers: [{vrid: 1, virtual_ips: [10.0.0.1]}]`},
		{name: "no addresses", yaml: `virtual_routers: [{vrid: 1, interface: eth0}]`},
		{name: "ipv6 address", yaml: `virtual_routers: [{vrid: 1, interface: eth0, virtual_ips: ["2001:db8::1"]}]`},
		{name: "bad address", yaml: `virtual_routers: [{vrid: 1, interface: eth0, virtual_ips: [nope]}]`},
		{name: "priority", yaml: `virtual_routers: [{vrid: 1, interface: eth0, priority: 300, virtual_ips: [10.0.0.1]}]`},
		{name: "priority zero", yaml: `virtual_routers: [{vrid: 1, interface: eth0, priority: 0, virtual_ips: [10.0.0.1]}]`},
		{name: "interval", yaml: `virtual_routers: [{vrid: 1, interface: eth0, advert_interval: 256, virtual_ips: [10.0.0.1]}]`},
		{name: "password", yaml: `virtual_routers: [{vrid: 1, interface: eth0, password: "123456789", virtual_ips: [10.0.0.1]}]`},
		{name: "role", yaml: `virtual_routers: [{vrid: 1, interface: eth0, role: leader, virtual_ips: [10.0.0.1]}]`},
		{name: "withdraw", yaml: `virtual_routers: [{vrid: 1, interface: eth0, withdraw: sometimes, virtual_ips: [10.0.0.1]}]`},
		{name: "transport", yaml: `virtual_routers: [{vrid: 1, interface: eth0, transport: carrier-pigeon, virtual_ips: [10.0.0.1]}]`},
		{name: "gossip without port", yaml: `virtual_routers: [{vrid: 1, interface: eth0, transport: gossip, virtual_ips: [10.0.0.1]}]`},
		{name: "duplicate vrid", yaml: `
virtual_routers:
  - {vrid: 1, interface: eth0, virtual_ips: [10.0.0.1]}
  - {vrid: 1, interface: eth0, virtual_ips: [10.0.0.2]}
`},
		{name: "two gossip routers", yaml: `
gossip: {port: 7946}
virtual_routers:
  - {vrid: 1, interface: eth0, transport: gossip, virtual_ips: [10.0.0.1]}
  - {vrid: 2, interface: eth0, transport: gossip, virtual_ips: [10.0.0.2]}
`},
		{name: "negative duration", yaml: `virtual_routers: [{vrid: 1, interface: eth0, spanning_tree_latency: -1s, virtual_ips: [10.0.0.1]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateSameVRIDOnTwoLinks(t *testing.T) {
	_, err := Parse([]byte(`
virtual_routers:
  - {vrid: 1, interface: eth0, virtual_ips: [10.0.0.1]}
  - {vrid: 1, interface: eth1, virtual_ips: [10.0.1.1]}
`))
	assert.NoError(t, err)
}

type nopTransport struct{}

func (nopTransport) Send([]byte) error { return nil }

func (nopTransport) Receive(timeout time.Duration) ([]byte, error) {
	time.Sleep(timeout)
	return nil, vrrp.ErrReceiveTimeout
}

func (nopTransport) Close() error { return nil }

type nopScripts struct{}

func (nopScripts) Run(context.Context, script.Invocation) int { return 0 }

func TestOptions(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	ifi := &vrrp.Interface{
		Name:         "eth0",
		Index:        2,
		HardwareAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a},
		PrimaryIP:    net.IPv4(192, 168, 1, 10).To4(),
	}
	build := func(vc VirtualRouter) *vrrp.VirtualRouter {
		opts, err := vc.Options()
		require.NoError(t, err)
		opts = append(opts,
			vrrp.WithInterfaceInfo(ifi),
			vrrp.WithTransport(nopTransport{}),
			vrrp.WithGratuitousARP(false),
			vrrp.WithScriptRunner(nopScripts{}),
		)
		vr, err := vrrp.NewVirtualRouter(opts...)
		require.NoError(t, err)
		return vr
	}

	vr := build(cfg.VirtualRouters[0])
	st := vr.Status()
	assert.Equal(t, byte(51), vr.ID())
	assert.Equal(t, byte(150), st.Priority)
	assert.Equal(t, 6*time.Second+vrrp.SkewTime(150, 2*time.Second), st.MasterDownInterval)

	owner := build(cfg.VirtualRouters[1])
	assert.Equal(t, byte(vrrp.OwnerPriority), owner.Status().Priority)
	assert.Equal(t, net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x01, 52}, owner.VirtualMAC())
}
