// Package config loads the daemon's YAML configuration and turns every
// virtual_routers entry into vrrp options.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	vrrp "go.linka.cloud/vrrpd"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Log struct {
		Level    string `yaml:"level"`
		Dir      string `yaml:"dir"`
		Filename string `yaml:"filename"`
		// MaxAge and RotateTime are in hours.
		MaxAge     int `yaml:"max_age"`
		RotateTime int `yaml:"rotate_time"`
	} `yaml:"log"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Events struct {
		NATSURL string `yaml:"nats_url"`
		Node    string `yaml:"node"`
	} `yaml:"events"`

	Gossip Gossip `yaml:"gossip"`

	Interfaces     []Interface     `yaml:"interfaces"`
	VirtualRouters []VirtualRouter `yaml:"virtual_routers"`
}

// Gossip configures the memberlist transport used by routers with
// transport: gossip.
type Gossip struct {
	Name     string        `yaml:"name"`
	Bind     string        `yaml:"bind"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
	Peers    []string      `yaml:"peers"`
	// SRV is resolved to peers when set, as _service._proto.name.
	SRV string `yaml:"srv"`
}

// Interface holds per link settings shared by the routers on it.
type Interface struct {
	Name           string        `yaml:"name"`
	VLANs          []string      `yaml:"vlans"`
	Monitor        bool          `yaml:"monitor"`
	CarrierTimeout time.Duration `yaml:"carrier_timeout"`
}

type VirtualRouter struct {
	VRID                int           `yaml:"vrid"`
	Interface           string        `yaml:"interface"`
	Priority            *int          `yaml:"priority"`
	AdvertInterval      int           `yaml:"advert_interval"`
	Preempt             *bool         `yaml:"preempt"`
	Owner               bool          `yaml:"owner"`
	Role                string        `yaml:"role"`
	VirtualIPs          []string      `yaml:"virtual_ips"`
	Password            string        `yaml:"password"`
	FaultPolicy         string        `yaml:"fault_policy"`
	Withdraw            string        `yaml:"withdraw"`
	Source              string        `yaml:"source"`
	GratuitousARP       *bool         `yaml:"gratuitous_arp"`
	SpanningTreeLatency time.Duration `yaml:"spanning_tree_latency"`
	Bridge              string        `yaml:"bridge"`
	Forwarding          bool          `yaml:"forwarding"`
	Transport           string        `yaml:"transport"`
	Scripts             struct {
		Master  string        `yaml:"master"`
		Backup  string        `yaml:"backup"`
		State   string        `yaml:"state"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"scripts"`
}

const (
	TransportPacket = "packet"
	TransportGossip = "gossip"
)

var (
	roles = map[string]vrrp.Role{
		"":       vrrp.RoleAuto,
		"auto":   vrrp.RoleAuto,
		"master": vrrp.RoleMaster,
	}
	faultPolicies = map[string]vrrp.FaultPolicy{
		"":       vrrp.FaultDemote,
		"demote": vrrp.FaultDemote,
		"stop":   vrrp.FaultStop,
	}
	withdrawPolicies = map[string]vrrp.WithdrawPolicy{
		"":        vrrp.WithdrawNever,
		"never":   vrrp.WithdrawNever,
		"preempt": vrrp.WithdrawOnPreempt,
		"fault":   vrrp.WithdrawOnFault,
		"always":  vrrp.WithdrawAlways,
	}
	sourcePolicies = map[string]vrrp.SourcePolicy{
		"":          vrrp.SourceAuto,
		"auto":      vrrp.SourceAuto,
		"first_vip": vrrp.SourceFirstVIP,
		"interface": vrrp.SourceInterface,
	}
)

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined, each wrapping
// ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}
	if len(c.VirtualRouters) == 0 {
		bad("no virtual_routers configured")
	}
	ifaces := make(map[string]struct{})
	for _, i := range c.Interfaces {
		if i.Name == "" {
			bad("interface without name")
		}
		if _, ok := ifaces[i.Name]; ok {
			bad("interface %s configured twice", i.Name)
		}
		ifaces[i.Name] = struct{}{}
		if i.CarrierTimeout < 0 {
			bad("interface %s: negative carrier_timeout", i.Name)
		}
	}
	type key struct {
		iface string
		vrid  int
	}
	seen := make(map[key]struct{})
	gossipers := 0
	for n, vr := range c.VirtualRouters {
		name := fmt.Sprintf("virtual_routers[%d]", n)
		if vr.VRID < 1 || vr.VRID > 255 {
			bad("%s: vrid %d out of range 1-255", name, vr.VRID)
		}
		if vr.Interface == "" {
			bad("%s: interface is required", name)
		}
		k := key{vr.Interface, vr.VRID}
		if _, ok := seen[k]; ok {
			bad("%s: vrid %d already used on %s", name, vr.VRID, vr.Interface)
		}
		seen[k] = struct{}{}
		// 0 is the release priority, leave the field out for the default
		if vr.Priority != nil && (*vr.Priority < 1 || *vr.Priority > 255) {
			bad("%s: priority %d out of range 1-255", name, *vr.Priority)
		}
		if vr.AdvertInterval < 0 || vr.AdvertInterval > 255 {
			bad("%s: advert_interval %d out of range 1-255", name, vr.AdvertInterval)
		}
		if len(vr.VirtualIPs) == 0 {
			bad("%s: at least one virtual_ips entry is required", name)
		}
		for _, s := range vr.VirtualIPs {
			if _, err := vrrp.ParseVirtualIP(s); err != nil {
				bad("%s: virtual ip %q: %v", name, s, err)
			}
		}
		if len(vr.Password) > vrrp.AuthDataLen {
			bad("%s: password longer than %d bytes", name, vrrp.AuthDataLen)
		}
		if _, ok := roles[strings.ToLower(vr.Role)]; !ok {
			bad("%s: unknown role %q", name, vr.Role)
		}
		if _, ok := faultPolicies[strings.ToLower(vr.FaultPolicy)]; !ok {
			bad("%s: unknown fault_policy %q", name, vr.FaultPolicy)
		}
		if _, ok := withdrawPolicies[strings.ToLower(vr.Withdraw)]; !ok {
			bad("%s: unknown withdraw %q", name, vr.Withdraw)
		}
		if _, ok := sourcePolicies[strings.ToLower(vr.Source)]; !ok {
			bad("%s: unknown source %q", name, vr.Source)
		}
		switch strings.ToLower(vr.Transport) {
		case "", TransportPacket:
		case TransportGossip:
			gossipers++
			if c.Gossip.Port == 0 {
				bad("%s: gossip transport needs gossip.port", name)
			}
			if gossipers > 1 {
				bad("%s: only one virtual router can use the gossip transport", name)
			}
		default:
			bad("%s: unknown transport %q", name, vr.Transport)
		}
		if vr.SpanningTreeLatency < 0 || vr.Scripts.Timeout < 0 {
			bad("%s: negative duration", name)
		}
	}
	return errors.Join(errs...)
}

// Options maps a validated entry to vrrp options. Collaborators such as
// the transport, registry or metrics are left to the caller.
func (vr *VirtualRouter) Options() ([]vrrp.Option, error) {
	vips := make([]vrrp.VirtualIP, 0, len(vr.VirtualIPs))
	for _, s := range vr.VirtualIPs {
		v, err := vrrp.ParseVirtualIP(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		vips = append(vips, v)
	}
	opts := []vrrp.Option{
		vrrp.WithVRID(byte(vr.VRID)),
		vrrp.WithInterface(vr.Interface),
		vrrp.WithVirtualIPs(vips...),
		vrrp.WithRole(roles[strings.ToLower(vr.Role)]),
		vrrp.WithFaultPolicy(faultPolicies[strings.ToLower(vr.FaultPolicy)]),
		vrrp.WithWithdrawPolicy(withdrawPolicies[strings.ToLower(vr.Withdraw)]),
		vrrp.WithSourceAddress(sourcePolicies[strings.ToLower(vr.Source)]),
		vrrp.WithSpanningTreeLatency(vr.SpanningTreeLatency),
		vrrp.WithBridgeInterface(vr.Bridge),
		vrrp.WithScripts(vr.Scripts.Master, vr.Scripts.Backup, vr.Scripts.State),
	}
	if vr.Owner {
		opts = append(opts, vrrp.WithOwner(true))
	}
	if vr.Priority != nil {
		opts = append(opts, vrrp.WithPriority(byte(*vr.Priority)))
	}
	if vr.AdvertInterval != 0 {
		opts = append(opts, vrrp.WithAdvInterval(time.Duration(vr.AdvertInterval)*time.Second))
	}
	if vr.Preempt != nil {
		opts = append(opts, vrrp.WithPreemptMode(*vr.Preempt))
	}
	if vr.Password != "" {
		opts = append(opts, vrrp.WithAuthentication(vr.Password))
	}
	if vr.GratuitousARP != nil {
		opts = append(opts, vrrp.WithGratuitousARP(*vr.GratuitousARP))
	}
	if vr.Scripts.Timeout > 0 {
		opts = append(opts, vrrp.WithScriptTimeout(vr.Scripts.Timeout))
	}
	return opts, nil
}

// Interface returns the settings of name, or the zero value.
func (c *Config) Interface(name string) Interface {
	for _, i := range c.Interfaces {
		if i.Name == name {
			return i
		}
	}
	return Interface{Name: name}
}
