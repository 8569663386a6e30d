package vrrp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

type Option func(r *VirtualRouter) error

// VirtualIP is a protected address and the prefix length it is configured
// with on the interface.
type VirtualIP struct {
	IP     net.IP
	Prefix int
}

func (v VirtualIP) String() string {
	return fmt.Sprintf("%s/%d", v.IP, v.Prefix)
}

// ParseVirtualIP parses "a.b.c.d" or "a.b.c.d/n". A bare address gets /32.
func ParseVirtualIP(s string) (VirtualIP, error) {
	if ip := net.ParseIP(s); ip != nil {
		if ip.To4() == nil {
			return VirtualIP{}, fmt.Errorf("%s is not an IPv4 address", s)
		}
		return VirtualIP{IP: ip.To4(), Prefix: 32}, nil
	}
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		return VirtualIP{}, err
	}
	if ip.To4() == nil {
		return VirtualIP{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	ones, _ := n.Mask.Size()
	return VirtualIP{IP: ip.To4(), Prefix: ones}, nil
}

func WithVRID(id byte) Option {
	return func(r *VirtualRouter) error {
		r.id = id
		return nil
	}
}

func WithInterface(iface string) Option {
	return func(r *VirtualRouter) error {
		r.ifaceName = iface
		return nil
	}
}

// WithInterfaceInfo skips the interface lookup and uses ifi as is.
func WithInterfaceInfo(ifi *Interface) Option {
	return func(r *VirtualRouter) error {
		if ifi == nil || ifi.PrimaryIP.To4() == nil || len(ifi.HardwareAddr) != 6 {
			return errors.New("interface needs an IPv4 primary address and an Ethernet address")
		}
		r.iface = ifi
		r.ifaceName = ifi.Name
		return nil
	}
}

// WithOwner marks the router as the owner of its virtual addresses, which
// pins its priority to 255.
func WithOwner(owner bool) Option {
	return func(r *VirtualRouter) error {
		r.owner = owner
		if r.owner {
			r.priority = OwnerPriority
		}
		return nil
	}
}

// WithAdvInterval sets the advertisement interval. VRRPv2 carries it in
// whole seconds.
func WithAdvInterval(interval time.Duration) Option {
	return func(r *VirtualRouter) error {
		if interval < time.Second || interval > 255*time.Second || interval%time.Second != 0 {
			return fmt.Errorf("advertisement interval %v must be a whole number of seconds between 1 and 255", interval)
		}
		r.advInt = interval
		return nil
	}
}

func WithPriority(priority byte) Option {
	return func(r *VirtualRouter) error {
		if priority == 0 {
			return errors.New("priority 0 is reserved for the master withdrawal")
		}
		if r.owner {
			return nil
		}
		r.priority = priority
		return nil
	}
}

func WithPreemptMode(flag bool) Option {
	return func(r *VirtualRouter) error {
		r.preempt = flag
		return nil
	}
}

// WithVirtualIPs appends addresses in order. Duplicates are rejected.
func WithVirtualIPs(vips ...VirtualIP) Option {
	return func(r *VirtualRouter) error {
		for _, v := range vips {
			ip := v.IP.To4()
			if ip == nil {
				return fmt.Errorf("%v is not an IPv4 address", v.IP)
			}
			if v.Prefix < 0 || v.Prefix > 32 {
				return fmt.Errorf("invalid prefix length %d for %v", v.Prefix, ip)
			}
			for _, have := range r.vips {
				if have.IP.Equal(ip) {
					return fmt.Errorf("redundant virtual address %v", ip)
				}
			}
			r.vips = append(r.vips, VirtualIP{IP: ip, Prefix: v.Prefix})
		}
		return nil
	}
}

func WithVirtualIP(ip net.IP, prefix int) Option {
	return WithVirtualIPs(VirtualIP{IP: ip, Prefix: prefix})
}

// WithAuthentication configures RFC 2338 simple text authentication. An
// empty password disables it.
func WithAuthentication(password string) Option {
	return func(r *VirtualRouter) error {
		if len(password) > AuthDataLen {
			return fmt.Errorf("password longer than %d bytes", AuthDataLen)
		}
		r.authData = [AuthDataLen]byte{}
		if password == "" {
			r.authType = AuthNone
			return nil
		}
		r.authType = AuthSimple
		copy(r.authData[:], password)
		return nil
	}
}

// WithRole forces the router to start as master whatever its priority.
func WithRole(role Role) Option {
	return func(r *VirtualRouter) error {
		r.role = role
		return nil
	}
}

func WithFaultPolicy(p FaultPolicy) Option {
	return func(r *VirtualRouter) error {
		r.faultPolicy = p
		return nil
	}
}

func WithWithdrawPolicy(p WithdrawPolicy) Option {
	return func(r *VirtualRouter) error {
		r.withdraw = p
		return nil
	}
}

// WithWithdrawOnDemotion sends a priority 0 advertisement on every master
// to backup transition when flag is set, and on none otherwise.
func WithWithdrawOnDemotion(flag bool) Option {
	if flag {
		return WithWithdrawPolicy(WithdrawAlways)
	}
	return WithWithdrawPolicy(WithdrawNever)
}

func WithSourceAddress(p SourcePolicy) Option {
	return func(r *VirtualRouter) error {
		r.sourcePolicy = p
		return nil
	}
}

// WithVirtualMACSource makes a master send its advertisements from the
// virtual MAC. When unset the interface address is always used.
func WithVirtualMACSource(flag bool) Option {
	return func(r *VirtualRouter) error {
		r.virtualMACSource = flag
		return nil
	}
}

func WithGratuitousARP(flag bool) Option {
	return func(r *VirtualRouter) error {
		r.garp = flag
		return nil
	}
}

// WithSpanningTreeLatency delays the first master down timeout after start
// to leave bridges time to open their ports.
func WithSpanningTreeLatency(d time.Duration) Option {
	return func(r *VirtualRouter) error {
		if d < 0 {
			return errors.New("spanning tree latency can not be negative")
		}
		r.stpLatency = d
		return nil
	}
}

// WithBridgeInterface names the bridge the interface belongs to. It is only
// passed on to the state script.
func WithBridgeInterface(name string) Option {
	return func(r *VirtualRouter) error {
		r.bridge = name
		return nil
	}
}

// WithTransport makes the router use t instead of opening a packet socket.
// The router does not close it.
func WithTransport(t Transport) Option {
	return func(r *VirtualRouter) error {
		r.transport = t
		return nil
	}
}

func WithAnnouncer(a AddrAnnouncer) Option {
	return func(r *VirtualRouter) error {
		r.announcer = a
		return nil
	}
}

func WithRegistry(reg *Registry) Option {
	return func(r *VirtualRouter) error {
		r.registry = reg
		return nil
	}
}

func WithMonitor(m *CircuitMonitor) Option {
	return func(r *VirtualRouter) error {
		r.monitor = m
		return nil
	}
}

func WithForwarder(f Forwarder) Option {
	return func(r *VirtualRouter) error {
		r.forwarder = f
		return nil
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *VirtualRouter) error {
		r.metrics = m
		return nil
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(r *VirtualRouter) error {
		if c == nil {
			return errors.New("nil clock")
		}
		r.clock = c
		return nil
	}
}

// WithTransitions delivers every transition on ch. Sends never block: a
// full channel drops the transition.
func WithTransitions(ch chan<- Transition) Option {
	return func(r *VirtualRouter) error {
		r.transitionsCh = ch
		return nil
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(r *VirtualRouter) error {
		r.events = p
		return nil
	}
}

// WithScripts sets the hooks run on state entry. master and backup are run
// without arguments, state gets the verb, the interface and the addresses.
// Empty paths are skipped.
func WithScripts(master, backup, state string) Option {
	return func(r *VirtualRouter) error {
		r.masterScript = master
		r.backupScript = backup
		r.stateScript = state
		return nil
	}
}

func WithScriptTimeout(d time.Duration) Option {
	return func(r *VirtualRouter) error {
		if d <= 0 {
			return errors.New("script timeout must be positive")
		}
		r.scriptTimeout = d
		return nil
	}
}

func WithScriptRunner(s ScriptRunner) Option {
	return func(r *VirtualRouter) error {
		r.scripts = s
		return nil
	}
}
