package vrrp

import (
	"net"
	"time"
)

type Version byte

const (
	VRRPv1 Version = 1
	VRRPv2 Version = 2
	VRRPv3 Version = 3
)

func (v Version) String() string {
	switch v {
	case VRRPv1:
		return "VRRPVersion1"
	case VRRPv2:
		return "VRRPVersion2"
	case VRRPv3:
		return "VRRPVersion3"
	default:
		return "unknown version"
	}
}

// State is the RFC 2338 protocol state of a virtual router.
type State int

const (
	Initialize State = iota
	Master
	Backup
)

func (s State) String() string {
	switch s {
	case Initialize:
		return "initialize"
	case Master:
		return "master"
	case Backup:
		return "backup"
	default:
		return "unknown state"
	}
}

// AuthType is the VRRPv2 authentication method.
type AuthType byte

const (
	AuthNone AuthType = iota
	AuthSimple
	AuthIPAH
)

func (a AuthType) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthSimple:
		return "simple"
	case AuthIPAH:
		return "ah"
	default:
		return "unknown auth type"
	}
}

const (
	AdvertisementType = 1
	MultiTTL          = 255
	IPProtocolNumber  = 112
	AuthDataLen       = 8
	OwnerPriority     = 255
	// MaxIPCount is bounded by the one byte Count IP Addrs field.
	MaxIPCount = 255
)

var MultiAddrIPv4 = net.IPv4(224, 0, 0, 18).To4()

// MulticastMAC is the Ethernet group address mapped from 224.0.0.18.
var MulticastMAC = net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x12}

var BroadcastHADDR = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Role forces the initial state decision regardless of priority.
type Role int

const (
	RoleAuto Role = iota
	RoleMaster
)

// FaultPolicy tells a master what to do when its monitored circuit fails.
type FaultPolicy int

const (
	FaultDemote FaultPolicy = iota
	FaultStop
)

// SourcePolicy selects the IPv4 source address of advertisements.
// SourceAuto uses the first virtual address for the address owner and the
// interface primary address for everybody else.
type SourcePolicy int

const (
	SourceAuto SourcePolicy = iota
	SourceFirstVIP
	SourceInterface
)

// WithdrawPolicy decides which master to backup transitions announce a
// priority 0 advertisement first. Shutdown always does.
type WithdrawPolicy int

const (
	WithdrawNever WithdrawPolicy = iota
	WithdrawOnPreempt
	WithdrawOnFault
	WithdrawAlways
)

func (p WithdrawPolicy) withdraws(fault bool) bool {
	switch p {
	case WithdrawAlways:
		return true
	case WithdrawOnFault:
		return fault
	case WithdrawOnPreempt:
		return !fault
	default:
		return false
	}
}

// TimerKind names the single protocol timer a virtual router has armed.
type TimerKind int

const (
	TimerNone TimerKind = iota
	TimerMasterDown
	TimerAdvert
)

func (k TimerKind) String() string {
	switch k {
	case TimerNone:
		return "none"
	case TimerMasterDown:
		return "master down"
	case TimerAdvert:
		return "advertisement"
	default:
		return "unknown timer"
	}
}

const PacketQueueSize = 1000

type Transition int

func (t Transition) String() string {
	switch t {
	case Master2Backup:
		return "master to backup"
	case Backup2Master:
		return "backup to master"
	case Init2Master:
		return "init to master"
	case Init2Backup:
		return "init to backup"
	case Backup2Init:
		return "backup to init"
	case Master2Init:
		return "master to init"
	default:
		return "unknown transition"
	}
}

const (
	Master2Backup Transition = iota
	Backup2Master
	Init2Master
	Init2Backup
	Master2Init
	Backup2Init
)

// To reports the state a transition enters.
func (t Transition) To() State {
	switch t {
	case Backup2Master, Init2Master:
		return Master
	case Master2Backup, Init2Backup:
		return Backup
	default:
		return Initialize
	}
}

var (
	defaultPreempt                    = true
	defaultPriority              byte = 100
	defaultAdvertisementInterval      = 1 * time.Second
	defaultScriptTimeout              = 10 * time.Second
	// receivePollInterval bounds how long the reader blocks in Receive
	// before looking at its context again.
	receivePollInterval = 250 * time.Millisecond
)
